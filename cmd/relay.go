package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"telecore/metric"
	"telecore/pkg/logging"
	"telecore/relay"
)

const shutdownTimeout = 5 * time.Second

// RelayConfig is the configuration of the relay command.
type RelayConfig struct {
	LogLevel string        `mapstructure:"log-level"`
	Relay    relay.Config  `mapstructure:"relay"`
	Metric   metric.Config `mapstructure:"metric"`
}

// Validate validates the relay and metrics configuration.
func (c RelayConfig) Validate() error {
	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	if err := c.Metric.Validate(); err != nil {
		return fmt.Errorf("metric: %w", err)
	}
	return nil
}

var relayKeys = map[string]string{
	"log-level":              "log-level",
	"relay.port":             "port",
	"relay.cert-file":        "cert",
	"relay.key-file":         "key",
	"relay.tokens":           "token",
	"metric.port":            "metrics-port",
	"metric.path":            "metrics-path",
	"metric.system-interval": "metrics-interval",
}

func newRelayCmd(w io.Writer, run func(RelayConfig) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a development signaling relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var config RelayConfig
			if err := load(cmd, relayKeys, &config); err != nil {
				return err
			}
			return run(config)
		},
	}
	cmd.SetOut(w)
	cmd.SetErr(w)

	commonFlags(cmd)
	fs := cmd.Flags()
	fs.Int("port", relay.DefaultPort, "listening port")
	fs.String("cert", "", "cert file path")
	fs.String("key", "", "key file path")
	fs.StringToString("token", nil, "token=user pairs; any token is its own user id when empty")
	fs.Int("metrics-port", metric.DefaultMetricsPort, "metrics port, 0 disables the server")
	fs.String("metrics-path", metric.DefaultMetricsPath, "metrics path")
	fs.Duration("metrics-interval", metric.DefaultSystemInterval, "interval between system samples")
	return cmd
}

// ParseRelay parses the relay command line without validating it.
func ParseRelay(w io.Writer, args []string) (RelayConfig, error) {
	var config RelayConfig
	cmd := newRelayCmd(w, func(c RelayConfig) error {
		config = c
		return nil
	})
	if err := execute(cmd, args); err != nil {
		return RelayConfig{}, fmt.Errorf("failed to parse args: %w", err)
	}
	return config, nil
}

// SetupRelayConfig parses and validates the relay command line.
func SetupRelayConfig(w io.Writer, args []string) (RelayConfig, error) {
	config, err := ParseRelay(w, args)
	if err != nil {
		return config, err
	}
	if err = config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

func runRelay(w io.Writer) func(RelayConfig) error {
	return func(config RelayConfig) error {
		if err := config.Validate(); err != nil {
			return err
		}
		logger, err := logging.New(w, config.LogLevel, "relay")
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		metrics := metric.New(config.Metric, logger)
		metrics.RegisterMetrics()
		if config.Metric.Port != 0 {
			metrics.Start()
			defer func() {
				if err := metrics.Stop(); err != nil {
					logger.Warnf("failed to stop metrics: %v", err)
				}
			}()
			go metrics.UpdateSystemMetrics(ctx)
		}

		r := relay.New(config.Relay, metrics, logger)
		errCh := make(chan error, 1)
		go func() {
			errCh <- r.Start()
		}()

		go func() {
			waitForSignal()
			cancel()
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		if err := r.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down relay: %w", err)
		}
		return <-errCh
	}
}

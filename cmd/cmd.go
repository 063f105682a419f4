// Package cmd parses args and configuration to run the relay or a client.
package cmd

import (
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"telecore/pkg/logging"
)

// envPrefix prefixes every environment variable, e.g. TELECORE_RELAY_PORT.
const envPrefix = "TELECORE"

// Run starts the application.
func Run() {
	if err := NewRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

// NewRootCmd returns the root command with the relay and client commands.
func NewRootCmd(w io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:          "telecore",
		Short:        "Real-time chat and calls for telehealth",
		SilenceUsage: true,
	}
	root.SetOut(w)
	root.SetErr(w)
	root.AddCommand(
		newRelayCmd(w, runRelay(w)),
		newClientCmd(w, runClient(w)),
	)
	return root
}

// commonFlags adds the flags every command takes.
func commonFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "config file (json, yaml or toml)")
	cmd.Flags().String("log-level", logging.DefaultLevel, "debug, info, warn, error")
}

// load reads flags, environment and the config file into out. keys maps
// configuration keys to flag names. Values already in out are kept for keys
// that are set nowhere.
func load(cmd *cobra.Command, keys map[string]string, out any) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for key, name := range keys {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			return fmt.Errorf("unknown flag %q for %q", name, key)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind %q: %w", name, err)
		}
	}

	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return nil
}

// execute runs cmd once with args, as if it were the root command.
func execute(cmd *cobra.Command, args []string) error {
	if args == nil {
		args = []string{}
	}
	cmd.SetArgs(args)
	cmd.SilenceErrors = true
	return cmd.Execute()
}

// waitForSignal blocks until SIGINT or SIGTERM.
func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer ossignal.Stop(sigCh)
	<-sigCh
}

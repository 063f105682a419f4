package metric

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config defines the configuration for the metrics server.
type Config struct {
	Port           int           `mapstructure:"port"`            // Port for metrics server, 0 disables it
	Path           string        `mapstructure:"path"`            // Path for metrics endpoint
	SystemInterval time.Duration `mapstructure:"system-interval"` // Interval between system samples
}

// Default values for metrics configuration.
const (
	DefaultMetricsPort    = 9090
	DefaultMetricsPath    = "/metrics"
	DefaultSystemInterval = 5 * time.Second
)

// Below is the Error message for the metrics configuration.
var (
	ErrInvalidPort     = errors.New("invalid metrics port")
	ErrInvalidPath     = errors.New("invalid metrics path")
	ErrInvalidInterval = errors.New("invalid system interval")
)

// Validate validates the metrics configuration.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("must be between 0 and 65535, given %d: %w", c.Port, ErrInvalidPort)
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("must start with '/', given %q: %w", c.Path, ErrInvalidPath)
	}
	if c.SystemInterval <= 0 {
		return fmt.Errorf("must be positive, given %s: %w", c.SystemInterval, ErrInvalidInterval)
	}
	return nil
}

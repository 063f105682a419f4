package call

import (
	"errors"
	"fmt"
	"time"
)

// Default values for the call timers.
const (
	DefaultRingTimeout      = 45 * time.Second
	DefaultAnswerTimeout    = 45 * time.Second
	DefaultDisconnectGrace  = 5 * time.Second
	DefaultDurationInterval = time.Second
)

// ErrInvalidTimer is returned for non-positive timer windows.
var ErrInvalidTimer = errors.New("invalid call timer")

// Config holds the call timers.
type Config struct {
	// RingTimeout auto-rejects an unanswered inbound call.
	RingTimeout time.Duration `mapstructure:"ring-timeout"`

	// AnswerTimeout gives up on an outbound call nobody answers.
	AnswerTimeout time.Duration `mapstructure:"answer-timeout"`

	// DisconnectGrace is how long a disconnected peer transport may take to
	// recover before the call ends.
	DisconnectGrace time.Duration `mapstructure:"disconnect-grace"`

	DurationInterval time.Duration `mapstructure:"duration-interval"`

	// EndedLinger resets an ended session to idle after this long. Zero keeps
	// it until Reset is called.
	EndedLinger time.Duration `mapstructure:"ended-linger"`
}

// DefaultConfig returns the default timers.
func DefaultConfig() Config {
	return Config{
		RingTimeout:      DefaultRingTimeout,
		AnswerTimeout:    DefaultAnswerTimeout,
		DisconnectGrace:  DefaultDisconnectGrace,
		DurationInterval: DefaultDurationInterval,
	}
}

// Validate validates the timers.
func (c Config) Validate() error {
	for name, d := range map[string]time.Duration{
		"ring timeout":      c.RingTimeout,
		"answer timeout":    c.AnswerTimeout,
		"disconnect grace":  c.DisconnectGrace,
		"duration interval": c.DurationInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, given %s: %w", name, d, ErrInvalidTimer)
		}
	}
	if c.EndedLinger < 0 {
		return fmt.Errorf("ended linger must not be negative, given %s: %w", c.EndedLinger, ErrInvalidTimer)
	}
	return nil
}

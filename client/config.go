package client

import (
	"errors"
	"fmt"
	"time"

	"telecore/call"
	"telecore/chat"
	"telecore/media"
	"telecore/signal"
)

// Default values for reconnecting.
const (
	DefaultReconnectInitialDelay = 250 * time.Millisecond
	DefaultReconnectMaxDelay     = 5 * time.Second
)

// ErrInvalidReconnect is returned for an unusable reconnect policy.
var ErrInvalidReconnect = errors.New("invalid reconnect policy")

// ReconnectConfig is the retry policy applied when the relay connection is
// lost. It does not apply to a failed Connect or a local Close.
type ReconnectConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	InitialDelay time.Duration `mapstructure:"initial-delay"`
	MaxDelay     time.Duration `mapstructure:"max-delay"`
	// MaxAttempts bounds the attempts per loss, 0 for unbounded.
	MaxAttempts int `mapstructure:"max-attempts"`
}

// Validate validates the delays and the attempt limit.
func (c ReconnectConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.InitialDelay <= 0 || c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("delays %s..%s: %w", c.InitialDelay, c.MaxDelay, ErrInvalidReconnect)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max attempts %d: %w", c.MaxAttempts, ErrInvalidReconnect)
	}
	return nil
}

// Config contains the configuration of every part of the client.
type Config struct {
	Signal    signal.Config   `mapstructure:"signal"`
	Media     media.Config    `mapstructure:"media"`
	Call      call.Config     `mapstructure:"call"`
	Chat      chat.Config     `mapstructure:"chat"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
}

// DefaultConfig returns a configuration made of the package defaults.
func DefaultConfig() Config {
	return Config{
		Signal: signal.Config{
			URL:              signal.DefaultURL,
			HandshakeTimeout: signal.DefaultHandshakeTimeout,
			SendQueue:        signal.DefaultSendQueue,
		},
		Media: media.Config{
			ICEServers:             []string{media.DefaultICEServer},
			ICEDisconnectedTimeout: media.DefaultICEDisconnectedTimeout,
			ICEFailedTimeout:       media.DefaultICEFailedTimeout,
			ICEKeepalive:           media.DefaultICEKeepalive,
		},
		Call: call.DefaultConfig(),
		Chat: chat.Config{
			TypingIdle:   chat.DefaultTypingIdle,
			TypingExpiry: chat.DefaultTypingExpiry,
		},
		Reconnect: ReconnectConfig{
			InitialDelay: DefaultReconnectInitialDelay,
			MaxDelay:     DefaultReconnectMaxDelay,
		},
	}
}

// Validate validates every part of the configuration.
func (c Config) Validate() error {
	if err := c.Signal.Validate(); err != nil {
		return fmt.Errorf("signal: %w", err)
	}
	if err := c.Media.Validate(); err != nil {
		return fmt.Errorf("media: %w", err)
	}
	if err := c.Call.Validate(); err != nil {
		return fmt.Errorf("call: %w", err)
	}
	if err := c.Chat.Validate(); err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	if err := c.Reconnect.Validate(); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	return nil
}

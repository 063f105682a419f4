// Package signal owns the single authenticated connection to the relay.
package signal

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

const (
	// DefaultURL is the relay endpoint used when none is configured.
	DefaultURL = "ws://localhost:7070/ws"

	// DefaultHandshakeTimeout bounds dialing plus the connect exchange.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultSendQueue is the number of outbound frames buffered per connection.
	DefaultSendQueue = 64
)

// Below is the Error message for the transport configuration.
var (
	ErrInvalidURL     = errors.New("invalid relay url")
	ErrInvalidTimeout = errors.New("invalid handshake timeout")
	ErrInvalidQueue   = errors.New("invalid send queue size")
)

// Config is the configuration for creating a Transport instance.
type Config struct {
	URL              string        `mapstructure:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake-timeout"`
	SendQueue        int           `mapstructure:"send-queue"`
}

// IsSame checks if the given config is the same as the current one.
func (c Config) IsSame(config Config) bool {
	return c.URL == config.URL && c.HandshakeTimeout == config.HandshakeTimeout && c.SendQueue == config.SendQueue
}

// Validate validates the relay url, the handshake timeout and the queue size.
func (c Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("unable to parse %q: %w", c.URL, ErrInvalidURL)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme must be ws or wss, given %q: %w", u.Scheme, ErrInvalidURL)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q: %w", c.URL, ErrInvalidURL)
	}

	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("must be positive, given %s: %w", c.HandshakeTimeout, ErrInvalidTimeout)
	}

	if c.SendQueue < 1 {
		return fmt.Errorf("must be at least 1, given %d: %w", c.SendQueue, ErrInvalidQueue)
	}

	return nil
}

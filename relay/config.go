// Package relay is a development signaling relay. It routes chat, presence
// and call events between connected users.
package relay

import (
	"errors"
	"fmt"
)

const (
	// DefaultPort is the port the relay listens on.
	DefaultPort = 7070

	// Path is where the relay accepts WebSocket connections.
	Path = "/ws"

	// UsersPath lists the online users.
	UsersPath = "/users"
)

// Below is the Error message for the relay configuration.
var (
	ErrInvalidPort = errors.New("invalid port")
	ErrInvalidTLS  = errors.New("invalid tls configuration")
)

// Config is the configuration for creating a Relay instance.
type Config struct {
	Port     int    `mapstructure:"port"`
	CertFile string `mapstructure:"cert-file"`
	KeyFile  string `mapstructure:"key-file"`

	// Tokens maps bearer tokens to user ids. When empty every token is
	// accepted as the id of its user.
	Tokens map[string]string `mapstructure:"tokens"`
}

// Validate validates the port and the TLS files.
func (c Config) Validate() error {
	if c.Port < 1 || 65535 < c.Port {
		return fmt.Errorf("must be between 1 and 65535, given %d: %w", c.Port, ErrInvalidPort)
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("cert file and key file must be set together: %w", ErrInvalidTLS)
	}
	return nil
}

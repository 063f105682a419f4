// Package media negotiates the peer media transport of a call.
package media

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// Default values for the media configuration.
const (
	DefaultICEServer              = "stun:stun.l.google.com:19302"
	DefaultICEDisconnectedTimeout = 5 * time.Second
	DefaultICEFailedTimeout       = 25 * time.Second
	DefaultICEKeepalive           = 2 * time.Second
)

// Below is the Error message for the media configuration.
var (
	ErrInvalidICEServer  = errors.New("invalid ice server")
	ErrInvalidPortRange  = errors.New("invalid udp port range")
	ErrInvalidICETimeout = errors.New("invalid ice timeout")
)

// Config defines the configuration of peer transports.
type Config struct {
	ICEServers             []string      `mapstructure:"ice-servers"`
	MinUDPPort             uint16        `mapstructure:"min-udp-port"` // Minimum UDP port for WebRTC, 0 for any
	MaxUDPPort             uint16        `mapstructure:"max-udp-port"` // Maximum UDP port for WebRTC, 0 for any
	ICEDisconnectedTimeout time.Duration `mapstructure:"ice-disconnected-timeout"`
	ICEFailedTimeout       time.Duration `mapstructure:"ice-failed-timeout"`
	ICEKeepalive           time.Duration `mapstructure:"ice-keepalive"`
}

// Validate validates the ICE servers, the port range and the ICE timeouts.
func (c Config) Validate() error {
	for _, s := range c.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("%q: %w", s, ErrInvalidICEServer)
		}
	}

	if (c.MinUDPPort == 0) != (c.MaxUDPPort == 0) {
		return fmt.Errorf("both bounds must be set, given %d-%d: %w", c.MinUDPPort, c.MaxUDPPort, ErrInvalidPortRange)
	}
	if c.MinUDPPort > c.MaxUDPPort {
		return fmt.Errorf("MinUDPPort (%d) > MaxUDPPort (%d): %w", c.MinUDPPort, c.MaxUDPPort, ErrInvalidPortRange)
	}

	if c.ICEDisconnectedTimeout <= 0 || c.ICEFailedTimeout <= 0 || c.ICEKeepalive <= 0 {
		return fmt.Errorf("must be positive: %w", ErrInvalidICETimeout)
	}
	if c.ICEFailedTimeout < c.ICEDisconnectedTimeout {
		return fmt.Errorf("failed timeout %s shorter than disconnected timeout %s: %w",
			c.ICEFailedTimeout, c.ICEDisconnectedTimeout, ErrInvalidICETimeout)
	}
	return nil
}

// SetPortRange sets the ephemeral UDP port range for WebRTC, when configured.
func (c Config) SetPortRange(s *webrtc.SettingEngine) error {
	if c.MinUDPPort == 0 && c.MaxUDPPort == 0 {
		return nil
	}
	if err := s.SetEphemeralUDPPortRange(c.MinUDPPort, c.MaxUDPPort); err != nil {
		return fmt.Errorf("failed to set ephemeral UDP port range: %w", err)
	}
	return nil
}

func (c Config) webrtcConfiguration() webrtc.Configuration {
	conf := webrtc.Configuration{}
	if len(c.ICEServers) > 0 {
		conf.ICEServers = []webrtc.ICEServer{{URLs: c.ICEServers}}
	}
	return conf
}

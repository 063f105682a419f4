package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"telecore/broker"
	"telecore/call"
	"telecore/client"
	"telecore/media"
	"telecore/pkg/logging"
	"telecore/signal"
	"telecore/types/message"
)

// Below is the Error message for the client command.
var (
	ErrMissingToken       = errors.New("missing token")
	ErrMissingCounterpart = errors.New("missing counterpart")
	ErrInvalidAction      = errors.New("invalid action")
)

// ClientConfig is the configuration of the client command.
type ClientConfig struct {
	LogLevel    string        `mapstructure:"log-level"`
	Token       string        `mapstructure:"token"`
	UserType    string        `mapstructure:"user-type"`
	DisplayName string        `mapstructure:"display-name"`
	To          string        `mapstructure:"to"`
	Message     string        `mapstructure:"message"`
	Call        string        `mapstructure:"call"`
	AutoAnswer  bool          `mapstructure:"auto-answer"`
	Client      client.Config `mapstructure:"client"`
}

// Validate validates the client configuration and the requested actions.
func (c ClientConfig) Validate() error {
	if c.Token == "" {
		return ErrMissingToken
	}
	if c.Call != "" && !media.Kind(c.Call).Valid() {
		return fmt.Errorf("call kind %q: %w", c.Call, ErrInvalidAction)
	}
	if (c.Message != "" || c.Call != "") && c.To == "" {
		return ErrMissingCounterpart
	}
	return c.Client.Validate()
}

var clientKeys = map[string]string{
	"log-level":                       "log-level",
	"token":                           "token",
	"user-type":                       "user-type",
	"display-name":                    "display-name",
	"to":                              "to",
	"message":                         "message",
	"call":                            "call",
	"auto-answer":                     "auto-answer",
	"client.signal.url":               "url",
	"client.signal.handshake-timeout": "handshake-timeout",
	"client.media.ice-servers":        "ice-server",
	"client.media.min-udp-port":       "min-udp-port",
	"client.media.max-udp-port":       "max-udp-port",
	"client.call.ring-timeout":        "ring-timeout",
	"client.call.answer-timeout":      "answer-timeout",
	"client.call.ended-linger":        "ended-linger",
	"client.reconnect.enabled":        "reconnect",
}

func newClientCmd(w io.Writer, run func(ClientConfig) error) *cobra.Command {
	defaults := client.DefaultConfig()
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Connect to a relay as one user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config := ClientConfig{Client: client.DefaultConfig()}
			if err := load(cmd, clientKeys, &config); err != nil {
				return err
			}
			return run(config)
		},
	}
	cmd.SetOut(w)
	cmd.SetErr(w)

	commonFlags(cmd)
	fs := cmd.Flags()
	fs.String("token", "", "bearer token")
	fs.String("user-type", "patient", "patient or provider")
	fs.String("display-name", "", "name shown to the callee")
	fs.String("to", "", "counterpart user id")
	fs.String("message", "", "message to send to the counterpart")
	fs.String("call", "", "place a video or voice call to the counterpart")
	fs.Bool("auto-answer", false, "answer incoming calls")
	fs.String("url", defaults.Signal.URL, "relay url")
	fs.Duration("handshake-timeout", defaults.Signal.HandshakeTimeout, "dial and connect timeout")
	fs.StringSlice("ice-server", defaults.Media.ICEServers, "stun or turn server")
	fs.Uint16("min-udp-port", 0, "lowest UDP port for media")
	fs.Uint16("max-udp-port", 0, "highest UDP port for media")
	fs.Duration("ring-timeout", defaults.Call.RingTimeout, "how long an incoming call rings")
	fs.Duration("answer-timeout", defaults.Call.AnswerTimeout, "how long an outgoing call waits for an answer")
	fs.Duration("ended-linger", defaults.Call.EndedLinger, "how long an ended call stays before it is reset, 0 resets at once")
	fs.Bool("reconnect", true, "reconnect after losing the relay")
	return cmd
}

// ParseClient parses the client command line without validating it.
func ParseClient(w io.Writer, args []string) (ClientConfig, error) {
	var config ClientConfig
	cmd := newClientCmd(w, func(c ClientConfig) error {
		config = c
		return nil
	})
	if err := execute(cmd, args); err != nil {
		return ClientConfig{}, fmt.Errorf("failed to parse args: %w", err)
	}
	return config, nil
}

// SetupClientConfig parses and validates the client command line.
func SetupClientConfig(w io.Writer, args []string) (ClientConfig, error) {
	config, err := ParseClient(w, args)
	if err != nil {
		return config, err
	}
	if err = config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

func runClient(w io.Writer) func(ClientConfig) error {
	return func(config ClientConfig) error {
		if err := config.Validate(); err != nil {
			return err
		}
		logger, err := logging.New(w, config.LogLevel, "client")
		if err != nil {
			return err
		}

		c, err := client.New(config.Client, client.WithLogger(logger))
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		watch(ctx, c, config.AutoAnswer, logger)

		conn, err := c.Connect(ctx, signal.Credentials{
			Token:       config.Token,
			UserType:    config.UserType,
			DisplayName: config.DisplayName,
		})
		if err != nil {
			return err
		}
		logger.Infof("connected as %s", conn.Identity)

		if config.Message != "" {
			if _, err := c.SendMessage(ctx, config.To, config.Message); err != nil {
				return err
			}
		}
		if config.Call != "" {
			if _, err := c.StartCall(ctx, config.To, media.Kind(config.Call)); err != nil {
				return err
			}
		}

		waitForSignal()
		return nil
	}
}

// watch logs what the client publishes and resets ended calls so that the
// next one can ring. Subscribers run on the client's loop, so answering and
// resetting happen on their own goroutines.
func watch(ctx context.Context, c *client.Client, autoAnswer bool, logger *logrus.Entry) {
	c.Subscribe(broker.PresenceChanged, func(m any) {
		p := m.(message.PresenceChanged)
		logger.Infof("%s online: %t", p.UserID, p.Online)
	})
	c.Subscribe(broker.MessageChanged, func(m any) {
		msg := m.(message.MessageChanged)
		logger.Infof("message %s with %s delivered: %t", msg.ID, msg.Counterpart, msg.Delivered)
	})
	c.Subscribe(broker.TypingChanged, func(m any) {
		t := m.(message.TypingChanged)
		logger.Infof("%s typing: %t", t.UserID, t.IsTyping)
	})
	c.Subscribe(broker.RemoteTrack, func(m any) {
		t := m.(message.RemoteTrack)
		logger.Infof("call %s %s track %s ended: %t", t.CallID, t.Kind, t.TrackID, t.Ended)
	})
	c.Subscribe(broker.CallChanged, func(m any) {
		s := m.(message.CallChanged)
		logger.WithFields(logrus.Fields{
			"call":   s.CallID,
			"with":   s.CounterpartID,
			"kind":   s.Kind,
			"reason": s.EndReason,
		}).Infof("call %s", s.State)

		switch {
		case autoAnswer && s.State == string(call.Ringing):
			go func() {
				if _, err := c.AnswerCall(ctx); err != nil {
					logger.Warnf("failed to answer %s: %v", s.CallID, err)
				}
			}()
		case s.State == string(call.Ended):
			go func() {
				if err := c.ResetCall(ctx); err != nil {
					logger.Debugf("skip reset of %s: %v", s.CallID, err)
				}
			}()
		}
	})
}

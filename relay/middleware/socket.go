package middleware

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"telecore/pkg/socket"
)

// Processor serves an upgraded socket until it closes.
type Processor interface {
	Process(sock socket.Socket, identity string) error
}

// Socket upgrades the request and hands the socket to a Processor. It ends
// the chain: the next handler is never called.
type Socket struct {
	processor Processor
	logger    *logrus.Entry
}

// NewSocket creates a new Socket middleware.
func NewSocket(p Processor, logger *logrus.Entry) *Socket {
	return &Socket{
		processor: p,
		logger:    logger.WithField("component", "http"),
	}
}

// Intercept processes the request.
func (s *Socket) Intercept(_ http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sock, err := socket.New(w, r)
		if err != nil {
			s.logger.Warnf("failed to create WebSocket: %v", err)
			return
		}
		defer func() {
			if err := sock.Close(); err != nil {
				s.logger.Debugf("failed to close WebSocket: %v", err)
			}
		}()
		if err := s.processor.Process(sock, Identity(r.Context())); err != nil {
			s.logger.Warnf("failed to process WebSocket: %v", err)
		}
	})
}

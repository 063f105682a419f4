package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"telecore/metric"
	"telecore/relay/middleware"
)

// Relay contains the server and configuration.
type Relay struct {
	server     *http.Server
	controller *Controller
	conf       Config
	logger     *logrus.Entry
}

// New creates a new instance of Relay.
func New(config Config, metrics *metric.Metrics, logger *logrus.Entry) *Relay {
	auth := NewAuthenticator(config.Tokens)
	con := NewController(auth, metrics, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		ReadHeaderTimeout: 2 * time.Second,
		Handler:           NewHandler(con, auth, logger),
	}
	return &Relay{
		server:     srv,
		controller: con,
		conf:       config,
		logger:     logger.WithField("component", "relay"),
	}
}

// NewHandler routes the socket endpoint and the users endpoint.
func NewHandler(con *Controller, auth Authenticator, logger *logrus.Entry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(Path, middleware.Set(http.NotFoundHandler(),
		middleware.NewSocket(con, logger),
		middleware.NewAuth(auth),
		middleware.NewLogger(logger),
	))
	mux.Handle(UsersPath, middleware.Set(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(con.Online()); err != nil {
			logger.Warnf("failed to write users: %v", err)
		}
	}),
		middleware.NewCORS(),
		middleware.NewLogger(logger),
	))
	return mux
}

// Controller returns the protocol controller.
func (r *Relay) Controller() *Controller {
	return r.controller
}

// Start runs the relay until it is shut down.
func (r *Relay) Start() error {
	if r.conf.CertFile == "" || r.conf.KeyFile == "" {
		r.logger.Infof("Starting relay on port %d, without TLS", r.conf.Port)
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start relay: %w", err)
		}
		return nil
	}

	r.logger.Infof("Starting relay on port %d, with TLS", r.conf.Port)
	if err := r.server.ListenAndServeTLS(r.conf.CertFile, r.conf.KeyFile); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start relay: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for handlers up to ctx.
func (r *Relay) Shutdown(ctx context.Context) error {
	return r.server.Shutdown(ctx)
}

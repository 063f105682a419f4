package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"telecore/broker"
	"telecore/loop"
	"telecore/metric"
	"telecore/pkg/socket"
	"telecore/types/client/request"
	"telecore/types/client/response"
	"telecore/types/message"
)

var (
	// ErrAuth is returned when credentials are absent or the relay refuses them.
	ErrAuth = errors.New("authentication failed")

	// ErrTransport is returned when the network fails.
	ErrTransport = errors.New("transport failure")

	// ErrNotConnected is returned when sending without a live connection.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyConnected is returned by Connect while a connection is live.
	ErrAlreadyConnected = errors.New("already connected")
)

// Credentials authenticate the local user to the relay.
type Credentials struct {
	Token       string
	UserType    string
	DisplayName string
}

// Connection describes the relay connection.
type Connection struct {
	Identity    string
	UserType    string
	DisplayName string
	Connected   bool
	LastErr     error
}

// Transport owns the relay socket. Inbound frames are published on the
// broker from the event loop, in arrival order, with the event name as topic.
//
// Connect and Reconnect block and must be called off the loop. Every other
// method must be called on the loop.
type Transport struct {
	config  Config
	dialer  socket.Dialer
	loop    *loop.Loop
	broker  *broker.Broker
	metrics *metric.Metrics
	logger  *logrus.Entry

	// owned by the loop
	creds   Credentials
	conn    Connection
	session *session
}

// session is one live socket. It is replaced, never reused, on reconnect.
type session struct {
	sock      socket.Socket
	out       chan request.Common
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(sock socket.Socket, queue int) *session {
	return &session{
		sock: sock,
		out:  make(chan request.Common, queue),
		done: make(chan struct{}),
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// New creates a Transport.
func New(
	config Config,
	dialer socket.Dialer,
	l *loop.Loop,
	b *broker.Broker,
	metrics *metric.Metrics,
	logger *logrus.Entry,
) *Transport {
	return &Transport{
		config:  config,
		dialer:  dialer,
		loop:    l,
		broker:  b,
		metrics: metrics,
		logger:  logger.WithField("component", "signal"),
	}
}

// Connect dials the relay and authenticates. Failures are not retried.
func (t *Transport) Connect(ctx context.Context, creds Credentials) (Connection, error) {
	if creds.Token == "" {
		return Connection{}, fmt.Errorf("missing token: %w", ErrAuth)
	}

	var live bool
	if err := t.loop.Call(ctx, func() { live = t.session != nil }); err != nil {
		return Connection{}, err
	}
	if live {
		return Connection{}, ErrAlreadyConnected
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.Token)
	sock, err := t.dialer.Dial(ctx, t.config.URL, header)
	if err != nil {
		if errors.Is(err, socket.ErrUnauthorized) {
			return Connection{}, fmt.Errorf("%w: %v", ErrAuth, err)
		}
		err = fmt.Errorf("%w: %v", ErrTransport, err)
		t.recordFailure(ctx, err)
		return Connection{}, err
	}

	userID, err := t.handshake(ctx, sock, creds)
	if err != nil {
		if cerr := sock.Close(); cerr != nil {
			t.logger.Debugf("close after failed handshake: %v", cerr)
		}
		if !errors.Is(err, ErrAuth) {
			t.recordFailure(ctx, err)
		}
		return Connection{}, err
	}

	s := newSession(sock, t.config.SendQueue)
	var conn Connection
	installed := false
	err = t.loop.Call(ctx, func() {
		if t.session != nil {
			return
		}
		t.session = s
		t.creds = creds
		t.conn = Connection{
			Identity:    userID,
			UserType:    creds.UserType,
			DisplayName: creds.DisplayName,
			Connected:   true,
		}
		conn = t.conn
		installed = true
		t.metrics.SetSignalingConnected(true)
		t.logger.Infof("connected to %s as %s", t.config.URL, userID)
		t.broker.Publish(broker.Connected, message.Connected{UserID: userID})
	})
	if err != nil || !installed {
		_ = sock.Close()
		if err != nil {
			return Connection{}, err
		}
		return Connection{}, ErrAlreadyConnected
	}

	go t.readLoop(s)
	go t.writeLoop(s)
	return conn, nil
}

// Reconnect runs Connect again with the credentials of the last successful
// connection.
func (t *Transport) Reconnect(ctx context.Context) (Connection, error) {
	var creds Credentials
	if err := t.loop.Call(ctx, func() { creds = t.creds }); err != nil {
		return Connection{}, err
	}
	if creds.Token == "" {
		return Connection{}, fmt.Errorf("no previous credentials: %w", ErrAuth)
	}
	t.metrics.IncrementReconnects()
	return t.Connect(ctx, creds)
}

func (t *Transport) handshake(ctx context.Context, sock socket.Socket, creds Credentials) (string, error) {
	hello, err := request.NewCommon(request.CONNECT, request.Connect{
		Token:       creds.Token,
		UserType:    creds.UserType,
		DisplayName: creds.DisplayName,
	})
	if err != nil {
		return "", err
	}
	if err := sock.WriteJSON(hello); err != nil {
		return "", fmt.Errorf("%w: send connect: %v", ErrTransport, err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.config.HandshakeTimeout)
	defer cancel()

	type result struct {
		env request.Common
		err error
	}
	ack := make(chan result, 1)
	go func() {
		var env request.Common
		err := sock.ReadJSON(&env)
		ack <- result{env: env, err: err}
	}()

	var r result
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: waiting for connect ack: %v", ErrTransport, ctx.Err())
	case r = <-ack:
	}
	if r.err != nil {
		return "", fmt.Errorf("%w: read connect ack: %v", ErrTransport, r.err)
	}

	switch r.env.Event {
	case response.CONNECT:
		var payload response.Connect
		if err := decode(r.env, &payload); err != nil {
			return "", err
		}
		if payload.UserID == "" {
			return "", fmt.Errorf("%w: connect ack without user id", ErrTransport)
		}
		return payload.UserID, nil
	case response.CONNECT_ERROR:
		var payload response.ConnectError
		if err := decode(r.env, &payload); err != nil {
			return "", fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return "", fmt.Errorf("%w: %s", ErrAuth, payload.Message)
	default:
		return "", fmt.Errorf("%w: expected connect ack, got %q", ErrTransport, r.env.Event)
	}
}

func (t *Transport) recordFailure(ctx context.Context, err error) {
	_ = t.loop.Call(ctx, func() {
		t.conn.LastErr = err
	})
}

// readLoop posts every inbound frame to the loop. It ends with the socket.
func (t *Transport) readLoop(s *session) {
	for {
		var env request.Common
		if err := s.sock.ReadJSON(&env); err != nil {
			t.loop.Post(func() { t.drop(s, err) })
			return
		}
		t.loop.Post(func() {
			if t.session != s {
				return
			}
			t.broker.Publish(broker.Topic(env.Event), env.Data)
		})
	}
}

// writeLoop drains the outbound queue. On a local close it flushes what was
// already queued, then closes the socket.
func (t *Transport) writeLoop(s *session) {
	for {
		select {
		case env := <-s.out:
			if err := s.sock.WriteJSON(env); err != nil {
				t.loop.Post(func() { t.drop(s, err) })
				return
			}
		case <-s.done:
			for {
				select {
				case env := <-s.out:
					if err := s.sock.WriteJSON(env); err != nil {
						_ = s.sock.Close()
						return
					}
				default:
					_ = s.sock.Close()
					return
				}
			}
		}
	}
}

// drop retires s. It publishes Disconnected exactly once per session.
func (t *Transport) drop(s *session, cause error) {
	if t.session != s {
		return
	}
	t.session = nil
	s.close()
	if cause != nil {
		_ = s.sock.Close()
		t.conn.LastErr = fmt.Errorf("%w: %v", ErrTransport, cause)
		t.logger.Warnf("connection lost: %v", cause)
	} else {
		t.conn.LastErr = nil
		t.logger.Info("connection closed")
	}
	t.conn.Connected = false
	t.metrics.SetSignalingConnected(false)
	t.broker.Publish(broker.Disconnected, message.Disconnected{
		UserID: t.conn.Identity,
		Err:    t.conn.LastErr,
	})
}

// Send queues event for the relay. Nothing is kept across reconnects.
func (t *Transport) Send(event string, payload any) error {
	s := t.session
	if s == nil {
		return fmt.Errorf("send %s: %w", event, ErrNotConnected)
	}
	env, err := request.NewCommon(event, payload)
	if err != nil {
		return err
	}
	select {
	case s.out <- env:
		return nil
	default:
		return fmt.Errorf("send %s: queue full: %w", event, ErrTransport)
	}
}

// Subscribe registers handler for event. Handlers run on the loop.
func (t *Transport) Subscribe(event string, handler func(any)) {
	t.broker.Subscribe(broker.Topic(event), handler)
}

// Close closes the connection. Disconnected is published if it was live.
func (t *Transport) Close() {
	if t.session == nil {
		return
	}
	t.drop(t.session, nil)
}

// Connection returns the current connection state.
func (t *Transport) Connection() Connection {
	return t.conn
}

func decode(env request.Common, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrTransport, env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrTransport, env.Event, err)
	}
	return nil
}

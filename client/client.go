// Package client composes the real-time communication core behind a facade
// that is safe to use from any goroutine.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"telecore/broker"
	"telecore/call"
	"telecore/chat"
	"telecore/database"
	"telecore/database/memory"
	"telecore/loop"
	"telecore/media"
	"telecore/metric"
	"telecore/pkg/logging"
	"telecore/pkg/socket"
	"telecore/presence"
	"telecore/signal"
	"telecore/types/message"
)

// ErrClosed is returned once the client is closed.
var ErrClosed = errors.New("client closed")

type options struct {
	logger   *logrus.Entry
	dialer   socket.Dialer
	devices  media.Devices
	peers    media.PeerFactory
	clock    clock.Clock
	metrics  *metric.Metrics
	database database.Database
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *logrus.Entry) Option {
	return func(o *options) { o.logger = logger }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(dialer socket.Dialer) Option {
	return func(o *options) { o.dialer = dialer }
}

// WithDevices sets where local media comes from. Synthetic devices are used
// by default.
func WithDevices(devices media.Devices) Option {
	return func(o *options) { o.devices = devices }
}

// WithPeerFactory replaces the pion peer connection factory.
func WithPeerFactory(peers media.PeerFactory) Option {
	return func(o *options) { o.peers = peers }
}

// WithClock sets the clock driving every timer.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithMetrics enables metrics.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(o *options) { o.metrics = metrics }
}

// WithDatabase replaces the in-memory session store.
func WithDatabase(db database.Database) Option {
	return func(o *options) { o.database = db }
}

// Client is a user's real-time communication core.
type Client struct {
	config   Config
	logger   *logrus.Entry
	clock    clock.Clock
	loop     *loop.Loop
	broker   *broker.Broker
	database database.Database

	transport *signal.Transport
	presence  *presence.Tracker
	chat      *chat.Channel
	calls     *call.Machine

	mu        sync.Mutex
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc
	reconnect sync.WaitGroup
}

// New creates a Client. Nothing is dialed until Connect.
func New(config Config, opts ...Option) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.Discard()
	}
	if o.dialer == nil {
		o.dialer = socket.NewDialer(config.Signal.HandshakeTimeout)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.database == nil {
		o.database = memory.New()
	}
	if o.devices == nil {
		o.devices = media.NewSyntheticDevices(o.logger)
	}
	if o.peers == nil {
		codecs, _ := o.devices.(media.CodecPopulator)
		api, err := media.NewAPI(config.Media, codecs)
		if err != nil {
			return nil, fmt.Errorf("media api: %w", err)
		}
		o.peers = api
	}

	l := loop.New(o.logger)
	b := broker.New(o.logger)
	transport := signal.New(config.Signal, o.dialer, l, b, o.metrics, o.logger)
	coordinators := media.NewFactory(o.peers, o.devices, l, o.metrics, o.logger)
	negotiators := call.NegotiatorFunc(func(callID string, h media.Handler) (call.Negotiator, error) {
		c, err := coordinators.New(callID, h)
		if err != nil {
			return nil, err
		}
		return c, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config:    config,
		logger:    o.logger.WithField("component", "client"),
		clock:     o.clock,
		loop:      l,
		broker:    b,
		database:  o.database,
		transport: transport,
		presence:  presence.New(o.database, b, o.clock, o.logger),
		chat:      chat.New(config.Chat, transport, o.database, b, l, o.clock, o.metrics, o.logger),
		calls:     call.New(config.Call, transport, negotiators, o.database, b, l, o.clock, o.metrics, o.logger),
		ctx:       ctx,
		cancel:    cancel,
	}
	if config.Reconnect.Enabled {
		b.Subscribe(broker.Disconnected, broker.Handle(c.logger, c.handleDisconnected))
	}

	l.Start()
	return c, nil
}

// do runs fn on the loop and returns its error.
func (c *Client) do(ctx context.Context, fn func() error) error {
	var err error
	if cerr := c.loop.Call(ctx, func() { err = fn() }); cerr != nil {
		if errors.Is(cerr, loop.ErrStopped) {
			return ErrClosed
		}
		return cerr
	}
	return err
}

// Connect authenticates to the relay.
func (c *Client) Connect(ctx context.Context, creds signal.Credentials) (signal.Connection, error) {
	if c.isClosed() {
		return signal.Connection{}, ErrClosed
	}
	return c.transport.Connect(ctx, creds)
}

// Connection returns the relay connection state.
func (c *Client) Connection(ctx context.Context) (signal.Connection, error) {
	var conn signal.Connection
	err := c.do(ctx, func() error {
		conn = c.transport.Connection()
		return nil
	})
	return conn, err
}

// Close ends any call, disconnects and stops the client.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.reconnect.Wait()
	_ = c.do(context.Background(), func() error {
		if _, err := c.calls.Hangup(); err != nil && !errors.Is(err, call.ErrNoSession) {
			c.logger.Debugf("hangup on close: %v", err)
		}
		c.transport.Close()
		return nil
	})
	c.loop.Stop()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Subscribe registers fn for topic. fn runs on the event loop and must not
// call back into the Client.
func (c *Client) Subscribe(topic broker.Topic, fn func(any)) {
	c.broker.Subscribe(topic, fn)
}

// SendMessage sends a chat message to to.
func (c *Client) SendMessage(ctx context.Context, to, content string) (*database.MessageInfo, error) {
	var info *database.MessageInfo
	err := c.do(ctx, func() error {
		var err error
		info, err = c.chat.Send(to, content)
		return err
	})
	return info, err
}

// NotifyTyping reports local typing towards to.
func (c *Client) NotifyTyping(ctx context.Context, to string, isTyping bool) error {
	return c.do(ctx, func() error {
		return c.chat.NotifyTyping(to, isTyping)
	})
}

// Messages returns the conversation with counterpart.
func (c *Client) Messages(ctx context.Context, counterpart string) ([]*database.MessageInfo, error) {
	var infos []*database.MessageInfo
	err := c.do(ctx, func() error {
		var err error
		infos, err = c.chat.Messages(counterpart)
		return err
	})
	return infos, err
}

// Typing returns the typing indicator of userID.
func (c *Client) Typing(ctx context.Context, userID string) (chat.TypingState, error) {
	var state chat.TypingState
	err := c.do(ctx, func() error {
		state = c.chat.Typing(userID)
		return nil
	})
	return state, err
}

// Presence returns the status of every known user.
func (c *Client) Presence(ctx context.Context) (map[string]database.Status, error) {
	var snapshot map[string]database.Status
	err := c.do(ctx, func() error {
		snapshot = c.presence.Snapshot()
		return nil
	})
	return snapshot, err
}

// StartCall places a call to to.
func (c *Client) StartCall(ctx context.Context, to string, kind media.Kind) (call.Session, error) {
	return c.callAction(ctx, func() (call.Session, error) { return c.calls.Start(to, kind) })
}

// AnswerCall accepts the ringing call.
func (c *Client) AnswerCall(ctx context.Context) (call.Session, error) {
	return c.callAction(ctx, c.calls.Answer)
}

// RejectCall declines the ringing call.
func (c *Client) RejectCall(ctx context.Context) (call.Session, error) {
	return c.callAction(ctx, c.calls.Reject)
}

// Hangup cancels, declines or ends the current call.
func (c *Client) Hangup(ctx context.Context) (call.Session, error) {
	return c.callAction(ctx, c.calls.Hangup)
}

// ResetCall clears an ended call.
func (c *Client) ResetCall(ctx context.Context) error {
	return c.do(ctx, c.calls.Reset)
}

// CallSession returns the current call, if any.
func (c *Client) CallSession(ctx context.Context) (call.Session, bool, error) {
	var (
		s  call.Session
		ok bool
	)
	err := c.do(ctx, func() error {
		s, ok = c.calls.Session()
		return nil
	})
	return s, ok, err
}

// CallLog returns the ended calls of this session, most recent first.
func (c *Client) CallLog() ([]*database.CallInfo, error) {
	return c.database.ListCallInfo()
}

func (c *Client) callAction(ctx context.Context, fn func() (call.Session, error)) (call.Session, error) {
	var s call.Session
	err := c.do(ctx, func() error {
		var err error
		s, err = fn()
		return err
	})
	return s, err
}

// handleDisconnected starts reconnecting after a network loss.
func (c *Client) handleDisconnected(msg message.Disconnected) {
	if msg.Err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.reconnect.Add(1)
	go func() {
		defer c.reconnect.Done()
		c.reconnectLoop(c.ctx)
	}()
}

// reconnectLoop retries with a doubling delay until connected, the attempts
// run out or ctx is done. Authentication failures stop it at once.
func (c *Client) reconnectLoop(ctx context.Context) {
	policy := c.config.Reconnect
	delay := policy.InitialDelay
	for attempt := 1; policy.MaxAttempts == 0 || attempt <= policy.MaxAttempts; attempt++ {
		timer := c.clock.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		_, err := c.transport.Reconnect(ctx)
		if err == nil || errors.Is(err, signal.ErrAlreadyConnected) {
			c.logger.Infof("reconnected after %d attempts", attempt)
			return
		}
		if errors.Is(err, signal.ErrAuth) || errors.Is(err, loop.ErrStopped) || ctx.Err() != nil {
			c.logger.Warnf("stop reconnecting: %v", err)
			return
		}
		c.logger.Debugf("reconnect attempt %d: %v", attempt, err)

		delay *= 2
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	c.logger.Warnf("gave up reconnecting after %d attempts", policy.MaxAttempts)
}

// Elapsed returns how long the current call has been connected.
func (c *Client) Elapsed(ctx context.Context) (time.Duration, error) {
	s, ok, err := c.CallSession(ctx)
	if err != nil || !ok {
		return 0, err
	}
	return s.Elapsed(c.clock.Now()), nil
}

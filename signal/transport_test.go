package signal_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telecore/broker"
	"telecore/loop"
	"telecore/pkg/logging"
	"telecore/pkg/socket"
	"telecore/signal"
	"telecore/types/client/request"
	"telecore/types/client/response"
	"telecore/types/message"
)

// pipeSocket is an in-memory socket: frames pushed with deliver are read by
// the transport, frames written by the transport are recorded.
type pipeSocket struct {
	in     chan request.Common
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []request.Common
}

func newPipeSocket() *pipeSocket {
	return &pipeSocket{
		in:     make(chan request.Common, 16),
		closed: make(chan struct{}),
	}
}

func (p *pipeSocket) deliver(t *testing.T, event string, payload any) {
	env, err := request.NewCommon(event, payload)
	require.NoError(t, err)
	p.in <- env
}

func (p *pipeSocket) ReadJSON(v any) error {
	select {
	case env := <-p.in:
		*(v.(*request.Common)) = env
		return nil
	case <-p.closed:
		return io.EOF
	}
}

func (p *pipeSocket) WriteJSON(data any) error {
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, data.(request.Common))
	return nil
}

func (p *pipeSocket) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeSocket) events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var names []string
	for _, env := range p.written {
		names = append(names, env.Event)
	}
	return names
}

type fixture struct {
	loop      *loop.Loop
	broker    *broker.Broker
	transport *signal.Transport
	dialer    *socket.MockDialer
}

func newFixture(t *testing.T) *fixture {
	logger := logging.NewTestLogger(t)
	l := loop.New(logger)
	l.Start()
	t.Cleanup(l.Stop)

	b := broker.New(logger)
	dialer := socket.NewMockDialer(gomock.NewController(t))
	tr := signal.New(signal.Config{
		URL:              "ws://relay.test/ws",
		HandshakeTimeout: time.Second,
		SendQueue:        signal.DefaultSendQueue,
	}, dialer, l, b, nil, logger)
	return &fixture{loop: l, broker: b, transport: tr, dialer: dialer}
}

func (f *fixture) connect(t *testing.T, sock *pipeSocket) signal.Connection {
	f.dialer.EXPECT().Dial(gomock.Any(), "ws://relay.test/ws", gomock.Any()).Return(sock, nil)
	sock.deliver(t, response.CONNECT, response.Connect{UserID: "alice"})
	conn, err := f.transport.Connect(context.Background(), signal.Credentials{Token: "token-a", UserType: "patient"})
	require.NoError(t, err)
	return conn
}

func (f *fixture) onLoop(t *testing.T, fn func()) {
	require.NoError(t, f.loop.Call(context.Background(), fn))
}

func TestConnect(t *testing.T) {
	t.Run("given no token when connecting then return auth error without dialing", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.transport.Connect(context.Background(), signal.Credentials{})
		assert.ErrorIs(t, err, signal.ErrAuth)
	})

	t.Run("given the relay refuses the upgrade when connecting then return auth error", func(t *testing.T) {
		f := newFixture(t)
		f.dialer.EXPECT().Dial(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, errors.Join(errors.New("status 401"), socket.ErrUnauthorized))

		_, err := f.transport.Connect(context.Background(), signal.Credentials{Token: "bad"})
		assert.ErrorIs(t, err, signal.ErrAuth)
	})

	t.Run("given a network failure when connecting then return transport error and record it", func(t *testing.T) {
		f := newFixture(t)
		f.dialer.EXPECT().Dial(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("connection refused"))

		_, err := f.transport.Connect(context.Background(), signal.Credentials{Token: "t"})
		assert.ErrorIs(t, err, signal.ErrTransport)

		f.onLoop(t, func() {
			assert.ErrorIs(t, f.transport.Connection().LastErr, signal.ErrTransport)
		})
	})

	t.Run("given a connect_error ack when connecting then return auth error and close the socket", func(t *testing.T) {
		f := newFixture(t)
		sock := socket.NewMockSocket(gomock.NewController(t))
		f.dialer.EXPECT().Dial(gomock.Any(), gomock.Any(), gomock.Any()).Return(sock, nil)
		sock.EXPECT().WriteJSON(gomock.Any()).DoAndReturn(func(data any) error {
			env := data.(request.Common)
			assert.Equal(t, request.CONNECT, env.Event)
			var hello request.Connect
			require.NoError(t, json.Unmarshal(env.Data, &hello))
			assert.Equal(t, "expired", hello.Token)
			return nil
		})
		sock.EXPECT().ReadJSON(gomock.Any()).DoAndReturn(func(v any) error {
			env, err := request.NewCommon(response.CONNECT_ERROR, response.ConnectError{Message: "token expired"})
			require.NoError(t, err)
			*(v.(*request.Common)) = env
			return nil
		})
		sock.EXPECT().Close().Return(nil)

		_, err := f.transport.Connect(context.Background(), signal.Credentials{Token: "expired"})
		assert.ErrorIs(t, err, signal.ErrAuth)
		assert.Contains(t, err.Error(), "token expired")
	})

	t.Run("given a valid ack when connecting then the connection carries the identity", func(t *testing.T) {
		f := newFixture(t)
		sock := newPipeSocket()
		conn := f.connect(t, sock)

		assert.True(t, conn.Connected)
		assert.Equal(t, "alice", conn.Identity)
		assert.Equal(t, "patient", conn.UserType)
		assert.Equal(t, []string{request.CONNECT}, sock.events())

		_, err := f.transport.Connect(context.Background(), signal.Credentials{Token: "token-a"})
		assert.ErrorIs(t, err, signal.ErrAlreadyConnected)
	})
}

func TestSendAndReceive(t *testing.T) {
	t.Run("given a live connection when sending then frames reach the socket in order", func(t *testing.T) {
		f := newFixture(t)
		sock := newPipeSocket()
		f.connect(t, sock)

		f.onLoop(t, func() {
			require.NoError(t, f.transport.Send(request.TYPING, request.Typing{To: "bob", IsTyping: true}))
			require.NoError(t, f.transport.Send(request.SEND_MESSAGE, request.SendMessage{To: "bob"}))
		})

		assert.Eventually(t, func() bool {
			return len(sock.events()) == 3
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{request.CONNECT, request.TYPING, request.SEND_MESSAGE}, sock.events())
	})

	t.Run("given inbound frames when read then subscribers see them in arrival order", func(t *testing.T) {
		f := newFixture(t)
		sock := newPipeSocket()

		var mu sync.Mutex
		var seen []string
		record := func(name string) func(any) {
			return func(any) {
				mu.Lock()
				defer mu.Unlock()
				seen = append(seen, name)
			}
		}
		f.transport.Subscribe(response.USER_ONLINE, record("online"))
		f.transport.Subscribe(response.USER_OFFLINE, record("offline"))
		f.connect(t, sock)

		sock.deliver(t, response.USER_ONLINE, response.User{UserID: "bob"})
		sock.deliver(t, response.USER_OFFLINE, response.User{UserID: "bob"})
		sock.deliver(t, response.USER_ONLINE, response.User{UserID: "carol"})

		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(seen) == 3
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"online", "offline", "online"}, seen)
	})

	t.Run("given no connection when sending then return not connected", func(t *testing.T) {
		f := newFixture(t)
		f.onLoop(t, func() {
			err := f.transport.Send(request.TYPING, request.Typing{To: "bob"})
			assert.ErrorIs(t, err, signal.ErrNotConnected)
		})
	})
}

func TestDisconnect(t *testing.T) {
	t.Run("given network loss when detected then disconnected is published exactly once", func(t *testing.T) {
		f := newFixture(t)
		sock := newPipeSocket()

		var mu sync.Mutex
		var drops []message.Disconnected
		f.broker.Subscribe(broker.Disconnected, func(m any) {
			mu.Lock()
			defer mu.Unlock()
			drops = append(drops, m.(message.Disconnected))
		})
		f.connect(t, sock)

		require.NoError(t, sock.Close())
		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(drops) == 1
		}, time.Second, 5*time.Millisecond)

		f.onLoop(t, func() {
			f.transport.Close()
			conn := f.transport.Connection()
			assert.False(t, conn.Connected)
			assert.ErrorIs(t, conn.LastErr, signal.ErrTransport)
			assert.ErrorIs(t, f.transport.Send(request.TYPING, nil), signal.ErrNotConnected)
		})

		mu.Lock()
		defer mu.Unlock()
		assert.Len(t, drops, 1)
		assert.Equal(t, "alice", drops[0].UserID)
		assert.Error(t, drops[0].Err)
	})

	t.Run("given a local close when closed then queued frames are flushed and err is nil", func(t *testing.T) {
		f := newFixture(t)
		sock := newPipeSocket()

		var got message.Disconnected
		f.broker.Subscribe(broker.Disconnected, func(m any) { got = m.(message.Disconnected) })
		f.connect(t, sock)

		f.onLoop(t, func() {
			require.NoError(t, f.transport.Send(request.ICE, request.Candidate{To: "bob"}))
			f.transport.Close()
			assert.NoError(t, got.Err)
			assert.Equal(t, "alice", got.UserID)
		})

		assert.Eventually(t, func() bool {
			select {
			case <-sock.closed:
				return true
			default:
				return false
			}
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{request.CONNECT, request.ICE}, sock.events())
	})

	t.Run("given a dropped connection when reconnecting then the stored credentials are reused", func(t *testing.T) {
		f := newFixture(t)
		first := newPipeSocket()
		f.connect(t, first)
		require.NoError(t, first.Close())
		assert.Eventually(t, func() bool {
			var up bool
			_ = f.loop.Call(context.Background(), func() { up = f.transport.Connection().Connected })
			return !up
		}, time.Second, 5*time.Millisecond)

		second := newPipeSocket()
		second.deliver(t, response.CONNECT, response.Connect{UserID: "alice"})
		f.dialer.EXPECT().Dial(gomock.Any(), gomock.Any(), gomock.Any()).Return(second, nil)

		conn, err := f.transport.Reconnect(context.Background())
		require.NoError(t, err)
		assert.True(t, conn.Connected)
		require.Len(t, second.written, 1)
		var hello request.Connect
		require.NoError(t, json.Unmarshal(second.written[0].Data, &hello))
		assert.Equal(t, "token-a", hello.Token)
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  signal.Config
		wantErr error
	}{
		{
			name:   "given valid config when validated then succeed",
			config: signal.Config{URL: signal.DefaultURL, HandshakeTimeout: time.Second, SendQueue: 1},
		},
		{
			name:    "given http scheme when validated then return error",
			config:  signal.Config{URL: "http://relay/ws", HandshakeTimeout: time.Second, SendQueue: 1},
			wantErr: signal.ErrInvalidURL,
		},
		{
			name:    "given no host when validated then return error",
			config:  signal.Config{URL: "ws:///ws", HandshakeTimeout: time.Second, SendQueue: 1},
			wantErr: signal.ErrInvalidURL,
		},
		{
			name:    "given zero timeout when validated then return error",
			config:  signal.Config{URL: signal.DefaultURL, SendQueue: 1},
			wantErr: signal.ErrInvalidTimeout,
		},
		{
			name:    "given empty queue when validated then return error",
			config:  signal.Config{URL: signal.DefaultURL, HandshakeTimeout: time.Second},
			wantErr: signal.ErrInvalidQueue,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

package chat_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telecore/broker"
	"telecore/chat"
	"telecore/database"
	"telecore/database/memory"
	"telecore/loop"
	"telecore/pkg/logging"
	"telecore/signal"
	"telecore/types/client/request"
	"telecore/types/client/response"
	"telecore/types/message"
)

type sent struct {
	event   string
	payload any
}

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	fail      error
	sent      []sent
}

func (f *fakeTransport) Send(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return signal.ErrNotConnected
	}
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, sent{event: event, payload: payload})
	return nil
}

func (f *fakeTransport) Connection() signal.Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return signal.Connection{Identity: "alice", Connected: f.connected}
}

func (f *fakeTransport) typing() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []bool
	for _, s := range f.sent {
		if s.event == request.TYPING {
			out = append(out, s.payload.(request.Typing).IsTyping)
		}
	}
	return out
}

type fixture struct {
	loop      *loop.Loop
	broker    *broker.Broker
	clock     *clock.Mock
	transport *fakeTransport
	channel   *chat.Channel
}

func newFixture(t *testing.T) *fixture {
	logger := logging.NewTestLogger(t)
	l := loop.New(logger)
	l.Start()
	t.Cleanup(l.Stop)

	b := broker.New(logger)
	clk := clock.NewMock()
	tr := &fakeTransport{connected: true}
	ch := chat.New(chat.Config{
		TypingIdle:   chat.DefaultTypingIdle,
		TypingExpiry: chat.DefaultTypingExpiry,
	}, tr, memory.New(), b, l, clk, nil, logger)
	return &fixture{loop: l, broker: b, clock: clk, transport: tr, channel: ch}
}

func (f *fixture) do(t *testing.T, fn func()) {
	require.NoError(t, f.loop.Call(context.Background(), fn))
}

func TestSend(t *testing.T) {
	t.Run("given a connected transport when sending then a pending entry is appended and emitted", func(t *testing.T) {
		f := newFixture(t)
		var info *database.MessageInfo
		f.do(t, func() {
			var err error
			info, err = f.channel.Send("bob", "hello")
			require.NoError(t, err)
		})

		assert.Equal(t, database.Pending, info.DeliveryState)
		assert.Equal(t, database.Self, info.SenderKind)
		require.Len(t, f.transport.sent, 1)
		assert.Equal(t, request.SEND_MESSAGE, f.transport.sent[0].event)
		payload := f.transport.sent[0].payload.(request.SendMessage)
		assert.Equal(t, "bob", payload.To)
		assert.Equal(t, "hello", payload.Message.Content)
		assert.Equal(t, "text", payload.Message.Type)
		assert.Equal(t, info.ClientID, payload.Message.ClientID)
	})

	t.Run("given a disconnected transport when sending then return not connected", func(t *testing.T) {
		f := newFixture(t)
		f.transport.connected = false
		f.do(t, func() {
			_, err := f.channel.Send("bob", "hello")
			assert.ErrorIs(t, err, signal.ErrNotConnected)
			msgs, err := f.channel.Messages("bob")
			require.NoError(t, err)
			assert.Empty(t, msgs)
		})
	})

	t.Run("given no counterpart or blank content when sending then return error", func(t *testing.T) {
		f := newFixture(t)
		f.do(t, func() {
			_, err := f.channel.Send("", "hello")
			assert.ErrorIs(t, err, chat.ErrNoCounterpart)
			_, err = f.channel.Send("bob", "   ")
			assert.ErrorIs(t, err, chat.ErrEmptyMessage)
		})
	})

	t.Run("given a failed write when sending then the entry stays pending", func(t *testing.T) {
		f := newFixture(t)
		f.transport.fail = signal.ErrTransport
		f.do(t, func() {
			info, err := f.channel.Send("bob", "hello")
			require.NoError(t, err)
			assert.True(t, info.IsPending())
		})
	})
}

func TestReceive(t *testing.T) {
	echo := func(t *testing.T, msg response.Message) json.RawMessage {
		data, err := json.Marshal(msg)
		require.NoError(t, err)
		return data
	}

	t.Run("given a self echo with correlation id when received then the entry is reconciled", func(t *testing.T) {
		f := newFixture(t)
		f.do(t, func() {
			info, err := f.channel.Send("bob", "hello")
			require.NoError(t, err)

			f.broker.Publish(response.NEW_MESSAGE, echo(t, response.Message{
				ID: "srv-1", SenderID: "alice", ReceiverID: "bob", Content: "hello", ClientID: info.ClientID,
			}))

			msgs, err := f.channel.Messages("bob")
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, "srv-1", msgs[0].ID)
			assert.Equal(t, database.Delivered, msgs[0].DeliveryState)
		})
	})

	t.Run("given a self echo without correlation id when received then it is appended", func(t *testing.T) {
		f := newFixture(t)
		f.do(t, func() {
			_, err := f.channel.Send("bob", "hello")
			require.NoError(t, err)

			f.broker.Publish(response.NEW_MESSAGE, echo(t, response.Message{
				ID: "srv-1", SenderID: "alice", ReceiverID: "bob", Content: "hello",
			}))

			msgs, err := f.channel.Messages("bob")
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			assert.True(t, msgs[0].IsPending())
			assert.False(t, msgs[1].IsPending())
		})
	})

	t.Run("given a counterpart message when received then it is appended and typing clears", func(t *testing.T) {
		f := newFixture(t)
		var changes []message.TypingChanged
		f.broker.Subscribe(broker.TypingChanged, func(m any) {
			changes = append(changes, m.(message.TypingChanged))
		})

		f.do(t, func() {
			f.broker.Publish(response.USER_TYPING, json.RawMessage(`{"userId":"bob","isTyping":true}`))
			assert.True(t, f.channel.Typing("bob").IsTyping)

			f.broker.Publish(response.NEW_MESSAGE, echo(t, response.Message{
				ID: "m1", SenderID: "bob", ReceiverID: "alice", Content: "hi",
			}))

			msgs, err := f.channel.Messages("bob")
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, database.Counterpart, msgs[0].SenderKind)
			assert.False(t, f.channel.Typing("bob").IsTyping)
			assert.Equal(t, []message.TypingChanged{
				{UserID: "bob", IsTyping: true},
				{UserID: "bob", IsTyping: false},
			}, changes)
		})
	})
}

func TestTyping(t *testing.T) {
	t.Run("given two true calls within the window when notified then exactly one true is emitted", func(t *testing.T) {
		f := newFixture(t)
		f.do(t, func() {
			require.NoError(t, f.channel.NotifyTyping("bob", true))
		})
		f.clock.Add(500 * time.Millisecond)
		f.do(t, func() {
			require.NoError(t, f.channel.NotifyTyping("bob", true))
		})
		assert.Equal(t, []bool{true}, f.transport.typing())
	})

	t.Run("given the idle window elapses when notified false afterwards then exactly one false is emitted", func(t *testing.T) {
		f := newFixture(t)
		f.do(t, func() {
			require.NoError(t, f.channel.NotifyTyping("bob", true))
		})

		f.clock.Add(chat.DefaultTypingIdle)
		assert.Eventually(t, func() bool {
			return len(f.transport.typing()) == 2
		}, time.Second, 5*time.Millisecond)

		f.do(t, func() {
			require.NoError(t, f.channel.NotifyTyping("bob", false))
		})
		assert.Equal(t, []bool{true, false}, f.transport.typing())
	})

	t.Run("given repeated keystrokes when the idle timer is re-armed then no early false is sent", func(t *testing.T) {
		f := newFixture(t)
		f.do(t, func() {
			require.NoError(t, f.channel.NotifyTyping("bob", true))
		})
		f.clock.Add(800 * time.Millisecond)
		f.do(t, func() {
			require.NoError(t, f.channel.NotifyTyping("bob", true))
		})
		f.clock.Add(800 * time.Millisecond)
		f.do(t, func() {})
		assert.Equal(t, []bool{true}, f.transport.typing())
	})

	t.Run("given an explicit false while typing when notified then false is emitted once", func(t *testing.T) {
		f := newFixture(t)
		f.do(t, func() {
			require.NoError(t, f.channel.NotifyTyping("bob", true))
			require.NoError(t, f.channel.NotifyTyping("bob", false))
			require.NoError(t, f.channel.NotifyTyping("bob", false))
		})
		f.clock.Add(2 * chat.DefaultTypingIdle)
		f.do(t, func() {})
		assert.Equal(t, []bool{true, false}, f.transport.typing())
	})

	t.Run("given an inbound typing signal when no refresh arrives then it clears after the expiry", func(t *testing.T) {
		f := newFixture(t)
		f.do(t, func() {
			f.broker.Publish(response.USER_TYPING, json.RawMessage(`{"userId":"bob","isTyping":true}`))
		})

		f.clock.Add(chat.DefaultTypingExpiry)
		assert.Eventually(t, func() bool {
			typing := true
			_ = f.loop.Call(context.Background(), func() { typing = f.channel.Typing("bob").IsTyping })
			return !typing
		}, time.Second, 5*time.Millisecond)
	})
}

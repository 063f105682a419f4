// Package chat sends and receives text messages and typing indicators.
package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"telecore/broker"
	"telecore/database"
	"telecore/loop"
	"telecore/metric"
	"telecore/signal"
	"telecore/types/client/request"
	"telecore/types/client/response"
	"telecore/types/message"
)

const (
	// DefaultTypingIdle is how long after the last keystroke a typing:false
	// is sent.
	DefaultTypingIdle = time.Second

	// DefaultTypingExpiry is how long a counterpart's typing indicator is
	// shown without a refresh.
	DefaultTypingExpiry = 3 * time.Second

	textMessage = "text"
)

var (
	// ErrNoCounterpart is returned when no recipient is given.
	ErrNoCounterpart = errors.New("no counterpart")

	// ErrEmptyMessage is returned for blank content.
	ErrEmptyMessage = errors.New("empty message")

	// ErrInvalidTyping is returned for non-positive typing windows.
	ErrInvalidTyping = errors.New("invalid typing window")
)

// Config holds the typing windows.
type Config struct {
	TypingIdle   time.Duration `mapstructure:"typing-idle"`
	TypingExpiry time.Duration `mapstructure:"typing-expiry"`
}

// Validate validates the typing windows.
func (c Config) Validate() error {
	if c.TypingIdle <= 0 || c.TypingExpiry <= 0 {
		return fmt.Errorf("idle %s, expiry %s: %w", c.TypingIdle, c.TypingExpiry, ErrInvalidTyping)
	}
	return nil
}

// Transport is the part of the signaling transport the channel needs.
type Transport interface {
	Send(event string, payload any) error
	Connection() signal.Connection
}

// TypingState is a counterpart's typing indicator.
type TypingState struct {
	IsTyping     bool
	LastSignalAt time.Time
}

type outbound struct {
	typing bool
	seq    uint64
	timer  *clock.Timer
}

type inbound struct {
	state TypingState
	seq   uint64
	timer *clock.Timer
}

// Channel is the messaging channel. Its methods run on the event loop.
type Channel struct {
	config    Config
	transport Transport
	database  database.Database
	broker    *broker.Broker
	loop      loop.Poster
	clock     clock.Clock
	metrics   *metric.Metrics
	logger    *logrus.Entry

	outbound map[string]*outbound
	inbound  map[string]*inbound
}

// New creates a Channel and subscribes it to b.
func New(
	config Config,
	transport Transport,
	db database.Database,
	b *broker.Broker,
	poster loop.Poster,
	clk clock.Clock,
	metrics *metric.Metrics,
	logger *logrus.Entry,
) *Channel {
	c := &Channel{
		config:    config,
		transport: transport,
		database:  db,
		broker:    b,
		loop:      poster,
		clock:     clk,
		metrics:   metrics,
		logger:    logger.WithField("component", "chat"),
		outbound:  make(map[string]*outbound),
		inbound:   make(map[string]*inbound),
	}

	b.Subscribe(response.NEW_MESSAGE, broker.Handle(c.logger, c.handleMessage))
	b.Subscribe(response.USER_TYPING, broker.Handle(c.logger, c.handleTyping))
	b.Subscribe(broker.Disconnected, broker.Handle(c.logger, c.handleDisconnected))
	return c
}

// Send appends an optimistic pending message to the conversation with to and
// emits it. The entry stays pending if the relay never echoes it.
func (c *Channel) Send(to, content string) (*database.MessageInfo, error) {
	conn := c.transport.Connection()
	if !conn.Connected {
		return nil, fmt.Errorf("send message: %w", signal.ErrNotConnected)
	}
	if to == "" {
		return nil, ErrNoCounterpart
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}

	clientID := uuid.NewString()
	info, err := c.database.CreateMessageInfo(&database.MessageInfo{
		ID:            clientID,
		ClientID:      clientID,
		Counterpart:   to,
		SenderID:      conn.Identity,
		SenderKind:    database.Self,
		Content:       content,
		Type:          textMessage,
		SentAt:        c.clock.Now(),
		DeliveryState: database.Pending,
	})
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	c.publishMessage(info)

	if err := c.transport.Send(request.SEND_MESSAGE, request.SendMessage{
		To: to,
		Message: request.Message{
			Content:   content,
			Type:      textMessage,
			Timestamp: info.SentAt,
			ClientID:  clientID,
		},
	}); err != nil {
		c.logger.Warnf("message %s to %s left pending: %v", clientID, to, err)
		return info, nil
	}
	c.metrics.IncrementMessages("outbound")
	return info, nil
}

func (c *Channel) handleMessage(msg response.Message) {
	self := c.transport.Connection().Identity
	if msg.SenderID == "" || msg.ID == "" {
		c.logger.Warn("drop message without sender or id")
		return
	}

	if msg.SenderID == self {
		c.handleEcho(msg)
		return
	}

	info, err := c.database.CreateMessageInfo(&database.MessageInfo{
		ID:            msg.ID,
		Counterpart:   msg.SenderID,
		SenderID:      msg.SenderID,
		SenderKind:    database.Counterpart,
		Content:       msg.Content,
		Type:          msg.Type,
		SentAt:        c.sentAt(msg),
		DeliveryState: database.Delivered,
	})
	if err != nil {
		c.logger.Warnf("drop message %s: %v", msg.ID, err)
		return
	}
	c.metrics.IncrementMessages("inbound")
	c.publishMessage(info)
	c.clearInbound(msg.SenderID)
}

// handleEcho reconciles the relay's copy of a message we sent. Without a
// correlation id the echo cannot be matched and is appended as is.
func (c *Channel) handleEcho(msg response.Message) {
	if msg.ClientID != "" {
		info, err := c.database.ReconcileMessageInfo(msg.ClientID, msg.ID, msg.Timestamp)
		if err == nil {
			c.publishMessage(info)
			return
		}
		if !errors.Is(err, database.ErrMessageNotFound) {
			c.logger.Warnf("reconcile message %s: %v", msg.ClientID, err)
			return
		}
	}

	info, err := c.database.CreateMessageInfo(&database.MessageInfo{
		ID:            msg.ID,
		Counterpart:   msg.ReceiverID,
		SenderID:      msg.SenderID,
		SenderKind:    database.Self,
		Content:       msg.Content,
		Type:          msg.Type,
		SentAt:        c.sentAt(msg),
		DeliveryState: database.Delivered,
	})
	if err != nil {
		c.logger.Warnf("drop echo %s: %v", msg.ID, err)
		return
	}
	c.publishMessage(info)
}

func (c *Channel) sentAt(msg response.Message) time.Time {
	if msg.Timestamp.IsZero() {
		return c.clock.Now()
	}
	return msg.Timestamp
}

func (c *Channel) publishMessage(info *database.MessageInfo) {
	c.broker.Publish(broker.MessageChanged, message.MessageChanged{
		Counterpart: info.Counterpart,
		ID:          info.ID,
		ClientID:    info.ClientID,
		Delivered:   !info.IsPending(),
	})
}

// Messages returns the conversation with counterpart in order.
func (c *Channel) Messages(counterpart string) ([]*database.MessageInfo, error) {
	return c.database.FindMessageInfoByCounterpart(counterpart)
}

// NotifyTyping reports local typing towards to. A true call only emits on a
// false to true transition and re-arms the idle timer, which emits false when
// it fires. A false call emits once if currently typing.
func (c *Channel) NotifyTyping(to string, isTyping bool) error {
	if to == "" {
		return ErrNoCounterpart
	}
	st, ok := c.outbound[to]
	if !ok {
		st = &outbound{}
		c.outbound[to] = st
	}

	if !isTyping {
		c.stopOutbound(st)
		if !st.typing {
			return nil
		}
		st.typing = false
		return c.transport.Send(request.TYPING, request.Typing{To: to, IsTyping: false})
	}

	if !st.typing {
		if err := c.transport.Send(request.TYPING, request.Typing{To: to, IsTyping: true}); err != nil {
			return err
		}
		st.typing = true
	}

	c.stopOutbound(st)
	st.seq++
	seq := st.seq
	st.timer = c.clock.AfterFunc(c.config.TypingIdle, func() {
		c.loop.Post(func() { c.typingIdle(to, seq) })
	})
	return nil
}

func (c *Channel) typingIdle(to string, seq uint64) {
	st, ok := c.outbound[to]
	if !ok || st.seq != seq || !st.typing {
		return
	}
	st.timer = nil
	st.typing = false
	if err := c.transport.Send(request.TYPING, request.Typing{To: to, IsTyping: false}); err != nil {
		c.logger.Debugf("typing stop to %s: %v", to, err)
	}
}

func (c *Channel) stopOutbound(st *outbound) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.seq++
}

func (c *Channel) handleTyping(t response.Typing) {
	if t.UserID == "" {
		return
	}
	if !t.IsTyping {
		c.clearInbound(t.UserID)
		return
	}

	st, ok := c.inbound[t.UserID]
	if !ok {
		st = &inbound{}
		c.inbound[t.UserID] = st
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	wasTyping := st.state.IsTyping
	st.state = TypingState{IsTyping: true, LastSignalAt: c.clock.Now()}
	st.seq++
	seq := st.seq
	userID := t.UserID
	st.timer = c.clock.AfterFunc(c.config.TypingExpiry, func() {
		c.loop.Post(func() { c.typingExpired(userID, seq) })
	})
	if !wasTyping {
		c.broker.Publish(broker.TypingChanged, message.TypingChanged{UserID: userID, IsTyping: true})
	}
}

func (c *Channel) typingExpired(userID string, seq uint64) {
	st, ok := c.inbound[userID]
	if !ok || st.seq != seq {
		return
	}
	c.clearInbound(userID)
}

func (c *Channel) clearInbound(userID string) {
	st, ok := c.inbound[userID]
	if !ok {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	delete(c.inbound, userID)
	if st.state.IsTyping {
		c.broker.Publish(broker.TypingChanged, message.TypingChanged{UserID: userID, IsTyping: false})
	}
}

// Typing returns the typing indicator of userID.
func (c *Channel) Typing(userID string) TypingState {
	if st, ok := c.inbound[userID]; ok {
		return st.state
	}
	return TypingState{}
}

func (c *Channel) handleDisconnected(message.Disconnected) {
	for to, st := range c.outbound {
		c.stopOutbound(st)
		delete(c.outbound, to)
	}
	for userID := range c.inbound {
		c.clearInbound(userID)
	}
}

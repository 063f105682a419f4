package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"telecore/metric"
	"telecore/pkg/socket"
	"telecore/types/client/request"
	"telecore/types/client/response"
)

// ErrUnauthenticated is returned when the first frame does not authenticate.
var ErrUnauthenticated = errors.New("unauthenticated")

// Controller runs the relay protocol on accepted sockets.
type Controller struct {
	hub     *hub
	auth    Authenticator
	metrics *metric.Metrics
	logger  *logrus.Entry
	now     func() time.Time
}

// NewController creates a Controller.
func NewController(auth Authenticator, metrics *metric.Metrics, logger *logrus.Entry) *Controller {
	return &Controller{
		hub:     newHub(),
		auth:    auth,
		metrics: metrics,
		logger:  logger.WithField("component", "relay"),
		now:     time.Now,
	}
}

// Online returns the connected user ids.
func (c *Controller) Online() []string {
	return c.hub.online("")
}

// Process serves sock until it closes. identity is the user the upgrade
// request authenticated as, if any; the connect frame must match it.
func (c *Controller) Process(sock socket.Socket, identity string) error {
	c.metrics.IncrementWebSocketConnections()
	defer c.metrics.DecrementWebSocketConnections()

	// 01. Authenticate the connection
	userID, err := c.authenticate(sock, identity)
	if err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}

	// 02. Register the user and acknowledge before anything routed to it
	p := &peer{userID: userID, socket: sock}
	p.mu.Lock()
	old, online := c.hub.join(p)
	err = c.writeLocked(p, response.CONNECT, response.Connect{UserID: userID})
	if err == nil {
		err = c.writeLocked(p, response.ONLINE_USERS, response.OnlineUsers(online))
	}
	p.mu.Unlock()
	if old != nil {
		c.logger.Infof("%s reconnected, closing the previous socket", userID)
		_ = old.socket.Close()
	}
	if err != nil {
		if c.hub.leave(p) && old != nil {
			c.broadcast(userID, response.USER_OFFLINE, response.User{UserID: userID})
		}
		return err
	}

	// 03. Announce the user
	if old == nil {
		c.broadcast(userID, response.USER_ONLINE, response.User{UserID: userID})
	}
	defer func() {
		if c.hub.leave(p) {
			c.broadcast(userID, response.USER_OFFLINE, response.User{UserID: userID})
		}
	}()
	c.logger.Infof("%s connected", userID)

	return c.receive(p)
}

func (c *Controller) authenticate(sock socket.Socket, identity string) (string, error) {
	var req request.Common
	if err := sock.ReadJSON(&req); err != nil {
		return "", fmt.Errorf("failed to read connect message: %w", err)
	}

	reject := func(msg string) (string, error) {
		env, err := request.NewCommon(response.CONNECT_ERROR, response.ConnectError{Message: msg})
		if err == nil {
			_ = sock.WriteJSON(env)
		}
		return "", fmt.Errorf("%s: %w", msg, ErrUnauthenticated)
	}

	if req.Event != request.CONNECT {
		return reject(fmt.Sprintf("expected %q, got %q", request.CONNECT, req.Event))
	}
	var payload request.Connect
	if err := json.Unmarshal(req.Data, &payload); err != nil {
		return reject("malformed connect payload")
	}
	userID, err := c.auth.Authenticate(payload.Token)
	if err != nil {
		return reject("invalid token")
	}
	if identity != "" && identity != userID {
		return reject("token does not match the upgrade request")
	}
	return userID, nil
}

// receive routes frames from p until the socket fails.
func (c *Controller) receive(p *peer) error {
	for {
		var req request.Common
		if err := p.socket.ReadJSON(&req); err != nil {
			c.logger.Infof("%s disconnected: %v", p.userID, err)
			return nil
		}
		if err := c.handleRequest(p, req); err != nil {
			c.logger.Warnf("%s: %v", p.userID, err)
		}
	}
}

// handleRequest parses the event and calls the corresponding handler.
func (c *Controller) handleRequest(p *peer, req request.Common) error {
	c.metrics.IncrementRelayedEvents(req.Event)
	switch req.Event {
	case request.SEND_MESSAGE:
		return c.handleSendMessage(p, req)
	case request.TYPING:
		return c.handleTyping(p, req)
	case request.ICE:
		return c.forward(p, req)
	}
	if _, _, ok := request.ParseCallEvent(req.Event); ok {
		return c.forward(p, req)
	}
	return fmt.Errorf("invalid event: %q", req.Event)
}

func (c *Controller) handleSendMessage(p *peer, req request.Common) error {
	var payload request.SendMessage
	if err := json.Unmarshal(req.Data, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal send-message payload: %w", err)
	}
	if payload.To == "" {
		return errors.New("send-message without recipient")
	}

	ts := payload.Message.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}
	msg := response.Message{
		ID:         uuid.NewString(),
		SenderID:   p.userID,
		ReceiverID: payload.To,
		Content:    payload.Message.Content,
		Type:       payload.Message.Type,
		Timestamp:  ts,
		ClientID:   payload.Message.ClientID,
	}
	if to, ok := c.hub.find(payload.To); ok {
		if err := c.write(to, response.NEW_MESSAGE, msg); err != nil {
			c.logger.Warnf("deliver %s to %s: %v", msg.ID, payload.To, err)
		}
	}
	return c.write(p, response.NEW_MESSAGE, msg)
}

func (c *Controller) handleTyping(p *peer, req request.Common) error {
	var payload request.Typing
	if err := json.Unmarshal(req.Data, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal typing payload: %w", err)
	}
	to, ok := c.hub.find(payload.To)
	if !ok {
		return nil
	}
	return c.write(to, response.USER_TYPING, response.Typing{UserID: p.userID, IsTyping: payload.IsTyping})
}

// forward delivers a call or candidate event to its recipient, with "to"
// replaced by "from". Events for offline users are dropped.
func (c *Controller) forward(p *peer, req request.Common) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(req.Data, &fields); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", req.Event, err)
	}
	var to string
	if err := json.Unmarshal(fields["to"], &to); err != nil || to == "" {
		return fmt.Errorf("%s without recipient", req.Event)
	}
	delete(fields, "to")
	from, err := json.Marshal(p.userID)
	if err != nil {
		return err
	}
	fields["from"] = from

	recipient, ok := c.hub.find(to)
	if !ok {
		c.logger.Debugf("drop %s for offline %s", req.Event, to)
		return nil
	}
	return c.write(recipient, req.Event, fields)
}

func (c *Controller) broadcast(except, event string, payload any) {
	for _, p := range c.hub.others(except) {
		if err := c.write(p, event, payload); err != nil {
			c.logger.Debugf("broadcast %s to %s: %v", event, p.userID, err)
		}
	}
}

func (c *Controller) write(p *peer, event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return c.writeLocked(p, event, payload)
}

func (c *Controller) writeLocked(p *peer, event string, payload any) error {
	env, err := request.NewCommon(event, payload)
	if err != nil {
		return err
	}
	if err := p.socket.WriteJSON(env); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", event, p.userID, err)
	}
	return nil
}

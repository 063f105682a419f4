// Package response contains the events the relay sends to a client.
package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"telecore/types/client/request"
)

// Constants for inbound event names.
const (
	CONNECT       = "connect"
	CONNECT_ERROR = "connect_error"
	ONLINE_USERS  = "online-users-list"
	USER_ONLINE   = "user-online"
	USER_OFFLINE  = "user-offline"
	NEW_MESSAGE   = "new-message"
	USER_TYPING   = "user-typing"
	ICE           = "ice-candidate"
)

// Connect acknowledges a successful handshake.
type Connect struct {
	UserID string `json:"userId"`
}

// ConnectError rejects a handshake.
type ConnectError struct {
	Message string `json:"message"`
}

// User is the payload of user-online and user-offline.
type User struct {
	UserID string `json:"userId"`
}

// OnlineUsers is the full presence snapshot. The relay has been seen to send
// either a list of ids or a list of user objects; both are accepted.
type OnlineUsers []string

// UnmarshalJSON implements json.Unmarshaler.
func (o *OnlineUsers) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err == nil {
		*o = ids
		return nil
	}

	var users []User
	if err := json.Unmarshal(data, &users); err != nil {
		return fmt.Errorf("online users: %w", errors.Join(ErrMalformed, err))
	}
	out := make([]string, 0, len(users))
	for _, u := range users {
		if u.UserID != "" {
			out = append(out, u.UserID)
		}
	}
	*o = out
	return nil
}

// ErrMalformed is returned for payloads that match none of the known shapes.
var ErrMalformed = errors.New("malformed payload")

// Message is a chat message as routed by the relay.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Content    string    `json:"content"`
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	ClientID   string    `json:"clientId,omitempty"`
}

// Typing reports a counterpart's typing indicator.
type Typing struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// Call is an inbound call-request.
type Call struct {
	From       string                    `json:"from"`
	Offer      webrtc.SessionDescription `json:"offer"`
	CallerInfo request.CallerInfo        `json:"callerInfo"`
	CallID     string                    `json:"callId,omitempty"`
}

// Answer is an inbound call-answer.
type Answer struct {
	From   string                    `json:"from"`
	Answer webrtc.SessionDescription `json:"answer"`
	CallID string                    `json:"callId,omitempty"`
}

// Reject is an inbound call-reject.
type Reject struct {
	From   string `json:"from"`
	Reason string `json:"reason"`
	CallID string `json:"callId,omitempty"`
}

// End is an inbound call-end.
type End struct {
	From   string `json:"from"`
	CallID string `json:"callId,omitempty"`
}

// Candidate is an inbound trickled candidate.
type Candidate struct {
	From      string                  `json:"from"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	CallID    string                  `json:"callId,omitempty"`
}

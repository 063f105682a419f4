package database

import "time"

// SenderKind tells who authored a message.
type SenderKind string

// DeliveryState tracks whether the relay has confirmed a message.
type DeliveryState string

const (
	// Self is a message sent by the local user.
	Self SenderKind = "self"

	// Counterpart is a message sent by the other user.
	Counterpart SenderKind = "counterpart"
)

const (
	// Pending is an optimistic local message the relay has not echoed yet.
	Pending DeliveryState = "pending"

	// Delivered is a message confirmed by the relay.
	Delivered DeliveryState = "delivered"
)

// MessageInfo is a struct for chat message information.
type MessageInfo struct {
	ID            string
	ClientID      string
	Counterpart   string
	SenderID      string
	SenderKind    SenderKind
	Content       string
	Type          string
	SentAt        time.Time
	DeliveryState DeliveryState
	Seq           uint64
}

// IsPending returns whether the message is still waiting for its echo.
func (m *MessageInfo) IsPending() bool {
	return m.DeliveryState == Pending
}

// DeepCopy creates a deep copy of the given MessageInfo.
func (m *MessageInfo) DeepCopy() *MessageInfo {
	return &MessageInfo{
		ID:            m.ID,
		ClientID:      m.ClientID,
		Counterpart:   m.Counterpart,
		SenderID:      m.SenderID,
		SenderKind:    m.SenderKind,
		Content:       m.Content,
		Type:          m.Type,
		SentAt:        m.SentAt,
		DeliveryState: m.DeliveryState,
		Seq:           m.Seq,
	}
}

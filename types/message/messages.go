// Package message provides data types for broker messages produced locally.
package message

import "time"

// Connected is published after the relay handshake succeeds.
type Connected struct {
	UserID string
}

// Disconnected is published when the relay connection drops. Err is nil when
// the connection was closed locally.
type Disconnected struct {
	UserID string
	Err    error
}

// PresenceChanged reports a single user's new status.
type PresenceChanged struct {
	UserID string
	Online bool
}

// MessageChanged reports an appended or reconciled chat message.
type MessageChanged struct {
	Counterpart string
	ID          string
	ClientID    string
	Delivered   bool
}

// TypingChanged reports a counterpart's typing indicator.
type TypingChanged struct {
	UserID   string
	IsTyping bool
}

// CallChanged is a snapshot of the call session after a transition.
type CallChanged struct {
	CallID        string
	CounterpartID string
	Kind          string
	Direction     string
	State         string
	EndReason     string
}

// CallDuration is published periodically while a call is connected.
type CallDuration struct {
	CallID  string
	Elapsed time.Duration
}

// RemoteTrack reports a remote media track starting or ending.
type RemoteTrack struct {
	CallID  string
	TrackID string
	Kind    string
	Ended   bool
}

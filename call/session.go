package call

import (
	"time"

	"telecore/media"
	"telecore/types/client/request"
)

// State is the state of a call session.
type State string

// State values. Idle is reported only once a session has been reset.
const (
	Idle      State = "idle"
	Calling   State = "calling"
	Ringing   State = "ringing"
	Connected State = "connected"
	Ended     State = "ended"
)

// Direction tells who placed the call.
type Direction string

// Direction values.
const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// EndReason tells why a session ended.
type EndReason string

// EndReason values.
const (
	Hangup            EndReason = "hangup"
	RemoteHangup      EndReason = "remote-hangup"
	Canceled          EndReason = "canceled"
	Rejected          EndReason = "rejected"
	Busy              EndReason = "busy"
	Timeout           EndReason = "timeout"
	NoAnswer          EndReason = "no-answer"
	ConnectionLost    EndReason = "connection-lost"
	MediaDenied       EndReason = "media-denied"
	NegotiationFailed EndReason = "negotiation-failed"
	PeerFailed        EndReason = "peer-failed"
	PeerDisconnected  EndReason = "peer-disconnected"
)

// rejectReason maps the reason of an inbound call-reject to an end reason.
func rejectReason(reason string) EndReason {
	switch EndReason(reason) {
	case Busy, Timeout:
		return EndReason(reason)
	}
	return Rejected
}

// Session is a two-party call. The Machine hands out copies.
type Session struct {
	ID            string
	CounterpartID string
	CallerInfo    request.CallerInfo
	Kind          media.Kind
	Direction     Direction
	State         State
	StartedAt     time.Time
	ConnectedAt   time.Time
	EndedAt       time.Time
	EndReason     EndReason
	Generation    uint64
}

// Live reports whether the session has not ended.
func (s *Session) Live() bool {
	return s.State != Ended
}

// Elapsed returns how long the session has been connected at now.
func (s *Session) Elapsed(now time.Time) time.Duration {
	if s.ConnectedAt.IsZero() {
		return 0
	}
	if !s.EndedAt.IsZero() {
		now = s.EndedAt
	}
	return now.Sub(s.ConnectedAt)
}

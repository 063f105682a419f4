package database

import "time"

// Status is the presence of a user.
type Status string

const (
	// Online means the relay reports the user as connected.
	Online Status = "online"

	// Offline means the user is disconnected or their state is unknown.
	Offline Status = "offline"
)

// PresenceInfo is a struct for presence information.
type PresenceInfo struct {
	UserID    string
	Status    Status
	UpdatedAt time.Time
}

// IsOnline returns whether the user is online.
func (p *PresenceInfo) IsOnline() bool {
	return p.Status == Online
}

// DeepCopy creates a deep copy of the given PresenceInfo.
func (p *PresenceInfo) DeepCopy() *PresenceInfo {
	return &PresenceInfo{
		UserID:    p.UserID,
		Status:    p.Status,
		UpdatedAt: p.UpdatedAt,
	}
}

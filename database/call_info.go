package database

import "time"

// CallInfo is an entry of the call log.
type CallInfo struct {
	ID            string
	CounterpartID string
	Kind          string
	Direction     string
	StartedAt     time.Time
	ConnectedAt   time.Time
	EndedAt       time.Time
	EndReason     string
}

// Duration returns how long the call was connected.
func (c *CallInfo) Duration() time.Duration {
	if c.ConnectedAt.IsZero() || c.EndedAt.IsZero() {
		return 0
	}
	return c.EndedAt.Sub(c.ConnectedAt)
}

// DeepCopy creates a deep copy of the given CallInfo.
func (c *CallInfo) DeepCopy() *CallInfo {
	return &CallInfo{
		ID:            c.ID,
		CounterpartID: c.CounterpartID,
		Kind:          c.Kind,
		Direction:     c.Direction,
		StartedAt:     c.StartedAt,
		ConnectedAt:   c.ConnectedAt,
		EndedAt:       c.EndedAt,
		EndReason:     c.EndReason,
	}
}

// Package database provides an interface for the session store. Everything it
// holds lives only as long as the process: presence, chat history and the
// call log of the current session.
package database

import (
	"errors"
	"time"
)

var (
	// ErrMessageAlreadyExists is returned when the message id is taken.
	ErrMessageAlreadyExists = errors.New("message already exists")

	// ErrMessageNotFound is returned when the message is not found.
	ErrMessageNotFound = errors.New("message not found")

	// ErrPresenceNotFound is returned when the user has no presence record.
	ErrPresenceNotFound = errors.New("presence not found")

	// ErrCallAlreadyExists is returned when the call is already logged.
	ErrCallAlreadyExists = errors.New("call already exists")
)

// Database is an interface for database operations.
type Database interface {
	ReplacePresence(userIDs []string, at time.Time) ([]*PresenceInfo, error)
	UpsertPresence(userID string, status Status, at time.Time) (*PresenceInfo, bool, error)
	MarkAllOffline(at time.Time) ([]*PresenceInfo, error)
	FindPresenceByID(userID string) (*PresenceInfo, error)
	ListPresence() ([]*PresenceInfo, error)

	CreateMessageInfo(info *MessageInfo) (*MessageInfo, error)
	FindMessageInfoByID(id string) (*MessageInfo, error)
	FindMessageInfoByClientID(clientID string) (*MessageInfo, error)
	ReconcileMessageInfo(clientID, canonicalID string, sentAt time.Time) (*MessageInfo, error)
	FindMessageInfoByCounterpart(counterpart string) ([]*MessageInfo, error)

	CreateCallInfo(info *CallInfo) error
	ListCallInfo() ([]*CallInfo, error)
}

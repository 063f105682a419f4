// Package memory provides an in-memory database implementation.
package memory

import (
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"

	"telecore/database"
)

// DB is a memory-backed database.
type DB struct {
	db  *memdb.MemDB
	seq uint64 // guarded by the memdb writer lock
}

// New creates a new memory-backed database.
func New() *DB {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		panic(err)
	}
	return &DB{
		db: db,
	}
}

// ReplacePresence replaces every presence record with the given online
// users. It returns the records whose status changed; users that are no
// longer listed are removed and reported as offline.
func (d *DB) ReplacePresence(userIDs []string, at time.Time) ([]*database.PresenceInfo, error) {
	txn := d.db.Txn(true)
	defer txn.Abort()

	online := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		online[id] = true
	}

	iter, err := txn.Get(tblPresence, idxPresenceID)
	if err != nil {
		return nil, fmt.Errorf("fetch presence: %w", err)
	}
	var stale []*database.PresenceInfo
	known := make(map[string]*database.PresenceInfo)
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		info := raw.(*database.PresenceInfo)
		if online[info.UserID] {
			known[info.UserID] = info
			continue
		}
		stale = append(stale, info)
	}

	var changed []*database.PresenceInfo
	for _, info := range stale {
		if err := txn.Delete(tblPresence, info); err != nil {
			return nil, fmt.Errorf("delete presence: %w", err)
		}
		if info.IsOnline() {
			gone := info.DeepCopy()
			gone.Status = database.Offline
			gone.UpdatedAt = at
			changed = append(changed, gone)
		}
	}

	for _, id := range userIDs {
		existing, ok := known[id]
		info := &database.PresenceInfo{UserID: id, Status: database.Online, UpdatedAt: at}
		if err := txn.Insert(tblPresence, info); err != nil {
			return nil, fmt.Errorf("insert presence: %w", err)
		}
		known[id] = info
		if !ok || !existing.IsOnline() {
			changed = append(changed, info.DeepCopy())
		}
	}

	txn.Commit()
	return changed, nil
}

// UpsertPresence sets the status of a single user, inserting the record when
// the user is unknown. It reports whether the status changed.
func (d *DB) UpsertPresence(userID string, status database.Status, at time.Time) (*database.PresenceInfo, bool, error) {
	txn := d.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tblPresence, idxPresenceID, userID)
	if err != nil {
		return nil, false, fmt.Errorf("find presence by id: %w", err)
	}

	changed := true
	if raw != nil {
		changed = raw.(*database.PresenceInfo).Status != status
	}
	info := &database.PresenceInfo{UserID: userID, Status: status, UpdatedAt: at}
	if err := txn.Insert(tblPresence, info); err != nil {
		return nil, false, fmt.Errorf("insert presence: %w", err)
	}
	txn.Commit()
	return info.DeepCopy(), changed, nil
}

// MarkAllOffline sets every online user offline and returns those records.
func (d *DB) MarkAllOffline(at time.Time) ([]*database.PresenceInfo, error) {
	txn := d.db.Txn(true)
	defer txn.Abort()
	iter, err := txn.Get(tblPresence, idxPresenceID)
	if err != nil {
		return nil, fmt.Errorf("fetch presence: %w", err)
	}

	var online []*database.PresenceInfo
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		if info := raw.(*database.PresenceInfo); info.IsOnline() {
			online = append(online, info)
		}
	}

	changed := make([]*database.PresenceInfo, 0, len(online))
	for _, info := range online {
		updated := info.DeepCopy()
		updated.Status = database.Offline
		updated.UpdatedAt = at
		if err := txn.Insert(tblPresence, updated); err != nil {
			return nil, fmt.Errorf("insert presence: %w", err)
		}
		changed = append(changed, updated.DeepCopy())
	}
	txn.Commit()
	return changed, nil
}

// FindPresenceByID finds the presence record of a user.
func (d *DB) FindPresenceByID(userID string) (*database.PresenceInfo, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tblPresence, idxPresenceID, userID)
	if err != nil {
		return nil, fmt.Errorf("find presence by id: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%s: %w", userID, database.ErrPresenceNotFound)
	}
	return raw.(*database.PresenceInfo).DeepCopy(), nil
}

// ListPresence returns every presence record ordered by user id.
func (d *DB) ListPresence() ([]*database.PresenceInfo, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()
	iter, err := txn.Get(tblPresence, idxPresenceID)
	if err != nil {
		return nil, fmt.Errorf("fetch presence: %w", err)
	}

	var infos []*database.PresenceInfo
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		infos = append(infos, raw.(*database.PresenceInfo).DeepCopy())
	}
	return infos, nil
}

// CreateMessageInfo appends a message and assigns its sequence number.
func (d *DB) CreateMessageInfo(info *database.MessageInfo) (*database.MessageInfo, error) {
	txn := d.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(tblMessages, idxMessageID, info.ID)
	if err != nil {
		return nil, fmt.Errorf("find message by id: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%s: %w", info.ID, database.ErrMessageAlreadyExists)
	}

	d.seq++
	stored := info.DeepCopy()
	stored.Seq = d.seq
	if err := txn.Insert(tblMessages, stored); err != nil {
		d.seq--
		return nil, fmt.Errorf("insert message: %w", err)
	}
	txn.Commit()
	return stored.DeepCopy(), nil
}

// FindMessageInfoByID finds a message by its id.
func (d *DB) FindMessageInfoByID(id string) (*database.MessageInfo, error) {
	return d.findMessage(idxMessageID, id)
}

// FindMessageInfoByClientID finds a message by its correlation id.
func (d *DB) FindMessageInfoByClientID(clientID string) (*database.MessageInfo, error) {
	return d.findMessage(idxMessageClientID, clientID)
}

func (d *DB) findMessage(index, value string) (*database.MessageInfo, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tblMessages, index, value)
	if err != nil {
		return nil, fmt.Errorf("find message by %s: %w", index, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%s: %w", value, database.ErrMessageNotFound)
	}
	return raw.(*database.MessageInfo).DeepCopy(), nil
}

// ReconcileMessageInfo marks the optimistic message with clientID delivered
// and adopts the relay's canonical id. Its position in the history is kept.
func (d *DB) ReconcileMessageInfo(clientID, canonicalID string, sentAt time.Time) (*database.MessageInfo, error) {
	txn := d.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tblMessages, idxMessageClientID, clientID)
	if err != nil {
		return nil, fmt.Errorf("find message by client id: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%s: %w", clientID, database.ErrMessageNotFound)
	}
	current := raw.(*database.MessageInfo)

	info := current.DeepCopy()
	info.DeliveryState = database.Delivered
	if !sentAt.IsZero() {
		info.SentAt = sentAt
	}
	if canonicalID != "" && canonicalID != current.ID {
		taken, err := txn.First(tblMessages, idxMessageID, canonicalID)
		if err != nil {
			return nil, fmt.Errorf("find message by id: %w", err)
		}
		if taken != nil {
			return nil, fmt.Errorf("%s: %w", canonicalID, database.ErrMessageAlreadyExists)
		}
		if err := txn.Delete(tblMessages, current); err != nil {
			return nil, fmt.Errorf("delete message: %w", err)
		}
		info.ID = canonicalID
	}

	if err := txn.Insert(tblMessages, info); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	txn.Commit()
	return info.DeepCopy(), nil
}

// FindMessageInfoByCounterpart returns the conversation with counterpart in
// the order it was appended.
func (d *DB) FindMessageInfoByCounterpart(counterpart string) ([]*database.MessageInfo, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()
	iter, err := txn.Get(tblMessages, idxMessageCounterpart, counterpart)
	if err != nil {
		return nil, fmt.Errorf("fetch messages by counterpart: %w", err)
	}

	var infos []*database.MessageInfo
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		infos = append(infos, raw.(*database.MessageInfo).DeepCopy())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Seq < infos[j].Seq
	})
	return infos, nil
}

// CreateCallInfo appends an ended call to the log.
func (d *DB) CreateCallInfo(info *database.CallInfo) error {
	txn := d.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(tblCalls, idxCallID, info.ID)
	if err != nil {
		return fmt.Errorf("find call by id: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("%s: %w", info.ID, database.ErrCallAlreadyExists)
	}
	if err := txn.Insert(tblCalls, info.DeepCopy()); err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	txn.Commit()
	return nil
}

// ListCallInfo returns the call log, most recently started first.
func (d *DB) ListCallInfo() ([]*database.CallInfo, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()
	iter, err := txn.Get(tblCalls, idxCallID)
	if err != nil {
		return nil, fmt.Errorf("fetch calls: %w", err)
	}

	var infos []*database.CallInfo
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		infos = append(infos, raw.(*database.CallInfo).DeepCopy())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.After(infos[j].StartedAt)
	})
	return infos, nil
}

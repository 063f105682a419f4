// Package presence tracks which counterparts are online.
package presence

import (
	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"telecore/broker"
	"telecore/database"
	"telecore/types/client/response"
	"telecore/types/message"
)

// Tracker keeps the presence table in sync with relay events. Its methods
// run on the event loop.
type Tracker struct {
	database database.Database
	broker   *broker.Broker
	clock    clock.Clock
	logger   *logrus.Entry
}

// New creates a Tracker and subscribes it to b.
func New(db database.Database, b *broker.Broker, clk clock.Clock, logger *logrus.Entry) *Tracker {
	t := &Tracker{
		database: db,
		broker:   b,
		clock:    clk,
		logger:   logger.WithField("component", "presence"),
	}

	b.Subscribe(response.ONLINE_USERS, broker.Handle(t.logger, t.handleSnapshot))
	b.Subscribe(response.USER_ONLINE, broker.Handle(t.logger, func(u response.User) {
		t.handleUser(u, database.Online)
	}))
	b.Subscribe(response.USER_OFFLINE, broker.Handle(t.logger, func(u response.User) {
		t.handleUser(u, database.Offline)
	}))
	b.Subscribe(broker.Disconnected, broker.Handle(t.logger, t.handleDisconnected))
	return t
}

func (t *Tracker) handleSnapshot(users response.OnlineUsers) {
	changed, err := t.database.ReplacePresence(users, t.clock.Now())
	if err != nil {
		t.logger.Errorf("replace presence: %v", err)
		return
	}
	t.logger.Debugf("presence snapshot with %d users online", len(users))
	t.publish(changed)
}

// handleUser upserts a single record. Users not seen before are inserted.
func (t *Tracker) handleUser(u response.User, status database.Status) {
	if u.UserID == "" {
		t.logger.Warn("drop presence event without user id")
		return
	}
	info, changed, err := t.database.UpsertPresence(u.UserID, status, t.clock.Now())
	if err != nil {
		t.logger.Errorf("upsert presence of %s: %v", u.UserID, err)
		return
	}
	if changed {
		t.publish([]*database.PresenceInfo{info})
	}
}

// handleDisconnected marks everyone offline; the next snapshot after a
// reconnect restores the real state.
func (t *Tracker) handleDisconnected(message.Disconnected) {
	changed, err := t.database.MarkAllOffline(t.clock.Now())
	if err != nil {
		t.logger.Errorf("mark all offline: %v", err)
		return
	}
	t.publish(changed)
}

func (t *Tracker) publish(infos []*database.PresenceInfo) {
	for _, info := range infos {
		t.broker.Publish(broker.PresenceChanged, message.PresenceChanged{
			UserID: info.UserID,
			Online: info.IsOnline(),
		})
	}
}

// Status returns the status of userID. Unknown users are offline.
func (t *Tracker) Status(userID string) database.Status {
	info, err := t.database.FindPresenceByID(userID)
	if err != nil {
		return database.Offline
	}
	return info.Status
}

// Online returns the ids of online users.
func (t *Tracker) Online() []string {
	infos, err := t.database.ListPresence()
	if err != nil {
		t.logger.Errorf("list presence: %v", err)
		return nil
	}
	var ids []string
	for _, info := range infos {
		if info.IsOnline() {
			ids = append(ids, info.UserID)
		}
	}
	return ids
}

// Snapshot returns the status of every known user.
func (t *Tracker) Snapshot() map[string]database.Status {
	infos, err := t.database.ListPresence()
	if err != nil {
		t.logger.Errorf("list presence: %v", err)
		return nil
	}
	out := make(map[string]database.Status, len(infos))
	for _, info := range infos {
		out[info.UserID] = info.Status
	}
	return out
}

// Package memory provides an in-memory database implementation.
package memory

import "github.com/hashicorp/go-memdb"

const (
	tblPresence = "presence"
	tblMessages = "messages"
	tblCalls    = "calls"
)

const (
	idxPresenceID         = "id"
	idxMessageID          = "id"
	idxMessageClientID    = "client_id"
	idxMessageCounterpart = "counterpart"
	idxCallID             = "id"
)

// schema is the schema of the memory database.
var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tblPresence: {
			Name: tblPresence,
			Indexes: map[string]*memdb.IndexSchema{
				idxPresenceID: {
					Name:    idxPresenceID,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "UserID"},
				},
			},
		},
		tblMessages: {
			Name: tblMessages,
			Indexes: map[string]*memdb.IndexSchema{
				idxMessageID: {
					Name:    idxMessageID,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				idxMessageClientID: {
					Name:         idxMessageClientID,
					Unique:       true,
					AllowMissing: true,
					Indexer:      &memdb.StringFieldIndex{Field: "ClientID"},
				},
				idxMessageCounterpart: {
					Name:    idxMessageCounterpart,
					Unique:  false,
					Indexer: &memdb.StringFieldIndex{Field: "Counterpart"},
				},
			},
		},
		tblCalls: {
			Name: tblCalls,
			Indexes: map[string]*memdb.IndexSchema{
				idxCallID: {
					Name:    idxCallID,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
			},
		},
	},
}

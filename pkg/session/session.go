// Package session implements the service layer over the event log and
// session store: creation, retrieval with reconstructed history, soft
// deletion, and the append write path that keeps the stored state
// projection in step with the log.
package session

import (
	"context"

	"sessiondb/pkg/models"
	"sessiondb/pkg/store"
)

// EventLog is the append-only log consumed by the service. Events for a
// session come back in (timestamp, insertion) order; limit > 0 keeps the
// most recent events.
type EventLog interface {
	AppendEvent(ctx context.Context, ev models.Event) (models.Event, error)
	ListEvents(ctx context.Context, sessionID string, limit int) ([]models.Event, error)
	CountEvents(ctx context.Context, sessionID string) (int, error)
}

// SessionStore holds session records and their projected state. UpdateState
// is a compare-and-swap on the record revision.
type SessionStore interface {
	CreateSession(ctx context.Context, rec store.SessionRecord) (store.SessionRecord, error)
	GetSession(ctx context.Context, id string) (store.SessionRecord, error)
	UpdateState(ctx context.Context, id string, state map[string]any, lastUpdate float64, expectedRev uint64) error
	ListSessions(ctx context.Context, ownerID string) ([]store.SessionRecord, error)
	SoftDelete(ctx context.Context, id string) error
}

// Backend is the full storage surface the service needs. Both the Pebble
// store and the in-memory store satisfy it.
type Backend interface {
	EventLog
	SessionStore
}

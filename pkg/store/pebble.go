package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"sessiondb/pkg/logger"
	"sessiondb/pkg/models"
	"sessiondb/pkg/utils"
)

// SessionRecord is the persisted projection of a session: current state,
// metadata and the revision counter used for optimistic concurrency.
type SessionRecord struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"owner_id"`
	AppName        string         `json:"app_name"`
	State          map[string]any `json:"state"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
	LastUpdateTime float64        `json:"last_update_time"`
	Status         string         `json:"status"`
	Rev            uint64         `json:"rev"`
}

// Session converts the record into the API-facing model (no events).
func (r SessionRecord) Session() models.Session {
	return models.Session{
		ID:             r.ID,
		OwnerID:        r.OwnerID,
		AppName:        r.AppName,
		State:          r.State,
		LastUpdateTime: r.LastUpdateTime,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		Status:         r.Status,
	}
}

// Pebble stores session projections and the append-only event log in a
// single Pebble keyspace:
//
//	session:<id>:meta                     projection record
//	session:<id>:event:<nanos>-<seq>      immutable event, ordered
//	owner:<owner>:session:<id>            ownership index
//
// Events are keyed by their own timestamp so replay order matches the
// (timestamp, insertion seq) total order.
type Pebble struct {
	db   *pebble.DB
	path string

	// metaMu serializes read-modify-write cycles on session records so the
	// revision check in UpdateState is an atomic compare-and-swap.
	metaMu sync.Mutex

	// seq breaks ties between events sharing a timestamp.
	seq uint64
}

// Open opens (or creates) a Pebble database at the given path.
func Open(path string) (*Pebble, error) {
	logger.Info("opening_pebble_db", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, path, err)
	}
	return &Pebble{db: db, path: path}, nil
}

// Close flushes and closes the database.
func (p *Pebble) Close() error {
	if p.db == nil {
		return nil
	}
	if err := p.db.Close(); err != nil {
		return err
	}
	p.db = nil
	logger.Info("pebble_closed", "path", p.path)
	return nil
}

// Path returns the on-disk location of the database.
func (p *Pebble) Path() string { return p.path }

func metaKey(id string) []byte         { return []byte("session:" + id + ":meta") }
func eventPrefix(id string) []byte     { return []byte("session:" + id + ":event:") }
func ownerKey(owner, id string) []byte { return []byte("owner:" + owner + ":session:" + id) }
func ownerPrefix(owner string) []byte  { return []byte("owner:" + owner + ":session:") }

func (p *Pebble) eventKey(sessionID string, ts float64) []byte {
	nanos := int64(ts * 1e9)
	s := atomic.AddUint64(&p.seq, 1)
	return []byte(fmt.Sprintf("session:%s:event:%020d-%06d", sessionID, nanos, s))
}

func (p *Pebble) getRecord(id string) (SessionRecord, error) {
	var rec SessionRecord
	v, closer, err := p.db.Get(metaKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return rec, ErrSessionNotFound
		}
		return rec, fmt.Errorf("%w: get session %s: %v", ErrUnavailable, id, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &rec); err != nil {
		return rec, fmt.Errorf("corrupt session record %s: %w", id, err)
	}
	return rec, nil
}

func (p *Pebble) putRecord(rec SessionRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	if err := p.db.Set(metaKey(rec.ID), b, pebble.Sync); err != nil {
		return fmt.Errorf("%w: put session %s: %v", ErrUnavailable, rec.ID, err)
	}
	return nil
}

// CreateSession persists a new session record. The supplied record's ID,
// OwnerID and AppName must be set; Rev and timestamps are assigned here.
func (p *Pebble) CreateSession(ctx context.Context, rec SessionRecord) (SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return SessionRecord{}, err
	}
	p.metaMu.Lock()
	defer p.metaMu.Unlock()

	if _, err := p.getRecord(rec.ID); err == nil {
		return SessionRecord{}, ErrDuplicateSession
	} else if !errors.Is(err, ErrSessionNotFound) {
		return SessionRecord{}, err
	}

	now := time.Now().UTC()
	if rec.State == nil {
		rec.State = map[string]any{}
	}
	rec.CreatedAt = now.Format(time.RFC3339Nano)
	rec.UpdatedAt = rec.CreatedAt
	if rec.LastUpdateTime == 0 {
		rec.LastUpdateTime = float64(now.UnixNano()) / 1e9
	}
	rec.Status = models.StatusActive
	rec.Rev = 1

	if err := p.putRecord(rec); err != nil {
		return SessionRecord{}, err
	}
	if err := p.db.Set(ownerKey(rec.OwnerID, rec.ID), []byte(rec.ID), pebble.Sync); err != nil {
		return SessionRecord{}, fmt.Errorf("%w: index session %s: %v", ErrUnavailable, rec.ID, err)
	}
	logger.Info("session_created", "session", rec.ID, "owner", rec.OwnerID, "app", rec.AppName)
	return rec, nil
}

// GetSession returns the stored projection. It does not touch the event log.
func (p *Pebble) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return SessionRecord{}, err
	}
	return p.getRecord(id)
}

// UpdateState atomically replaces state and last_update_time for an active
// session, guarded by the expected revision. A mismatch means a concurrent
// writer won; callers re-read and retry.
func (p *Pebble) UpdateState(ctx context.Context, id string, state map[string]any, lastUpdate float64, expectedRev uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.metaMu.Lock()
	defer p.metaMu.Unlock()

	rec, err := p.getRecord(id)
	if err != nil {
		return err
	}
	if rec.Status == models.StatusDeleted {
		return ErrSessionDeleted
	}
	if rec.Rev != expectedRev {
		RevConflicts.Inc()
		return ErrRevisionConflict
	}
	rec.State = state
	if lastUpdate > rec.LastUpdateTime {
		rec.LastUpdateTime = lastUpdate
	}
	rec.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	rec.Rev++
	return p.putRecord(rec)
}

// ListSessions returns active session metadata for an owner, newest first.
// State payloads are omitted.
func (p *Pebble) ListSessions(ctx context.Context, ownerID string) ([]SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := ownerPrefix(ownerID)
	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: iter: %v", ErrUnavailable, err)
	}
	defer iter.Close()

	var out []SessionRecord
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		id := string(iter.Value())
		rec, err := p.getRecord(id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				continue
			}
			return nil, err
		}
		if rec.Status == models.StatusDeleted {
			continue
		}
		rec.State = nil
		out = append(out, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: iter: %v", ErrUnavailable, err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out, nil
}

// ListAllIDs returns every stored session id, including deleted ones. Used
// by the reconciliation sweep and the startup migration.
func (p *Pebble) ListAllIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte("session:")
	suffix := []byte(":meta")
	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: iter: %v", ErrUnavailable, err)
	}
	defer iter.Close()

	var out []string
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		k := iter.Key()
		if !bytes.HasPrefix(k, prefix) {
			break
		}
		if !bytes.HasSuffix(k, suffix) {
			continue
		}
		out = append(out, string(k[len(prefix):len(k)-len(suffix)]))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: iter: %v", ErrUnavailable, err)
	}
	return out, nil
}

// SoftDelete flips the session status to deleted. Idempotent: deleting an
// already-deleted session is a no-op. Event history is never touched.
func (p *Pebble) SoftDelete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.metaMu.Lock()
	defer p.metaMu.Unlock()

	rec, err := p.getRecord(id)
	if err != nil {
		return err
	}
	if rec.Status == models.StatusDeleted {
		return nil
	}
	rec.Status = models.StatusDeleted
	rec.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	rec.Rev++
	if err := p.putRecord(rec); err != nil {
		return err
	}
	logger.AuditEvent("session_soft_deleted", "session", id, "owner", rec.OwnerID)
	return nil
}

// AppendEvent durably stores an event. The append is rejected when the
// session is absent or deleted; stored events are never overwritten.
func (p *Pebble) AppendEvent(ctx context.Context, ev models.Event) (models.Event, error) {
	if err := ctx.Err(); err != nil {
		return models.Event{}, err
	}
	rec, err := p.getRecord(ev.SessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return models.Event{}, ErrUnknownSession
		}
		return models.Event{}, err
	}
	if rec.Status == models.StatusDeleted {
		return models.Event{}, ErrUnknownSession
	}

	if ev.ID == "" {
		ev.ID = utils.GenEventID()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = float64(time.Now().UnixNano()) / 1e9
	}
	if ev.OwnerID == "" {
		ev.OwnerID = rec.OwnerID
	}

	b, err := json.Marshal(ev)
	if err != nil {
		return models.Event{}, fmt.Errorf("marshal event: %w", err)
	}
	key := p.eventKey(ev.SessionID, ev.Timestamp)
	if err := p.db.Set(key, b, pebble.Sync); err != nil {
		logger.Error("append_event_failed", "session", ev.SessionID, "error", err)
		return models.Event{}, fmt.Errorf("%w: append event: %v", ErrUnavailable, err)
	}
	EventsAppended.Inc()
	logger.Debug("event_appended", "session", ev.SessionID, "event", ev.ID)
	return ev, nil
}

// ListEvents returns the session's events in (timestamp, insertion) order.
// A positive limit returns the most recent events, relative order kept.
// Each call re-reads stored state; it is not a cached snapshot.
func (p *Pebble) ListEvents(ctx context.Context, sessionID string, limit int) ([]models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := eventPrefix(sessionID)
	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: iter: %v", ErrUnavailable, err)
	}
	defer iter.Close()

	var out []models.Event
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var ev models.Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return nil, fmt.Errorf("corrupt event at %s: %w", iter.Key(), err)
		}
		out = append(out, ev)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: iter: %v", ErrUnavailable, err)
	}
	if limit > 0 && limit < len(out) {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// CountEvents reports the number of stored events for a session.
func (p *Pebble) CountEvents(ctx context.Context, sessionID string) (int, error) {
	evs, err := p.ListEvents(ctx, sessionID, 0)
	if err != nil {
		return 0, err
	}
	return len(evs), nil
}

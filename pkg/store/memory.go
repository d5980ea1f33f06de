package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"sessiondb/pkg/models"
	"sessiondb/pkg/utils"
)

// Memory is an in-process implementation of the same contract as Pebble.
// It backs tests and embedded usage; semantics (revision CAS, append-only
// log, soft delete) match the durable store exactly.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]SessionRecord
	events   map[string][]memEvent
	seq      uint64

	// FailNext injects a transient failure into the next n operations so
	// retry paths can be exercised in tests.
	FailNext int
}

type memEvent struct {
	ev  models.Event
	seq uint64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]SessionRecord),
		events:   make(map[string][]memEvent),
	}
}

func (m *Memory) failInjected() error {
	if m.FailNext > 0 {
		m.FailNext--
		return fmt.Errorf("%w: injected failure", ErrUnavailable)
	}
	return nil
}

func cloneState(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *Memory) CreateSession(ctx context.Context, rec SessionRecord) (SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return SessionRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failInjected(); err != nil {
		return SessionRecord{}, err
	}
	if _, ok := m.sessions[rec.ID]; ok {
		return SessionRecord{}, ErrDuplicateSession
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
	m.sessions[rec.ID] = rec
	out := rec
	out.State = cloneState(rec.State)
	return out, nil
}

func (m *Memory) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return SessionRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failInjected(); err != nil {
		return SessionRecord{}, err
	}
	rec, ok := m.sessions[id]
	if !ok {
		return SessionRecord{}, ErrSessionNotFound
	}
	rec.State = cloneState(rec.State)
	return rec, nil
}

func (m *Memory) UpdateState(ctx context.Context, id string, state map[string]any, lastUpdate float64, expectedRev uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failInjected(); err != nil {
		return err
	}
	rec, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if rec.Status == models.StatusDeleted {
		return ErrSessionDeleted
	}
	if rec.Rev != expectedRev {
		RevConflicts.Inc()
		return ErrRevisionConflict
	}
	rec.State = cloneState(state)
	if lastUpdate > rec.LastUpdateTime {
		rec.LastUpdateTime = lastUpdate
	}
	rec.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	rec.Rev++
	m.sessions[id] = rec
	return nil
}

func (m *Memory) ListSessions(ctx context.Context, ownerID string) ([]SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SessionRecord
	for _, rec := range m.sessions {
		if rec.OwnerID != ownerID || rec.Status == models.StatusDeleted {
			continue
		}
		rec.State = nil
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out, nil
}

func (m *Memory) ListAllIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) SoftDelete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if rec.Status == models.StatusDeleted {
		return nil
	}
	rec.Status = models.StatusDeleted
	rec.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	rec.Rev++
	m.sessions[id] = rec
	return nil
}

func (m *Memory) AppendEvent(ctx context.Context, ev models.Event) (models.Event, error) {
	if err := ctx.Err(); err != nil {
		return models.Event{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failInjected(); err != nil {
		return models.Event{}, err
	}
	rec, ok := m.sessions[ev.SessionID]
	if !ok || rec.Status == models.StatusDeleted {
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
	m.seq++
	m.events[ev.SessionID] = append(m.events[ev.SessionID], memEvent{ev: ev, seq: m.seq})
	EventsAppended.Inc()
	return ev, nil
}

func (m *Memory) ListEvents(ctx context.Context, sessionID string, limit int) ([]models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	evs := make([]memEvent, len(m.events[sessionID]))
	copy(evs, m.events[sessionID])
	// total order: timestamp, ties broken by insertion seq
	sort.SliceStable(evs, func(i, j int) bool {
		if evs[i].ev.Timestamp != evs[j].ev.Timestamp {
			return evs[i].ev.Timestamp < evs[j].ev.Timestamp
		}
		return evs[i].seq < evs[j].seq
	})
	out := make([]models.Event, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.ev)
	}
	if limit > 0 && limit < len(out) {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *Memory) CountEvents(ctx context.Context, sessionID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events[sessionID]), nil
}

// Close satisfies the store lifecycle; no resources to release.
func (m *Memory) Close() error { return nil }

// Path identifies the backing storage location.
func (m *Memory) Path() string { return ":memory:" }

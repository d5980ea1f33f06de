package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sessiondb/pkg/logger"
	"sessiondb/pkg/models"
	"sessiondb/pkg/projector"
	"sessiondb/pkg/store"
	"sessiondb/pkg/utils"
)

const (
	// casAttempts bounds how often the append path re-reads and retries
	// the state compare-and-swap before giving up with ErrConcurrentUpdate.
	casAttempts = 5
	// unavailableAttempts bounds retries of transiently failing store calls.
	unavailableAttempts = 3
	// unavailableBackoff is the first retry delay; it doubles per attempt.
	unavailableBackoff = 50 * time.Millisecond
)

// Validator checks an event before it is appended. A non-nil error
// rejects the append with ErrInvalidEvent.
type Validator func(ev models.Event) error

// Service wires the session store and event log into the operations the
// API exposes. All state mutation flows through the append path so the
// stored projection and the log never drift under normal operation.
type Service struct {
	backend  Backend
	validate Validator
}

// Option configures a Service.
type Option func(*Service)

// WithValidator installs an event validator on the append path.
func WithValidator(v Validator) Option {
	return func(s *Service) { s.validate = v }
}

// New builds a Service over the given backend.
func New(backend Backend, opts ...Option) *Service {
	s := &Service{backend: backend}
	for _, o := range opts {
		o(s)
	}
	return s
}

// withRetry runs fn, retrying transient store failures with exponential
// backoff. Any error other than ErrUnavailable returns immediately.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	delay := unavailableBackoff
	for attempt := 0; attempt < unavailableAttempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, store.ErrUnavailable) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// Create registers a new session. An empty id gets a generated one. The
// initial state must be a valid JSON object; it may be nil.
func (s *Service) Create(ctx context.Context, ownerID, appName, id string, state map[string]any) (*models.Session, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id required", ErrInvalidEvent)
	}
	if state != nil {
		if err := models.ValidStateDelta(state); err != nil {
			return nil, fmt.Errorf("initial state: %w", err)
		}
	}
	if id == "" {
		id = utils.GenSessionID()
	}
	rec := store.SessionRecord{
		ID:      id,
		OwnerID: ownerID,
		AppName: appName,
		State:   state,
	}
	var created store.SessionRecord
	err := withRetry(ctx, func() error {
		var cerr error
		created, cerr = s.backend.CreateSession(ctx, rec)
		return cerr
	})
	if err != nil {
		return nil, err
	}
	logger.Info("session_created", "session", created.ID, "owner", ownerID, "app", appName)
	sess := created.Session()
	sess.Events = []models.Event{}
	return &sess, nil
}

// Get returns the session with its reconstructed event history, or
// (nil, nil) when no such session exists for the owner. Deleted sessions
// are still returned so their history stays readable. eventLimit > 0
// keeps only the most recent events.
func (s *Service) Get(ctx context.Context, ownerID, id string, eventLimit int) (*models.Session, error) {
	rec, err := s.getOwned(ctx, ownerID, id)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var evs []models.Event
	err = withRetry(ctx, func() error {
		var lerr error
		evs, lerr = s.backend.ListEvents(ctx, id, eventLimit)
		return lerr
	})
	if err != nil {
		return nil, err
	}
	sess := rec.Session()
	sess.Events = evs
	return &sess, nil
}

// List returns the owner's active sessions, most recently updated first.
// Events and state are omitted; use Get for the full view.
func (s *Service) List(ctx context.Context, ownerID string) ([]models.Session, error) {
	var recs []store.SessionRecord
	err := withRetry(ctx, func() error {
		var lerr error
		recs, lerr = s.backend.ListSessions(ctx, ownerID)
		return lerr
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.Session, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Session())
	}
	return out, nil
}

// Delete soft-deletes a session. It is idempotent: deleting an absent or
// already deleted session succeeds. The event log is never touched.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	_, err := s.getOwned(ctx, ownerID, id)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil
		}
		return err
	}
	return withRetry(ctx, func() error {
		return s.backend.SoftDelete(ctx, id)
	})
}

// AppendEvent appends an event to the session's log and folds its state
// delta into the stored projection. The append is durable before the
// projection update; a lost compare-and-swap is retried against a fresh
// read of the record until the retry budget runs out.
func (s *Service) AppendEvent(ctx context.Context, ownerID, sessionID string, ev models.Event) (*models.Event, error) {
	rec, err := s.getOwned(ctx, ownerID, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, store.ErrUnknownSession
		}
		return nil, err
	}
	if rec.Status == models.StatusDeleted {
		return nil, store.ErrSessionDeleted
	}

	if delta := ev.Delta(); delta != nil {
		if err := models.ValidStateDelta(delta); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	}
	if s.validate != nil {
		if err := s.validate(ev); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	}

	ev.SessionID = sessionID
	ev.OwnerID = ownerID
	var stored models.Event
	err = withRetry(ctx, func() error {
		var aerr error
		stored, aerr = s.backend.AppendEvent(ctx, ev)
		return aerr
	})
	if err != nil {
		return nil, err
	}

	if err := s.projectOnto(ctx, rec, stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// projectOnto applies the stored event's delta to the session record via
// compare-and-swap, re-reading and re-projecting on revision conflicts.
func (s *Service) projectOnto(ctx context.Context, rec store.SessionRecord, ev models.Event) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		next := projector.Apply(rec.State, ev)
		err := withRetry(ctx, func() error {
			return s.backend.UpdateState(ctx, rec.ID, next, ev.Timestamp, rec.Rev)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, store.ErrSessionDeleted):
			// Session deleted concurrently. The event is durable in the
			// log; the projection of a deleted session no longer matters.
			logger.Warn("append_projection_skipped", "session", rec.ID, "reason", "deleted")
			return nil
		case errors.Is(err, store.ErrRevisionConflict):
			fresh, gerr := s.backend.GetSession(ctx, rec.ID)
			if gerr != nil {
				return gerr
			}
			rec = fresh
		default:
			return err
		}
	}
	logger.Error("append_projection_conflict", "session", rec.ID, "attempts", casAttempts)
	return ErrConcurrentUpdate
}

// getOwned fetches a session record and enforces ownership. A record
// belonging to a different owner is reported as not found so lookups do
// not leak session existence across owners.
func (s *Service) getOwned(ctx context.Context, ownerID, id string) (store.SessionRecord, error) {
	var rec store.SessionRecord
	err := withRetry(ctx, func() error {
		var gerr error
		rec, gerr = s.backend.GetSession(ctx, id)
		return gerr
	})
	if err != nil {
		return store.SessionRecord{}, err
	}
	if ownerID != "" && rec.OwnerID != ownerID {
		return store.SessionRecord{}, store.ErrSessionNotFound
	}
	return rec, nil
}

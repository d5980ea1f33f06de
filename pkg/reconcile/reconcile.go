// Package reconcile repairs session projections that drifted from their
// event logs. Drift can happen when a projection update is lost after a
// durable append (crash between writes, exhausted retry budget). Runs are
// scheduled by cron expression and can also be requested on demand
// through a bounded queue.
package reconcile

import (
	"context"
	"errors"
	"reflect"
	"sync"

	"sessiondb/pkg/logger"
	"sessiondb/pkg/models"
	"sessiondb/pkg/projector"
	"sessiondb/pkg/store"
)

// ErrQueueFull is returned by Request when the on-demand queue is at
// capacity.
var ErrQueueFull = errors.New("reconcile queue full")

// casAttempts bounds CAS retries while writing a repaired projection.
const casAttempts = 5

// Store is the storage surface reconciliation needs. The Pebble store and
// the in-memory store both satisfy it.
type Store interface {
	GetSession(ctx context.Context, id string) (store.SessionRecord, error)
	ListAllIDs(ctx context.Context) ([]string, error)
	ListEvents(ctx context.Context, sessionID string, limit int) ([]models.Event, error)
	UpdateState(ctx context.Context, id string, state map[string]any, lastUpdate float64, expectedRev uint64) error
}

// Reconciler checks projections against event logs and repairs stale ones.
type Reconciler struct {
	store Store

	mu      sync.Mutex
	queue   chan string
	started bool
}

// New builds a Reconciler with an on-demand queue of the given capacity.
func New(s Store, queueSize int) *Reconciler {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Reconciler{store: s, queue: make(chan string, queueSize)}
}

// Request enqueues a session for on-demand reconciliation. It never
// blocks; a full queue returns ErrQueueFull.
func (r *Reconciler) Request(sessionID string) error {
	select {
	case r.queue <- sessionID:
		return nil
	default:
		return ErrQueueFull
	}
}

// ReconcileSession replays a session's event log and repairs the stored
// projection if it disagrees. It reports whether a repair was written.
// Deleted sessions are left alone.
func (r *Reconciler) ReconcileSession(ctx context.Context, id string) (bool, error) {
	rec, err := r.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return false, nil
		}
		return false, err
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		if rec.Status == models.StatusDeleted {
			return false, nil
		}
		evs, err := r.store.ListEvents(ctx, id, 0)
		if err != nil {
			return false, err
		}
		expected := projector.Replay(rec.State, evs)
		maxTS := rec.LastUpdateTime
		for _, ev := range evs {
			if ev.Timestamp > maxTS {
				maxTS = ev.Timestamp
			}
		}
		stateEqual := reflect.DeepEqual(expected, rec.State) ||
			(len(expected) == 0 && len(rec.State) == 0)
		if stateEqual && maxTS == rec.LastUpdateTime {
			return false, nil
		}
		err = r.store.UpdateState(ctx, id, expected, maxTS, rec.Rev)
		switch {
		case err == nil:
			store.ReconcileRepairs.Inc()
			logger.AuditEvent("session_reconciled", "session", id, "rev", rec.Rev)
			return true, nil
		case errors.Is(err, store.ErrRevisionConflict):
			rec, err = r.store.GetSession(ctx, id)
			if err != nil {
				return false, err
			}
		case errors.Is(err, store.ErrSessionDeleted):
			return false, nil
		default:
			return false, err
		}
	}
	// A writer kept beating us; its updates supersede the repair anyway.
	logger.Warn("reconcile_contended", "session", id)
	return false, nil
}

// ReconcileAll sweeps every session. It returns the number of repairs.
func (r *Reconciler) ReconcileAll(ctx context.Context) (int, error) {
	store.ReconcileRuns.Inc()
	ids, err := r.store.ListAllIDs(ctx)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return repaired, err
		}
		fixed, err := r.ReconcileSession(ctx, id)
		if err != nil {
			logger.Error("reconcile_session_failed", "session", id, "error", err)
			continue
		}
		if fixed {
			repaired++
		}
	}
	logger.Info("reconcile_sweep_done", "sessions", len(ids), "repaired", repaired)
	return repaired, nil
}

// runWorker drains the on-demand queue until the context is cancelled.
func (r *Reconciler) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-r.queue:
			if _, err := r.ReconcileSession(ctx, id); err != nil {
				logger.Error("reconcile_request_failed", "session", id, "error", err)
			}
		}
	}
}

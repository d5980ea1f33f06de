package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"sessiondb/pkg/models"
	"sessiondb/pkg/store"
)

func newTestService() (*Service, *store.Memory) {
	mem := store.NewMemory()
	return New(mem), mem
}

func deltaEvent(author string, delta map[string]any) models.Event {
	return models.Event{
		Author:  author,
		Content: &models.Content{Role: author, Parts: []models.Part{{Text: "hi"}}},
		Actions: &models.Actions{StateDelta: delta},
	}
}

func TestCreateGetRoundtrip(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	sess, err := svc.Create(ctx, "user1", "assistant", "", map[string]any{"greeting": "hello"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.ID == "" {
		t.Fatalf("expected generated session id")
	}
	if sess.Status != models.StatusActive {
		t.Fatalf("status = %q, want active", sess.Status)
	}

	got, err := svc.Get(ctx, "user1", sess.ID, 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatalf("get returned nil for existing session")
	}
	if got.State["greeting"] != "hello" {
		t.Fatalf("state = %v", got.State)
	}
	if len(got.Events) != 0 {
		t.Fatalf("fresh session has %d events", len(got.Events))
	}
}

func TestGetAbsentReturnsNilNil(t *testing.T) {
	svc, _ := newTestService()
	got, err := svc.Get(context.Background(), "user1", "nope", 0)
	if err != nil {
		t.Fatalf("get absent: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil session, got %+v", got)
	}
}

func TestCreateDuplicateID(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.Create(ctx, "user1", "app", "fixed", nil); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := svc.Create(ctx, "user1", "app", "fixed", nil)
	if !errors.Is(err, store.ErrDuplicateSession) {
		t.Fatalf("duplicate create: %v", err)
	}
}

func TestAppendEventProjectsDelta(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	sess, err := svc.Create(ctx, "user1", "app", "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ev, err := svc.AppendEvent(ctx, "user1", sess.ID, deltaEvent("model", map[string]any{"random_num": float64(7)}))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if ev.ID == "" || ev.Timestamp == 0 {
		t.Fatalf("event missing assigned fields: %+v", ev)
	}

	got, err := svc.Get(ctx, "user1", sess.ID, 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State["random_num"] != float64(7) {
		t.Fatalf("state not projected: %v", got.State)
	}
	if got.LastUpdateTime < ev.Timestamp {
		t.Fatalf("last_update_time %v behind event %v", got.LastUpdateTime, ev.Timestamp)
	}
	if len(got.Events) != 1 || got.Events[0].ID != ev.ID {
		t.Fatalf("events = %+v", got.Events)
	}
}

func TestSequentialAppendsAccumulate(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	sess, _ := svc.Create(ctx, "user1", "app", "", nil)

	if _, err := svc.AppendEvent(ctx, "user1", sess.ID, deltaEvent("model", map[string]any{"random_num": float64(3)})); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if _, err := svc.AppendEvent(ctx, "user1", sess.ID, deltaEvent("model", map[string]any{"dark_joke": "void"})); err != nil {
		t.Fatalf("append 2: %v", err)
	}

	got, _ := svc.Get(ctx, "user1", sess.ID, 0)
	if got.State["random_num"] != float64(3) || got.State["dark_joke"] != "void" {
		t.Fatalf("state = %v", got.State)
	}
	if len(got.Events) != 2 {
		t.Fatalf("events = %d", len(got.Events))
	}
}

func TestAppendRejectsInvalidDelta(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	sess, _ := svc.Create(ctx, "user1", "app", "", nil)

	_, err := svc.AppendEvent(ctx, "user1", sess.ID, deltaEvent("model", map[string]any{"bad": make(chan int)}))
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestAppendToUnknownSession(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.AppendEvent(context.Background(), "user1", "missing", deltaEvent("user", nil))
	if !errors.Is(err, store.ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestDeleteLifecycle(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	sess, _ := svc.Create(ctx, "user1", "app", "", nil)
	if _, err := svc.AppendEvent(ctx, "user1", sess.ID, deltaEvent("model", map[string]any{"k": "v"})); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := svc.Delete(ctx, "user1", sess.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// idempotent
	if err := svc.Delete(ctx, "user1", sess.ID); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if err := svc.Delete(ctx, "user1", "never-existed"); err != nil {
		t.Fatalf("delete absent: %v", err)
	}

	// history stays readable after deletion
	got, err := svc.Get(ctx, "user1", sess.ID, 0)
	if err != nil || got == nil {
		t.Fatalf("get deleted: %v %v", got, err)
	}
	if got.Status != models.StatusDeleted {
		t.Fatalf("status = %q", got.Status)
	}
	if len(got.Events) != 1 {
		t.Fatalf("events lost on delete: %d", len(got.Events))
	}

	// deleted sessions reject appends
	if _, err := svc.AppendEvent(ctx, "user1", sess.ID, deltaEvent("user", nil)); !errors.Is(err, store.ErrSessionDeleted) {
		t.Fatalf("append after delete: %v", err)
	}

	// and drop out of listings
	list, err := svc.List(ctx, "user1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, s := range list {
		if s.ID == sess.ID {
			t.Fatalf("deleted session still listed")
		}
	}
}

func TestOwnerIsolation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	sess, _ := svc.Create(ctx, "alice", "app", "", nil)

	got, err := svc.Get(ctx, "bob", sess.ID, 0)
	if err != nil || got != nil {
		t.Fatalf("cross-owner get: %v %v", got, err)
	}
	if _, err := svc.AppendEvent(ctx, "bob", sess.ID, deltaEvent("user", nil)); !errors.Is(err, store.ErrUnknownSession) {
		t.Fatalf("cross-owner append: %v", err)
	}
	if err := svc.Delete(ctx, "bob", sess.ID); err != nil {
		t.Fatalf("cross-owner delete should be a no-op: %v", err)
	}
	if got, _ := svc.Get(ctx, "alice", sess.ID, 0); got == nil || got.Status != models.StatusActive {
		t.Fatalf("owner lost session after foreign delete attempt")
	}
}

func TestConcurrentDisjointDeltas(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	sess, _ := svc.Create(ctx, "user1", "app", "", nil)

	const writers = 4
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			_, err := svc.AppendEvent(ctx, "user1", sess.ID, deltaEvent("model", map[string]any{key: float64(i)}))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent append: %v", err)
		}
	}

	got, _ := svc.Get(ctx, "user1", sess.ID, 0)
	for i := 0; i < writers; i++ {
		key := fmt.Sprintf("k%d", i)
		if got.State[key] != float64(i) {
			t.Fatalf("lost update for %s: state=%v", key, got.State)
		}
	}
	if len(got.Events) != writers {
		t.Fatalf("events = %d, want %d", len(got.Events), writers)
	}
}

func TestTransientFailuresRetried(t *testing.T) {
	svc, mem := newTestService()
	ctx := context.Background()

	mem.FailNext = 2
	sess, err := svc.Create(ctx, "user1", "app", "", nil)
	if err != nil {
		t.Fatalf("create with transient failures: %v", err)
	}

	mem.FailNext = 1
	got, err := svc.Get(ctx, "user1", sess.ID, 0)
	if err != nil || got == nil {
		t.Fatalf("get with transient failure: %v %v", got, err)
	}
}

func TestEventLimitKeepsTail(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	sess, _ := svc.Create(ctx, "user1", "app", "", nil)

	for i := 0; i < 5; i++ {
		if _, err := svc.AppendEvent(ctx, "user1", sess.ID, deltaEvent("model", map[string]any{"n": float64(i)})); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	got, err := svc.Get(ctx, "user1", sess.ID, 2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(got.Events))
	}
	// the tail holds the most recent deltas
	last := got.Events[1].Delta()
	if last["n"] != float64(4) {
		t.Fatalf("tail out of order: %v", last)
	}
}

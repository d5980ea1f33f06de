package progressor

import (
	"context"
	"encoding/json"
	"testing"

	"sessiondb/pkg/models"
	"sessiondb/pkg/store"
)

func openTestStore(t *testing.T) *store.Pebble {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// seedLegacyRecord writes a session record the way a build without the
// revision counter would have, bypassing CreateSession.
func seedLegacyRecord(t *testing.T, st *store.Pebble, id, owner string) {
	t.Helper()
	rec := store.SessionRecord{
		ID:      id,
		OwnerID: owner,
		State:   map[string]any{},
		Status:  models.StatusActive,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := st.SaveKey("session:"+id+":meta", b); err != nil {
		t.Fatalf("seed record: %v", err)
	}
}

func TestRunBackfillsLegacyRevisions(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	seedLegacyRecord(t, st, "legacy", "alice")
	for i := 0; i < 3; i++ {
		if _, err := st.AppendEvent(ctx, models.Event{SessionID: "legacy"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	invoked, err := Run(ctx, st, "v2")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !invoked {
		t.Fatalf("expected migration to run on version change")
	}

	rec, err := st.GetSession(ctx, "legacy")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Rev != 4 {
		t.Fatalf("rev = %d, want event count + 1 = 4", rec.Rev)
	}

	// marker must be cleared and the version persisted
	if v, _ := st.GetKey("system:migration_in_progress"); v != "" {
		t.Fatalf("in-progress marker not cleared: %q", v)
	}
	if v, _ := st.GetKey("system:version"); v != "v2" {
		t.Fatalf("version = %q, want v2", v)
	}
}

func TestRunIsNoopOnSameVersion(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if _, err := Run(ctx, st, "v2"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	invoked, err := Run(ctx, st, "v2")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if invoked {
		t.Fatalf("same version should not re-run the migration")
	}
}

func TestRunLeavesCurrentRecordsAlone(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if _, err := st.CreateSession(ctx, store.SessionRecord{ID: "s1", OwnerID: "alice"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := Run(ctx, st, "v3"); err != nil {
		t.Fatalf("run: %v", err)
	}
	rec, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Rev != 1 {
		t.Fatalf("rev = %d, want 1 untouched", rec.Rev)
	}
}

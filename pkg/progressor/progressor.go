// Package progressor runs startup migrations between schema versions.
package progressor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sessiondb/pkg/logger"
	"sessiondb/pkg/store"
)

const (
	systemVersionKey    = "system:version"
	systemInProgressKey = "system:migration_in_progress"
)

// Sync performs upgrade work between versions. Edit in-place for migration logic.
func Sync(ctx context.Context, st *store.Pebble, from, to string) error {
	logger.Info("progressor_sync_start", "from", from, "to", to)

	// Migration: seed the revision counter on session records written
	// before optimistic concurrency existed. Idempotent and safe to run
	// multiple times.
	ids, err := st.ListAllIDs(ctx)
	if err != nil {
		logger.Error("progressor_list_sessions_failed", "error", err)
		return err
	}
	for _, id := range ids {
		changed, err := st.InitRevision(ctx, id)
		if err != nil {
			logger.Error("progressor_init_revision_failed", "session", id, "error", err)
			continue
		}
		if changed {
			logger.Info("progressor_revision_initialized", "session", id)
		}
	}

	logger.Info("progressor_sync_done", "from", from, "to", to)
	return nil
}

// Run checks for a version change and runs Sync if needed.
// Returns (invoked, error): invoked is true if Sync ran.
func Run(ctx context.Context, st *store.Pebble, newVersion string) (bool, error) {
	stored, err := st.GetKey(systemVersionKey)
	if err != nil {
		logger.Error("progressor_read_version_failed", "error", err)
	}
	logger.Info("progressor_version_check", "stored", stored, "running", newVersion)
	if stored == newVersion {
		logger.Info("progressor_noop", "version", newVersion)
		return false, nil
	}

	marker := map[string]string{
		"from":       stored,
		"to":         newVersion,
		"started_at": time.Now().UTC().Format(time.RFC3339),
	}
	mb, _ := json.Marshal(marker)
	if err := st.SaveKey(systemInProgressKey, mb); err != nil {
		logger.Error("progressor_write_inprogress_failed", "error", err)
		return true, fmt.Errorf("failed to write in-progress marker: %w", err)
	}

	logger.Info("progressor_start_sync", "from", stored, "to", newVersion)
	if err := Sync(ctx, st, stored, newVersion); err != nil {
		logger.Error("progressor_sync_failed", "from", stored, "to", newVersion, "error", err)
		return true, err
	}
	logger.Info("progressor_sync_succeeded", "from", stored, "to", newVersion)

	if err := st.SaveKey(systemVersionKey, []byte(newVersion)); err != nil {
		logger.Error("progressor_persist_version_failed", "version", newVersion, "error", err)
		return true, fmt.Errorf("failed to persist new version: %w", err)
	}

	if err := st.DeleteKey(systemInProgressKey); err != nil {
		logger.Error("progressor_delete_inprogress_failed", "error", err)
	}

	logger.Info("progressor_version_persisted", "version", newVersion)
	return true, nil
}

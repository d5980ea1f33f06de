package state

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths is the canonical runtime folder layout under the DB path.
type Paths struct {
	Store     string // Pebble keyspace
	State     string // runtime state root
	Audit     string // audit log sink
	Reconcile string // reconcile run artifacts and lock files
	Tmp       string // scratch space
}

// PathsVar holds the resolved layout after Init. Packages that need a
// runtime directory read it from here.
var PathsVar Paths

// Init ensures the runtime folder layout exists under dbPath and records
// the resolved paths in PathsVar.
func Init(dbPath string) error {
	p := Paths{
		Store:     filepath.Join(dbPath, "store"),
		State:     filepath.Join(dbPath, "state"),
		Audit:     filepath.Join(dbPath, "state", "audit"),
		Reconcile: filepath.Join(dbPath, "state", "reconcile"),
		Tmp:       filepath.Join(dbPath, "state", "tmp"),
	}
	if err := ensureDirs(p.Store, p.Audit, p.Reconcile, p.Tmp); err != nil {
		return err
	}
	PathsVar = p
	return nil
}

// ensureDirs creates the given directories with restrictive permissions.
// Symlinks and group/other-writable modes are rejected, and each directory
// is probed for writability.
func ensureDirs(paths ...string) error {
	for _, p := range paths {
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return fmt.Errorf("cannot create parent for %s: %w", p, err)
		}

		if fi, err := os.Lstat(p); err == nil {
			if fi.Mode()&os.ModeSymlink != 0 {
				return fmt.Errorf("path is a symlink: %s", p)
			}
			if !fi.IsDir() {
				return fmt.Errorf("path exists and is not a directory: %s", p)
			}
			if fi.Mode().Perm()&0o022 != 0 {
				return fmt.Errorf("path has permissive mode (group/other write): %s", p)
			}
		}

		if err := os.MkdirAll(p, 0o700); err != nil {
			return fmt.Errorf("cannot create path %s: %w", p, err)
		}

		if fi, err := os.Lstat(p); err == nil {
			if fi.Mode()&os.ModeSymlink != 0 {
				return fmt.Errorf("path is a symlink after creation: %s", p)
			}
		}

		// writability probe
		tmp, err := os.CreateTemp(p, ".validate-*")
		if err != nil {
			return fmt.Errorf("path not writable: %s: %w", p, err)
		}
		tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	return nil
}

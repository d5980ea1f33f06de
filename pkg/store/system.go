package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// System keys live outside the session keyspace and carry small pieces of
// operational metadata (schema version, migration markers).

// GetKey returns the value stored under a system key, or "" when absent.
func (p *Pebble) GetKey(key string) (string, error) {
	v, closer, err := p.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}
	out := string(v)
	closer.Close()
	return out, nil
}

// SaveKey stores a system key durably.
func (p *Pebble) SaveKey(key string, val []byte) error {
	if err := p.db.Set([]byte(key), val, pebble.Sync); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// DeleteKey removes a system key.
func (p *Pebble) DeleteKey(key string) error {
	if err := p.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// InitRevision backfills the revision counter on a legacy record that
// predates optimistic concurrency. The revision is seeded from the event
// count so subsequent CAS updates behave normally. Reports whether the
// record was changed; records that already carry a revision are left
// untouched.
func (p *Pebble) InitRevision(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.metaMu.Lock()
	defer p.metaMu.Unlock()

	rec, err := p.getRecord(id)
	if err != nil {
		return false, err
	}
	if rec.Rev != 0 {
		return false, nil
	}
	n, err := p.CountEvents(ctx, id)
	if err != nil {
		return false, err
	}
	rec.Rev = uint64(n) + 1
	if err := p.putRecord(rec); err != nil {
		return false, err
	}
	return true, nil
}

// Package kv is the persistence collaborator of sagaflow: a key/value store
// with per-entry TTL and single-key compare-and-swap. Idempotency keys, lock
// leases, saga state, operations and dead letters all live in one Store.
//
// Expired entries behave exactly like absent ones for every operation; the
// backends remove them lazily and, when a sweeper runs, in the background.
package kv

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/drblury/sagaflow/internal/runtime/clock"
	loggingpkg "github.com/drblury/sagaflow/internal/runtime/logging"
)

// KeepTTL tells CompareAndSwap to keep the current expiry of the entry.
const KeepTTL time.Duration = -1

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Record is a stored value together with its bookkeeping timestamps.
type Record struct {
	Key       string
	Value     []byte
	ExpiresAt time.Time // zero means no expiry
	UpdatedAt time.Time
}

// Expired reports whether the record is no longer live at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Store is implemented by every persistence backend. All mutations are
// atomic per key.
type Store interface {
	Get(ctx context.Context, key string) (Record, bool, error)
	// Put upserts value. A ttl of zero stores the entry without expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// PutIfAbsent creates the entry when it is absent or expired.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndSwap replaces the live value only if it still equals old.
	CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete removes the live entry only if it still equals old.
	CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error)
	Delete(ctx context.Context, key string) error
	// List returns live records whose key starts with prefix, in key order.
	// A limit <= 0 returns everything.
	List(ctx context.Context, prefix string, limit int) ([]Record, error)
	Close() error
}

// Sweeper is implemented by backends that can purge expired entries eagerly.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Options selects and configures a backend for Open.
type Options struct {
	Backend     string
	SQLiteFile  string
	PostgresURL string
	Clock       clock.Clock
}

// Open builds the Store named by opts.Backend. An empty backend selects the
// in-memory store.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(opts.Backend) {
	case "", BackendMemory:
		return NewMemoryStore(opts.Clock), nil
	case BackendSQLite:
		return OpenSQLite(ctx, opts.SQLiteFile, opts.Clock)
	case BackendPostgres:
		return OpenPostgres(ctx, opts.PostgresURL, opts.Clock)
	default:
		return nil, fmt.Errorf("kv: unknown backend %q", opts.Backend)
	}
}

// RunSweeper calls Sweep on s every interval until ctx is cancelled. It is a
// no-op when s does not implement Sweeper or interval is not positive.
func RunSweeper(ctx context.Context, s Store, interval time.Duration, log loggingpkg.ServiceLogger) {
	sweeper, ok := s.(Sweeper)
	if !ok || interval <= 0 {
		return
	}
	log = loggingpkg.ForComponent(log, "kv_sweeper")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sweeper.Sweep(ctx)
			if err != nil {
				log.Error("Sweeping expired entries failed", err, nil)
				continue
			}
			if n > 0 {
				log.Debug("Swept expired entries", loggingpkg.LogFields{"removed": n})
			}
		}
	}
}

func expiryFor(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

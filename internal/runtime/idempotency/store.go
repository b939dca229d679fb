// Package idempotency stores idempotency keys and the terminal results bound
// to them. The raw Store API (Get/Set/Exists/Delete) works on opaque values;
// the record helpers (Begin/Lookup/Finish) implement the pending to terminal
// lifecycle on top of atomic create and compare-and-swap.
package idempotency

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/drblury/sagaflow/internal/runtime/clock"
	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/jsoncodec"
	"github.com/drblury/sagaflow/internal/runtime/kv"
)

// DefaultTTL is how long keys live when the caller does not choose.
const DefaultTTL = 24 * time.Hour

const keyPrefix = "idem/"

// maxCASAttempts bounds read-modify-write loops against concurrent writers.
const maxCASAttempts = 16

// Status is the lifecycle state of an idempotency key.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is the persisted form of an idempotency key.
type Record struct {
	Key           string     `json:"key"`
	TenantID      string     `json:"tenant_id,omitempty"`
	UserID        string     `json:"user_id,omitempty"`
	OperationType string     `json:"operation_type"`
	OperationID   string     `json:"operation_id,omitempty"`
	Status        Status     `json:"status"`
	Result        []byte     `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the record reached completed or failed.
func (r Record) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// Store keeps idempotency entries under the "idem/" namespace of a kv.Store.
type Store struct {
	kv         kv.Store
	clock      clock.Clock
	defaultTTL time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = clock.OrReal(c) }
}

// WithDefaultTTL sets the TTL used when Begin is called without one.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// NewStore returns a Store backed by store.
func NewStore(store kv.Store, opts ...Option) *Store {
	s := &Store{kv: store, clock: clock.Real{}, defaultTTL: DefaultTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultTTL returns the TTL applied when callers pass zero.
func (s *Store) DefaultTTL() time.Duration { return s.defaultTTL }

func storageKey(key string) string { return keyPrefix + key }

// Get returns the value stored under key. Expired keys are not found.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, errspkg.ErrKeyRequired
	}
	rec, found, err := s.kv.Get(ctx, storageKey(key))
	if err != nil || !found {
		return nil, false, err
	}
	return rec.Value, true, nil
}

// Set upserts value and resets its expiry. A zero ttl never expires.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errspkg.ErrKeyRequired
	}
	return s.kv.Put(ctx, storageKey(key), value, ttl)
}

// Exists reports whether a live entry exists for key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, found, err := s.Get(ctx, key)
	return found, err
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return errspkg.ErrKeyRequired
	}
	return s.kv.Delete(ctx, storageKey(key))
}

// SetIfAbsent stores value only when key is absent or expired.
func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, errspkg.ErrKeyRequired
	}
	return s.kv.PutIfAbsent(ctx, storageKey(key), value, ttl)
}

// CompareAndSwap replaces the value when it still equals old, keeping the
// current expiry.
func (s *Store) CompareAndSwap(ctx context.Context, key string, old, value []byte) (bool, error) {
	if key == "" {
		return false, errspkg.ErrKeyRequired
	}
	return s.kv.CompareAndSwap(ctx, storageKey(key), old, value, kv.KeepTTL)
}

// Begin creates rec as a pending key. When a live key already exists it is
// returned instead with created=false; nothing is overwritten.
func (s *Store) Begin(ctx context.Context, rec Record, ttl time.Duration) (Record, bool, error) {
	if rec.Key == "" {
		return Record{}, false, errspkg.ErrKeyRequired
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		now := s.clock.Now()
		rec.Status = StatusPending
		rec.Result = nil
		rec.Error = ""
		rec.CompletedAt = nil
		rec.CreatedAt = now
		rec.ExpiresAt = now.Add(ttl)

		raw, err := jsoncodec.Marshal(rec)
		if err != nil {
			return Record{}, false, fmt.Errorf("idempotency: encode record: %w", err)
		}
		created, err := s.SetIfAbsent(ctx, rec.Key, raw, ttl)
		if err != nil {
			return Record{}, false, err
		}
		if created {
			return rec, true, nil
		}

		existing, found, err := s.Lookup(ctx, rec.Key)
		if err != nil {
			return Record{}, false, err
		}
		if found {
			return existing, false, nil
		}
		// expired between the two calls; try to create again
	}
	return Record{}, false, fmt.Errorf("idempotency: key %q kept changing during creation", rec.Key)
}

// Lookup returns the decoded record for key.
func (s *Store) Lookup(ctx context.Context, key string) (Record, bool, error) {
	raw, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return Record{}, false, err
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Finish moves a pending key to its terminal state. Exactly one caller wins;
// later calls, or calls on an already terminal key, return false. A missing
// key yields ErrNotFound.
func (s *Store) Finish(ctx context.Context, key string, result []byte, failure error) (Record, bool, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		raw, found, err := s.Get(ctx, key)
		if err != nil {
			return Record{}, false, err
		}
		if !found {
			return Record{}, false, fmt.Errorf("idempotency key %q: %w", key, errspkg.ErrNotFound)
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return Record{}, false, err
		}
		if rec.Terminal() {
			return rec, false, nil
		}

		now := s.clock.Now()
		rec.CompletedAt = &now
		if failure != nil {
			rec.Status = StatusFailed
			rec.Error = failure.Error()
			rec.Result = nil
		} else {
			rec.Status = StatusCompleted
			rec.Result = result
		}

		updated, err := jsoncodec.Marshal(rec)
		if err != nil {
			return Record{}, false, fmt.Errorf("idempotency: encode record: %w", err)
		}
		swapped, err := s.CompareAndSwap(ctx, key, raw, updated)
		if err != nil {
			return Record{}, false, err
		}
		if swapped {
			return rec, true, nil
		}
	}
	return Record{}, false, fmt.Errorf("idempotency: key %q kept changing during completion", key)
}

// Records returns up to limit live records, most recently created first.
func (s *Store) Records(ctx context.Context, limit int) ([]Record, error) {
	entries, err := s.kv.List(ctx, keyPrefix, 0)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(entries))
	for _, entry := range entries {
		rec, err := decodeRecord(entry.Value)
		if err != nil {
			// raw values written through Set are not records
			rec = Record{Key: strings.TrimPrefix(entry.Key, keyPrefix), ExpiresAt: entry.ExpiresAt, CreatedAt: entry.UpdatedAt}
		}
		records = append(records, rec)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func decodeRecord(raw []byte) (Record, error) {
	var rec Record
	if err := jsoncodec.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("idempotency: decode record: %w", err)
	}
	if rec.Key == "" || rec.Status == "" {
		return Record{}, fmt.Errorf("idempotency: value is not a key record")
	}
	return rec, nil
}

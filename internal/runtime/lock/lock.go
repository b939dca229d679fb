// Package lock provides named mutual-exclusion locks with TTL leases on top of
// the kv persistence store. A lease that runs out is treated as released, so a
// crashed holder can never wedge a lock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/sagaflow/internal/runtime/clock"
	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/ids"
	"github.com/drblury/sagaflow/internal/runtime/jsoncodec"
	"github.com/drblury/sagaflow/internal/runtime/kv"
	loggingpkg "github.com/drblury/sagaflow/internal/runtime/logging"
)

const keyPrefix = "lock/"

const (
	DefaultPollInitial = 10 * time.Millisecond
	DefaultPollMax     = 500 * time.Millisecond
)

// Entry is the persisted lease of a held lock.
type Entry struct {
	Name           string        `json:"name"`
	HolderToken    string        `json:"holder_token"`
	AcquiredAt     time.Time     `json:"acquired_at"`
	TTL            time.Duration `json:"ttl"`
	LeaseExpiresAt time.Time     `json:"lease_expires_at"`
}

// Store hands out locks. Waiters in the same process are woken as soon as a
// lock is released; waiters elsewhere poll with exponential backoff.
type Store struct {
	kv          kv.Store
	clock       clock.Clock
	logger      loggingpkg.ServiceLogger
	pollInitial time.Duration
	pollMax     time.Duration

	mu      sync.Mutex
	signals map[string]*waiters
}

type waiters struct {
	ch    chan struct{}
	count int
}

// Option configures a Store.
type Option func(*Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = clock.OrReal(c) }
}

func WithLogger(l loggingpkg.ServiceLogger) Option {
	return func(s *Store) { s.logger = loggingpkg.ForComponent(l, "lock") }
}

// WithPollInterval bounds the backoff used while waiting for a lock held by
// another process.
func WithPollInterval(initial, max time.Duration) Option {
	return func(s *Store) {
		if initial > 0 {
			s.pollInitial = initial
		}
		if max >= s.pollInitial {
			s.pollMax = max
		}
	}
}

// NewStore returns a lock Store backed by store.
func NewStore(store kv.Store, opts ...Option) *Store {
	s := &Store{
		kv:          store,
		clock:       clock.Real{},
		logger:      loggingpkg.ForComponent(nil, "lock"),
		pollInitial: DefaultPollInitial,
		pollMax:     DefaultPollMax,
		signals:     make(map[string]*waiters),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func storageKey(name string) string { return keyPrefix + name }

// AcquireLock tries to take name for ttl. While another holder has a live
// lease it waits up to timeout: zero means a single attempt, a negative value
// waits until ctx is done. acquired is false when the timeout elapsed.
func (s *Store) AcquireLock(ctx context.Context, name string, ttl, timeout time.Duration) (*Handle, bool, error) {
	if name == "" {
		return nil, false, errspkg.ErrNameRequired
	}
	if ttl <= 0 {
		return nil, false, fmt.Errorf("lock %q: ttl must be positive", name)
	}

	token := ids.NewToken()
	var deadline time.Time
	if timeout > 0 {
		deadline = s.clock.Now().Add(timeout)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.pollInitial
	bo.MaxInterval = s.pollMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.Reset()

	for {
		// grab the signal before trying so a release in between is not missed
		var (
			wake  <-chan struct{}
			leave = func() {}
		)
		if timeout != 0 {
			wake, leave = s.signal(name)
		}

		handle, holder, err := s.tryAcquire(ctx, name, token, ttl)
		if err != nil {
			leave()
			return nil, false, err
		}
		if handle != nil {
			leave()
			s.logger.Debug("Lock acquired", loggingpkg.LogFields{loggingpkg.FieldLockName: name})
			return handle, true, nil
		}
		if timeout == 0 {
			return nil, false, nil
		}

		now := s.clock.Now()
		wait := bo.NextBackOff()
		if holder != nil {
			if untilExpiry := holder.LeaseExpiresAt.Sub(now); untilExpiry > 0 && untilExpiry < wait {
				wait = untilExpiry
			}
		}
		if timeout > 0 {
			remaining := deadline.Sub(now)
			if remaining <= 0 {
				leave()
				s.logger.Debug("Lock wait timed out", loggingpkg.LogFields{loggingpkg.FieldLockName: name, "timeout": timeout.String()})
				return nil, false, nil
			}
			if wait > remaining {
				wait = remaining
			}
		}

		select {
		case <-ctx.Done():
			leave()
			return nil, false, ctx.Err()
		case <-wake:
		case <-s.clock.After(wait):
		}
		leave()
	}
}

func (s *Store) tryAcquire(ctx context.Context, name, token string, ttl time.Duration) (*Handle, *Entry, error) {
	now := s.clock.Now()
	entry := Entry{
		Name:           name,
		HolderToken:    token,
		AcquiredAt:     now,
		TTL:            ttl,
		LeaseExpiresAt: now.Add(ttl),
	}
	raw, err := jsoncodec.Marshal(entry)
	if err != nil {
		return nil, nil, fmt.Errorf("lock %q: encode entry: %w", name, err)
	}

	created, err := s.kv.PutIfAbsent(ctx, storageKey(name), raw, ttl)
	if err != nil {
		return nil, nil, fmt.Errorf("lock %q: %w", name, err)
	}
	if created {
		return &Handle{store: s, entry: entry, raw: raw}, nil, nil
	}

	holder, found, err := s.Get(ctx, name)
	if err != nil || !found {
		return nil, nil, err
	}
	return nil, &holder, nil
}

// WithLock runs fn while holding name. The lock is released on every exit
// path of fn, panics included. ErrLockTimeout is returned when the lock could
// not be acquired within timeout.
func (s *Store) WithLock(ctx context.Context, name string, ttl, timeout time.Duration, fn func(ctx context.Context) error) error {
	handle, acquired, err := s.AcquireLock(ctx, name, ttl, timeout)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("lock %q: %w", name, errspkg.ErrLockTimeout)
	}
	defer func() {
		if err := handle.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Error("Releasing lock failed", err, loggingpkg.LogFields{loggingpkg.FieldLockName: name})
		}
	}()
	return fn(ctx)
}

// Get returns the live lease for name.
func (s *Store) Get(ctx context.Context, name string) (Entry, bool, error) {
	rec, found, err := s.kv.Get(ctx, storageKey(name))
	if err != nil || !found {
		return Entry{}, false, err
	}
	var entry Entry
	if err := jsoncodec.Unmarshal(rec.Value, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("lock %q: decode entry: %w", name, err)
	}
	return entry, true, nil
}

// IsLocked reports whether name currently has a live lease.
func (s *Store) IsLocked(ctx context.Context, name string) (bool, error) {
	_, found, err := s.Get(ctx, name)
	return found, err
}

// ReleaseLock removes the lease regardless of who holds it. It is meant for
// operators clearing a stuck lock; holders use Handle.Release.
func (s *Store) ReleaseLock(ctx context.Context, name string) error {
	if err := s.kv.Delete(ctx, storageKey(name)); err != nil {
		return fmt.Errorf("lock %q: %w", name, err)
	}
	s.logger.Info("Lock force released", loggingpkg.LogFields{loggingpkg.FieldLockName: name})
	s.notify(name)
	return nil
}

// List returns every live lease.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	records, err := s.kv.List(ctx, keyPrefix, 0)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		var entry Entry
		if err := jsoncodec.Unmarshal(rec.Value, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// signal registers a waiter on name. The returned func must be called once
// the waiter stops listening; the entry is dropped with its last waiter.
func (s *Store) signal(name string) (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.signals[name]
	if !ok {
		w = &waiters{ch: make(chan struct{})}
		s.signals[name] = w
	}
	w.count++
	return w.ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		w.count--
		if w.count == 0 && s.signals[name] == w {
			delete(s.signals, name)
		}
	}
}

func (s *Store) notify(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.signals[name]; ok {
		close(w.ch)
		delete(s.signals, name)
	}
}

// Handle is a held lock. It is safe for concurrent use.
type Handle struct {
	store *Store

	mu       sync.Mutex
	entry    Entry
	raw      []byte
	released bool
}

func (h *Handle) Name() string { return h.Entry().Name }

func (h *Handle) Token() string { return h.Entry().HolderToken }

// Entry returns the lease as last written by this handle.
func (h *Handle) Entry() Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.entry
}

// Release gives the lock up. It only deletes the lease if this handle still
// owns it; when the lease already lapsed and was taken by someone else it
// returns ErrLockLost and leaves the new holder alone. Calling Release twice
// is a no-op.
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}

	deleted, err := h.store.kv.CompareAndDelete(ctx, storageKey(h.entry.Name), h.raw)
	if err != nil {
		return fmt.Errorf("lock %q: %w", h.entry.Name, err)
	}
	h.released = true
	h.store.notify(h.entry.Name)
	if !deleted {
		return fmt.Errorf("lock %q: %w", h.entry.Name, errspkg.ErrLockLost)
	}
	return nil
}

// Renew extends the lease to ttl from now.
func (h *Handle) Renew(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("lock %q: ttl must be positive", h.Name())
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return fmt.Errorf("lock %q: %w", h.entry.Name, errspkg.ErrLockLost)
	}

	next := h.entry
	next.TTL = ttl
	next.LeaseExpiresAt = h.store.clock.Now().Add(ttl)
	raw, err := jsoncodec.Marshal(next)
	if err != nil {
		return fmt.Errorf("lock %q: encode entry: %w", next.Name, err)
	}

	swapped, err := h.store.kv.CompareAndSwap(ctx, storageKey(next.Name), h.raw, raw, ttl)
	if err != nil {
		return fmt.Errorf("lock %q: %w", next.Name, err)
	}
	if !swapped {
		return fmt.Errorf("lock %q: %w", next.Name, errspkg.ErrLockLost)
	}
	h.entry = next
	h.raw = raw
	return nil
}

// KeepAlive renews the lease every third of its TTL until ctx is done, the
// handle is released, or a renewal fails. The returned function stops it.
func (h *Handle) KeepAlive(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	ttl := h.Entry().TTL
	interval := ttl / 3
	if interval <= 0 {
		interval = ttl
	}

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.store.clock.After(interval):
			}
			if err := h.Renew(ctx, ttl); err != nil {
				if !errors.Is(err, context.Canceled) {
					h.store.logger.Error("Lock renewal failed", err, loggingpkg.LogFields{loggingpkg.FieldLockName: h.Name()})
				}
				return
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

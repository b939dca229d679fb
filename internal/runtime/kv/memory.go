package kv

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/drblury/sagaflow/internal/runtime/clock"
	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
)

// MemoryStore keeps entries in a process-local map. It is the default backend
// for single-process deployments and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	clock  clock.Clock
	items  map[string]memoryItem
	closed bool
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
	updatedAt time.Time
}

// NewMemoryStore returns an empty MemoryStore. A nil clock uses wall time.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	return &MemoryStore{
		clock: clock.OrReal(c),
		items: make(map[string]memoryItem),
	}
}

func (m *MemoryStore) liveLocked(key string, now time.Time) (memoryItem, bool) {
	item, ok := m.items[key]
	if !ok {
		return memoryItem{}, false
	}
	if !item.expiresAt.IsZero() && !now.Before(item.expiresAt) {
		return memoryItem{}, false
	}
	return item, true
}

func (m *MemoryStore) Get(ctx context.Context, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Record{}, false, errspkg.ErrClosed
	}

	item, ok := m.liveLocked(key, m.clock.Now())
	if !ok {
		return Record{}, false, nil
	}
	return item.record(key), true, nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errspkg.ErrClosed
	}

	now := m.clock.Now()
	m.items[key] = memoryItem{value: cloneBytes(value), expiresAt: expiryFor(now, ttl), updatedAt: now}
	return nil
}

func (m *MemoryStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, errspkg.ErrClosed
	}

	now := m.clock.Now()
	if _, ok := m.liveLocked(key, now); ok {
		return false, nil
	}
	m.items[key] = memoryItem{value: cloneBytes(value), expiresAt: expiryFor(now, ttl), updatedAt: now}
	return true, nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, errspkg.ErrClosed
	}

	now := m.clock.Now()
	item, ok := m.liveLocked(key, now)
	if !ok || !bytes.Equal(item.value, old) {
		return false, nil
	}
	expiresAt := item.expiresAt
	if ttl >= 0 {
		expiresAt = expiryFor(now, ttl)
	}
	m.items[key] = memoryItem{value: cloneBytes(value), expiresAt: expiresAt, updatedAt: now}
	return true, nil
}

func (m *MemoryStore) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, errspkg.ErrClosed
	}

	item, ok := m.liveLocked(key, m.clock.Now())
	if !ok || !bytes.Equal(item.value, old) {
		return false, nil
	}
	delete(m.items, key)
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errspkg.ErrClosed
	}
	delete(m.items, key)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errspkg.ErrClosed
	}

	now := m.clock.Now()
	keys := make([]string, 0)
	for key := range m.items {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, ok := m.liveLocked(key, now); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		records = append(records, m.items[key].record(key))
	}
	return records, nil
}

// Sweep removes expired entries and returns how many were dropped.
func (m *MemoryStore) Sweep(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	removed := 0
	for key, item := range m.items {
		if !item.expiresAt.IsZero() && !now.Before(item.expiresAt) {
			delete(m.items, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored entries, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.items = make(map[string]memoryItem)
	return nil
}

func (i memoryItem) record(key string) Record {
	return Record{
		Key:       key,
		Value:     cloneBytes(i.value),
		ExpiresAt: i.expiresAt,
		UpdatedAt: i.updatedAt,
	}
}

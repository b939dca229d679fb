package kv

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/sagaflow/internal/runtime/clock"
	loggingpkg "github.com/drblury/sagaflow/internal/runtime/logging"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// runStoreSuite exercises the Store contract against any backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T, c clock.Clock) Store) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t, clock.NewManual(epoch))
		_, found, err := s.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("put and get", func(t *testing.T) {
		c := clock.NewManual(epoch)
		s := newStore(t, c)
		require.NoError(t, s.Put(ctx, "a", []byte("1"), time.Minute))

		rec, found, err := s.Get(ctx, "a")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte("1"), rec.Value)
		assert.True(t, rec.ExpiresAt.Equal(epoch.Add(time.Minute)))
		assert.True(t, rec.UpdatedAt.Equal(epoch))
	})

	t.Run("empty value round trips", func(t *testing.T) {
		s := newStore(t, clock.NewManual(epoch))
		require.NoError(t, s.Put(ctx, "empty", nil, 0))
		rec, found, err := s.Get(ctx, "empty")
		require.NoError(t, err)
		require.True(t, found)
		assert.Empty(t, rec.Value)
	})

	t.Run("expired entries are absent", func(t *testing.T) {
		c := clock.NewManual(epoch)
		s := newStore(t, c)
		require.NoError(t, s.Put(ctx, "a", []byte("1"), time.Second))

		c.Advance(time.Second)
		_, found, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.False(t, found)

		created, err := s.PutIfAbsent(ctx, "a", []byte("2"), 0)
		require.NoError(t, err)
		assert.True(t, created, "expired entry must be replaceable")
	})

	t.Run("zero ttl never expires", func(t *testing.T) {
		c := clock.NewManual(epoch)
		s := newStore(t, c)
		require.NoError(t, s.Put(ctx, "a", []byte("1"), 0))
		c.Advance(24 * 365 * time.Hour)
		_, found, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.True(t, found)
	})

	t.Run("put if absent", func(t *testing.T) {
		s := newStore(t, clock.NewManual(epoch))
		created, err := s.PutIfAbsent(ctx, "k", []byte("first"), 0)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = s.PutIfAbsent(ctx, "k", []byte("second"), 0)
		require.NoError(t, err)
		assert.False(t, created)

		rec, _, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), rec.Value)
	})

	t.Run("compare and swap", func(t *testing.T) {
		c := clock.NewManual(epoch)
		s := newStore(t, c)
		require.NoError(t, s.Put(ctx, "k", []byte("v1"), time.Hour))

		swapped, err := s.CompareAndSwap(ctx, "k", []byte("other"), []byte("v2"), KeepTTL)
		require.NoError(t, err)
		assert.False(t, swapped)

		c.Advance(time.Minute)
		swapped, err = s.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2"), KeepTTL)
		require.NoError(t, err)
		assert.True(t, swapped)

		rec, _, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), rec.Value)
		assert.True(t, rec.ExpiresAt.Equal(epoch.Add(time.Hour)), "KeepTTL must keep expiry")

		swapped, err = s.CompareAndSwap(ctx, "k", []byte("v2"), []byte("v3"), time.Second)
		require.NoError(t, err)
		assert.True(t, swapped)
		rec, _, err = s.Get(ctx, "k")
		require.NoError(t, err)
		assert.True(t, rec.ExpiresAt.Equal(epoch.Add(time.Minute+time.Second)))

		swapped, err = s.CompareAndSwap(ctx, "absent", []byte("x"), []byte("y"), 0)
		require.NoError(t, err)
		assert.False(t, swapped)
	})

	t.Run("compare and delete", func(t *testing.T) {
		s := newStore(t, clock.NewManual(epoch))
		require.NoError(t, s.Put(ctx, "k", []byte("token-a"), 0))

		deleted, err := s.CompareAndDelete(ctx, "k", []byte("token-b"))
		require.NoError(t, err)
		assert.False(t, deleted)

		deleted, err = s.CompareAndDelete(ctx, "k", []byte("token-a"))
		require.NoError(t, err)
		assert.True(t, deleted)

		_, found, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s := newStore(t, clock.NewManual(epoch))
		require.NoError(t, s.Put(ctx, "k", []byte("v"), 0))
		require.NoError(t, s.Delete(ctx, "k"))
		require.NoError(t, s.Delete(ctx, "k"))
	})

	t.Run("list by prefix in key order", func(t *testing.T) {
		c := clock.NewManual(epoch)
		s := newStore(t, c)
		require.NoError(t, s.Put(ctx, "saga/b", []byte("b"), 0))
		require.NoError(t, s.Put(ctx, "saga/a", []byte("a"), 0))
		require.NoError(t, s.Put(ctx, "saga/c", []byte("c"), time.Second))
		require.NoError(t, s.Put(ctx, "saga_x", []byte("x"), 0))
		require.NoError(t, s.Put(ctx, "lock/a", []byte("l"), 0))
		c.Advance(2 * time.Second)

		records, err := s.List(ctx, "saga/", 0)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "saga/a", records[0].Key)
		assert.Equal(t, "saga/b", records[1].Key)

		limited, err := s.List(ctx, "saga", 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, "saga/a", limited[0].Key)
	})

	t.Run("sweep removes expired", func(t *testing.T) {
		c := clock.NewManual(epoch)
		s := newStore(t, c)
		sweeper, ok := s.(Sweeper)
		require.True(t, ok)

		require.NoError(t, s.Put(ctx, "short", []byte("1"), time.Second))
		require.NoError(t, s.Put(ctx, "long", []byte("2"), time.Hour))
		c.Advance(time.Minute)

		n, err := sweeper.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("concurrent put if absent has one winner", func(t *testing.T) {
		s := newStore(t, clock.Real{})
		var (
			wg      sync.WaitGroup
			winners atomic.Int32
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				created, err := s.PutIfAbsent(ctx, "race", []byte(fmt.Sprint(i)), time.Minute)
				assert.NoError(t, err)
				if created {
					winners.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), winners.Load())
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T, c clock.Clock) Store {
		s := NewMemoryStore(c)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	value := []byte("abc")
	require.NoError(t, s.Put(ctx, "k", value, 0))
	value[0] = 'z'

	rec, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), rec.Value)

	rec.Value[0] = 'y'
	again, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again.Value)
}

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemoryStore(nil)
	require.NoError(t, s.Close())
	_, _, err := s.Get(context.Background(), "k")
	assert.Error(t, err)
}

func TestMemoryStoreHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewMemoryStore(nil).Put(ctx, "k", nil, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Options{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, Options{Backend: "SQLite", SQLiteFile: ":memory:"})
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Options{Backend: "postgres"})
	assert.Error(t, err)

	_, err = Open(ctx, Options{Backend: "etcd"})
	assert.ErrorContains(t, err, "unknown backend")
}

func TestRunSweeperStopsWithContext(t *testing.T) {
	c := clock.NewManual(epoch)
	s := NewMemoryStore(c)
	require.NoError(t, s.Put(context.Background(), "k", []byte("v"), time.Millisecond))
	c.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunSweeper(ctx, s, 5*time.Millisecond, loggingpkg.NopLogger())
		close(done)
	}()

	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

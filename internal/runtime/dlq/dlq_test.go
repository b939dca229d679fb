package dlq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/sagaflow/internal/runtime/clock"
	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/event"
	"github.com/drblury/sagaflow/internal/runtime/kv"
	"github.com/drblury/sagaflow/internal/runtime/metadata"
)

func newTestStore(t *testing.T) (*Store, *clock.Manual) {
	t.Helper()
	c := clock.NewManual(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	backend := kv.NewMemoryStore(c)
	t.Cleanup(func() { _ = backend.Close() })
	return NewStore(backend, WithClock(c)), c
}

func TestTopicHelpers(t *testing.T) {
	assert.Equal(t, "orders.DLQ", Topic("orders"))
	assert.True(t, IsDeadLetterTopic("orders.DLQ"))
	assert.False(t, IsDeadLetterTopic("orders"))
}

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	s, c := newTestStore(t)

	ev := event.New("orders", []byte("x"), event.WithKey("o-1"))
	first, err := s.Record(ctx, Entry{OriginalTopic: "orders", OriginalEvent: &ev, Error: "boom", Attempts: 4})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.True(t, c.Now().Equal(first.FailedAt))

	c.Advance(time.Second)
	second, err := s.Record(ctx, Entry{OriginalTopic: "orders", RawPayload: []byte("garbage"), Error: "codec"})
	require.NoError(t, err)

	_, err = s.Record(ctx, Entry{OriginalTopic: "orders/eu", Error: "nested"})
	require.NoError(t, err)

	entries, err := s.List(ctx, "orders", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first.ID, entries[0].ID)
	assert.Equal(t, second.ID, entries[1].ID)
	require.NotNil(t, entries[0].OriginalEvent)
	assert.True(t, ev.Equal(*entries[0].OriginalEvent))
	assert.Equal(t, 4, entries[0].Attempts)
	assert.Equal(t, []byte("garbage"), entries[1].RawPayload)

	limited, err := s.List(ctx, "orders", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	n, err := s.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRecordRequiresTopic(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Record(context.Background(), Entry{})
	assert.ErrorIs(t, err, errspkg.ErrTopicRequired)
}

func TestGetDeleteAndPurge(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	entry, err := s.Record(ctx, Entry{OriginalTopic: "orders", Error: "boom"})
	require.NoError(t, err)
	_, err = s.Record(ctx, Entry{OriginalTopic: "orders", Error: "boom"})
	require.NoError(t, err)

	got, err := s.Get(ctx, "orders", entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "boom", got.Error)

	require.NoError(t, s.Delete(ctx, "orders", entry.ID))
	_, err = s.Get(ctx, "orders", entry.ID)
	assert.ErrorIs(t, err, errspkg.ErrNotFound)

	purged, err := s.Purge(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	n, err := s.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRetentionExpiresEntries(t *testing.T) {
	ctx := context.Background()
	c := clock.NewManual(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	s := NewStore(kv.NewMemoryStore(c), WithClock(c), WithRetention(time.Hour))

	_, err := s.Record(ctx, Entry{OriginalTopic: "orders", Error: "boom"})
	require.NoError(t, err)
	c.Advance(2 * time.Hour)

	n, err := s.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEntryEventRoundTrip(t *testing.T) {
	ev := event.New("orders", []byte("x"), event.WithKey("o-1"), event.WithTenant("t1"))
	entry := Entry{
		ID:            "01HZZZZZZZZZZZZZZZZZZZZZZZ",
		OriginalTopic: "orders",
		OriginalEvent: &ev,
		Error:         "boom",
		Attempts:      3,
		FailedAt:      time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}

	dead, err := entry.Event()
	require.NoError(t, err)
	assert.Equal(t, "orders.DLQ", dead.Topic)
	assert.Equal(t, "o-1", dead.Key, "dead letters keep the partition key")
	assert.Equal(t, "t1", dead.TenantID)
	assert.Equal(t, "orders", dead.Headers.Get(metadata.KeyOriginalTopic))

	decoded, err := EntryFromEvent(dead)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, decoded.ID)
	assert.Equal(t, 3, decoded.Attempts)
	require.NotNil(t, decoded.OriginalEvent)
	assert.True(t, ev.Equal(*decoded.OriginalEvent))

	_, err = EntryFromEvent(event.New("x", []byte("not json")))
	assert.ErrorIs(t, err, errspkg.ErrCodec)
}

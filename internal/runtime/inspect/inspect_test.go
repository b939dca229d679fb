package inspect

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/sagaflow/internal/runtime/dlq"
	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/idempotency"
	"github.com/drblury/sagaflow/internal/runtime/jsoncodec"
	"github.com/drblury/sagaflow/internal/runtime/kv"
	"github.com/drblury/sagaflow/internal/runtime/lock"
	"github.com/drblury/sagaflow/internal/runtime/operation"
	"github.com/drblury/sagaflow/internal/runtime/saga"
	"github.com/drblury/sagaflow/internal/runtime/stats"
)

type fixture struct {
	inspector  *Inspector
	idem       *idempotency.Store
	locks      *lock.Store
	deadLetter *dlq.Store
	sagas      *saga.Engine
	ops        *operation.Manager
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := kv.NewMemoryStore(nil)
	t.Cleanup(func() { _ = store.Close() })

	idem := idempotency.NewStore(store)
	locks := lock.NewStore(store)
	deadLetter := dlq.NewStore(store)
	engine, err := saga.NewEngine(store, locks, idem)
	require.NoError(t, err)
	ops, err := operation.NewManager(store, idem, operation.WithLocks(locks), operation.WithSagaEngine(engine))
	require.NoError(t, err)

	return fixture{
		inspector: New(Sources{
			Idempotency: idem,
			Sagas:       engine,
			Operations:  ops,
			DeadLetters: deadLetter,
			Locks:       locks,
			Handlers: func() []stats.HandlerInfo {
				return []stats.HandlerInfo{{Name: "billing:orders", Topic: "orders", Group: "billing", Stats: stats.NewHandlerStats(nil)}}
			},
			Runtime: func() stats.ResourceUsage { return stats.ResourceUsage{Goroutines: 7, Handlers: 1} },
			DeadLetterStats: func() stats.DeadLetters {
				return stats.DeadLetters{Pending: 2, Topics: map[string]stats.DeadLetterTopic{"orders": {Recorded: 3, Pending: 2}}}
			},
		}),
		idem:       idem,
		locks:      locks,
		deadLetter: deadLetter,
		sagas:      engine,
		ops:        ops,
	}
}

func get(t *testing.T, h http.Handler, path string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestInspectorReportsMissingSources(t *testing.T) {
	i := New(Sources{})
	ctx := context.Background()

	_, err := i.IdempotencyKeys(ctx, 0)
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)
	_, err = i.Sagas(ctx, 0)
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)
	_, err = i.Operation(ctx, "x")
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)
	_, err = i.DeadLetters(ctx, "orders", 0)
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)
	_, err = i.Locks(ctx)
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)
	_, err = i.Handlers()
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)
	_, err = i.Runtime()
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)
	_, err = i.DeadLetterStats()
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	rec := get(t, NewHandler(i, HandlerOptions{}), "/api/sagas")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestIdempotencyKeysEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.idem.Begin(ctx, idempotency.Record{Key: "k1", OperationType: "charge"}, time.Hour)
	require.NoError(t, err)
	_, _, err = f.idem.Finish(ctx, "k1", []byte(`{"ok":true}`), nil)
	require.NoError(t, err)

	h := NewHandler(f.inspector, HandlerOptions{})

	rec := get(t, h, "/api/idempotency-keys")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	records := decode[[]idempotency.Record](t, rec)
	require.Len(t, records, 1)
	assert.Equal(t, "k1", records[0].Key)
	assert.Equal(t, idempotency.StatusCompleted, records[0].Status)

	rec = get(t, h, "/api/idempotency-keys/k1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "charge", decode[idempotency.Record](t, rec).OperationType)

	rec = get(t, h, "/api/idempotency-keys/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSagaEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := saga.Definition{Name: "checkout", Steps: []saga.Step{{
		ID: "reserve",
		Forward: func(context.Context, saga.StepContext) ([]byte, error) {
			return []byte(`"r-1"`), nil
		},
	}}}
	_, err := f.sagas.Run(ctx, def, "saga-1", nil)
	require.NoError(t, err)

	h := NewHandler(f.inspector, HandlerOptions{})

	rec := get(t, h, "/api/sagas/saga-1")
	require.Equal(t, http.StatusOK, rec.Code)
	wf := decode[saga.Workflow](t, rec)
	assert.Equal(t, saga.StatusCompleted, wf.Status)
	require.Len(t, wf.Steps, 1)
	assert.Equal(t, saga.StepCompleted, wf.Steps[0].Status)

	rec = get(t, h, "/api/sagas?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]saga.Workflow](t, rec), 1)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/sagas/nope").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/sagas?limit=abc").Code)
}

func TestOperationEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.ops.Execute(ctx, operation.Request{Name: "send-email", IdempotencyKey: "email-1"},
		func(context.Context, operation.Operation) ([]byte, error) { return []byte(`"sent"`), nil })
	require.NoError(t, err)

	h := NewHandler(f.inspector, HandlerOptions{})

	rec := get(t, h, "/api/operations/"+res.Operation.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	op := decode[operation.Operation](t, rec)
	assert.Equal(t, operation.StatusCompleted, op.Status)
	assert.Equal(t, "email-1", op.IdempotencyKey)

	rec = get(t, h, "/api/operations")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]operation.Operation](t, rec), 1)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/operations/unknown").Code)
}

func TestDeadLettersLocksAndHandlers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.deadLetter.Record(ctx, dlq.Entry{OriginalTopic: "orders", Error: "boom", Attempts: 3})
	require.NoError(t, err)
	handle, ok, err := f.locks.AcquireLock(ctx, "orders/42", time.Minute, 0)
	require.NoError(t, err)
	require.True(t, ok)
	t.Cleanup(func() { _ = handle.Release(context.Background()) })

	h := NewHandler(f.inspector, HandlerOptions{})

	rec := get(t, h, "/api/dead-letters/orders")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]dlq.Entry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].Error)

	rec = get(t, h, "/api/locks")
	require.Equal(t, http.StatusOK, rec.Code)
	locks := decode[[]lock.Entry](t, rec)
	require.Len(t, locks, 1)
	assert.Equal(t, "orders/42", locks[0].Name)

	rec = get(t, h, "/api/handlers")
	require.Equal(t, http.StatusOK, rec.Code)
	handlers := decode[[]map[string]any](t, rec)
	require.Len(t, handlers, 1)
	assert.Equal(t, "billing:orders", handlers[0]["name"])
	assert.Contains(t, handlers[0], "stats")

	rec = get(t, h, "/api/runtime")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, decode[stats.ResourceUsage](t, rec).Goroutines)

	rec = get(t, h, "/api/dead-letter-stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(2), decode[stats.DeadLetters](t, rec).Topics["orders"].Pending)
}

func TestSnapshotViews(t *testing.T) {
	f := newFixture(t)

	handlers, err := f.inspector.Handlers()
	require.NoError(t, err)
	require.Len(t, handlers, 1)
	assert.Equal(t, "orders", handlers[0].Topic)
	assert.Zero(t, handlers[0].Stats.Snapshot().Attempts)

	usage, err := f.inspector.Runtime()
	require.NoError(t, err)
	assert.Equal(t, 1, usage.Handlers)

	dead, err := f.inspector.DeadLetterStats()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), dead.Topics["orders"].Recorded)
}

func TestCORS(t *testing.T) {
	i := New(Sources{Handlers: func() []stats.HandlerInfo { return nil }})

	tests := []struct {
		name    string
		origins []string
		origin  string
		want    string
	}{
		{name: "disabled", origins: nil, origin: "https://ui.example", want: ""},
		{name: "wildcard", origins: []string{"*"}, origin: "https://ui.example", want: "*"},
		{name: "listed", origins: []string{"https://UI.example"}, origin: "https://ui.example", want: "https://ui.example"},
		{name: "not listed", origins: []string{"https://other.example"}, origin: "https://ui.example", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(i, HandlerOptions{AllowedOrigins: tt.origins})
			rec := get(t, h, "/api/handlers", "Origin", tt.origin)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.want, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}

	t.Run("preflight", func(t *testing.T) {
		h := NewHandler(i, HandlerOptions{AllowedOrigins: []string{"*"}})
		req := httptest.NewRequest(http.MethodOptions, "/api/handlers", nil)
		req.Header.Set("Origin", "https://ui.example")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "GET, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	})
}

func TestInternalErrorsAreHidden(t *testing.T) {
	store := kv.NewMemoryStore(nil)
	idem := idempotency.NewStore(store)
	require.NoError(t, store.Close())

	h := NewHandler(New(Sources{Idempotency: idem}), HandlerOptions{})
	rec := get(t, h, "/api/idempotency-keys")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal Server Error", decode[map[string]string](t, rec)["error"])
}

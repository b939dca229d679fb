// Package operation tracks background operations and binds them to
// idempotency keys, so a repeated request replays the stored outcome instead
// of running the work again.
package operation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/drblury/sagaflow/internal/runtime/clock"
	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/event"
	"github.com/drblury/sagaflow/internal/runtime/idempotency"
	"github.com/drblury/sagaflow/internal/runtime/ids"
	"github.com/drblury/sagaflow/internal/runtime/jsoncodec"
	"github.com/drblury/sagaflow/internal/runtime/kv"
	"github.com/drblury/sagaflow/internal/runtime/lock"
	loggingpkg "github.com/drblury/sagaflow/internal/runtime/logging"
	"github.com/drblury/sagaflow/internal/runtime/saga"
)

const keyPrefix = "op/"

// maxCASAttempts bounds the read-modify-write loop of status transitions.
const maxCASAttempts = 16

// Status is the lifecycle state of an Operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the operation can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Operation is a tracked unit of background work.
type Operation struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Status         Status     `json:"status"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	SagaID         string     `json:"saga_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Result         []byte     `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Publisher is the part of the event channel the manager needs.
type Publisher interface {
	Publish(ctx context.Context, evt event.Event) error
}

// Manager creates and tracks operations.
type Manager struct {
	kv        kv.Store
	idem      *idempotency.Store
	locks     *lock.Store
	sagas     *saga.Engine
	publisher Publisher
	logger    loggingpkg.ServiceLogger
	clock     clock.Clock
	retention time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithLocks sets the lock store used for requests that name a lock. Without
// it a store sharing the manager's kv store is used.
func WithLocks(l *lock.Store) Option {
	return func(m *Manager) { m.locks = l }
}

// WithSagaEngine enables ExecuteSaga.
func WithSagaEngine(e *saga.Engine) Option {
	return func(m *Manager) { m.sagas = e }
}

// WithPublisher enables operation.completed and operation.failed events for
// requests that set a topic.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

func WithLogger(l loggingpkg.ServiceLogger) Option {
	return func(m *Manager) { m.logger = loggingpkg.ForComponent(l, "operation") }
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = clock.OrReal(c) }
}

// WithRetention expires operation records after d. Zero keeps them.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) { m.retention = d }
}

// NewManager builds a Manager persisting operations in store. idem may be nil.
func NewManager(store kv.Store, idem *idempotency.Store, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errspkg.ErrStoreRequired
	}
	m := &Manager{
		kv:     store,
		logger: loggingpkg.ForComponent(nil, "operation"),
		clock:  clock.Real{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if idem == nil {
		idem = idempotency.NewStore(store, idempotency.WithClock(m.clock))
	}
	if m.locks == nil {
		m.locks = lock.NewStore(store, lock.WithClock(m.clock), lock.WithLogger(m.logger))
	}
	m.idem = idem
	return m, nil
}

func storageKey(id string) string { return keyPrefix + id }

// StartOperation creates a pending operation. An empty id gets a fresh ULID;
// an id that already exists returns the stored operation unchanged.
func (m *Manager) StartOperation(ctx context.Context, name, id string) (Operation, error) {
	return m.start(ctx, name, id, "")
}

func (m *Manager) start(ctx context.Context, name, id, idemKey string) (Operation, error) {
	if name == "" {
		return Operation{}, errspkg.ErrNameRequired
	}
	now := m.clock.Now()
	if id == "" {
		id = ids.CreateULIDAt(now)
	}
	op := Operation{
		ID:             id,
		Name:           name,
		Status:         StatusPending,
		IdempotencyKey: idemKey,
		CreatedAt:      now,
	}
	raw, err := jsoncodec.Marshal(op)
	if err != nil {
		return Operation{}, fmt.Errorf("operation %s: encode: %w", id, err)
	}
	created, err := m.kv.PutIfAbsent(ctx, storageKey(id), raw, m.retention)
	if err != nil {
		return Operation{}, fmt.Errorf("operation %s: %w", id, err)
	}
	if !created {
		return m.GetOperation(ctx, id)
	}
	m.logger.Debug("Operation started", loggingpkg.LogFields{loggingpkg.FieldOperationID: id, "operation": name})
	return op, nil
}

// MarkRunning moves a pending operation to running. Other states are left
// alone.
func (m *Manager) MarkRunning(ctx context.Context, id string) (Operation, error) {
	return m.transition(ctx, id, func(op *Operation, now time.Time) bool {
		if op.Status != StatusPending {
			return false
		}
		op.Status = StatusRunning
		op.StartedAt = &now
		return true
	})
}

// CompleteOperation records result. It is a no-op when the operation is
// already terminal.
func (m *Manager) CompleteOperation(ctx context.Context, id string, result []byte) (Operation, error) {
	return m.finish(ctx, id, StatusCompleted, result, "")
}

// FailOperation records failure. It is a no-op when the operation is already
// terminal.
func (m *Manager) FailOperation(ctx context.Context, id string, failure error) (Operation, error) {
	msg := "unknown error"
	if failure != nil {
		msg = failure.Error()
	}
	return m.finish(ctx, id, StatusFailed, nil, msg)
}

// CancelOperation marks a non-terminal operation as cancelled.
func (m *Manager) CancelOperation(ctx context.Context, id string) (Operation, error) {
	return m.finish(ctx, id, StatusCancelled, nil, "")
}

func (m *Manager) finish(ctx context.Context, id string, status Status, result []byte, msg string) (Operation, error) {
	return m.transition(ctx, id, func(op *Operation, now time.Time) bool {
		if op.Status.Terminal() {
			return false
		}
		op.Status = status
		op.Result = result
		op.Error = msg
		op.CompletedAt = &now
		return true
	})
}

// transition applies change with compare-and-swap. change reports whether it
// modified the operation.
func (m *Manager) transition(ctx context.Context, id string, change func(op *Operation, now time.Time) bool) (Operation, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		rec, found, err := m.kv.Get(ctx, storageKey(id))
		if err != nil {
			return Operation{}, fmt.Errorf("operation %s: %w", id, err)
		}
		if !found {
			return Operation{}, fmt.Errorf("operation %s: %w", id, errspkg.ErrNotFound)
		}
		op, err := decode(rec.Value)
		if err != nil {
			return Operation{}, err
		}
		if !change(&op, m.clock.Now()) {
			return op, nil
		}
		raw, err := jsoncodec.Marshal(op)
		if err != nil {
			return Operation{}, fmt.Errorf("operation %s: encode: %w", id, err)
		}
		swapped, err := m.kv.CompareAndSwap(ctx, storageKey(id), rec.Value, raw, kv.KeepTTL)
		if err != nil {
			return Operation{}, fmt.Errorf("operation %s: %w", id, err)
		}
		if swapped {
			m.logger.Debug("Operation updated", loggingpkg.LogFields{loggingpkg.FieldOperationID: id, "status": string(op.Status)})
			return op, nil
		}
	}
	return Operation{}, fmt.Errorf("operation %s kept changing during update", id)
}

// GetOperation returns the stored operation.
func (m *Manager) GetOperation(ctx context.Context, id string) (Operation, error) {
	rec, found, err := m.kv.Get(ctx, storageKey(id))
	if err != nil {
		return Operation{}, fmt.Errorf("operation %s: %w", id, err)
	}
	if !found {
		return Operation{}, fmt.Errorf("operation %s: %w", id, errspkg.ErrNotFound)
	}
	return decode(rec.Value)
}

// ListOperations returns up to limit operations, most recent first.
func (m *Manager) ListOperations(ctx context.Context, limit int) ([]Operation, error) {
	records, err := m.kv.List(ctx, keyPrefix, 0)
	if err != nil {
		return nil, err
	}
	ops := make([]Operation, 0, len(records))
	for _, rec := range records {
		op, err := decode(rec.Value)
		if err != nil {
			m.logger.Error("Skipping undecodable operation", err, loggingpkg.LogFields{"key": rec.Key})
			continue
		}
		ops = append(ops, op)
	}
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].CreatedAt.Equal(ops[j].CreatedAt) {
			return ops[i].ID > ops[j].ID
		}
		return ops[i].CreatedAt.After(ops[j].CreatedAt)
	})
	if limit > 0 && len(ops) > limit {
		ops = ops[:limit]
	}
	return ops, nil
}

func decode(raw []byte) (Operation, error) {
	var op Operation
	if err := jsoncodec.Unmarshal(raw, &op); err != nil {
		return Operation{}, fmt.Errorf("operation: decode: %w", err)
	}
	return op, nil
}

// Package inspect exposes read-only views over the coordination state:
// idempotency keys, sagas, operations, dead letters, locks and consumer
// handlers. Nothing here mutates state.
package inspect

import (
	"context"
	"fmt"

	"github.com/drblury/sagaflow/internal/runtime/dlq"
	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/idempotency"
	"github.com/drblury/sagaflow/internal/runtime/lock"
	"github.com/drblury/sagaflow/internal/runtime/operation"
	"github.com/drblury/sagaflow/internal/runtime/saga"
	"github.com/drblury/sagaflow/internal/runtime/stats"
)

// DefaultLimit caps listings when the caller does not ask for a size.
const DefaultLimit = 100

// Sources are the stores an Inspector reads from. Nil sources make the
// related views report ErrConfigRequired.
type Sources struct {
	Idempotency *idempotency.Store
	Sagas       *saga.Engine
	Operations  *operation.Manager
	DeadLetters *dlq.Store
	Locks       *lock.Store
	// Handlers lists the registered consumer handlers.
	Handlers func() []stats.HandlerInfo
	// Runtime samples process resource usage.
	Runtime func() stats.ResourceUsage
	// DeadLetterStats returns per-topic dead letter counters.
	DeadLetterStats func() stats.DeadLetters
}

// Inspector answers read-only queries.
type Inspector struct {
	src Sources
}

// New returns an Inspector over src.
func New(src Sources) *Inspector {
	return &Inspector{src: src}
}

func notConfigured(view string) error {
	return fmt.Errorf("inspect %s: %w", view, errspkg.ErrConfigRequired)
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}

// IdempotencyKeys lists the most recent idempotency keys.
func (i *Inspector) IdempotencyKeys(ctx context.Context, limit int) ([]idempotency.Record, error) {
	if i.src.Idempotency == nil {
		return nil, notConfigured("idempotency keys")
	}
	return i.src.Idempotency.Records(ctx, limitOrDefault(limit))
}

// IdempotencyKey returns one key.
func (i *Inspector) IdempotencyKey(ctx context.Context, key string) (idempotency.Record, error) {
	if i.src.Idempotency == nil {
		return idempotency.Record{}, notConfigured("idempotency keys")
	}
	rec, found, err := i.src.Idempotency.Lookup(ctx, key)
	if err != nil {
		return idempotency.Record{}, err
	}
	if !found {
		return idempotency.Record{}, fmt.Errorf("idempotency key %q: %w", key, errspkg.ErrNotFound)
	}
	return rec, nil
}

// Saga returns the state and step history of one saga.
func (i *Inspector) Saga(ctx context.Context, id string) (saga.Workflow, error) {
	if i.src.Sagas == nil {
		return saga.Workflow{}, notConfigured("sagas")
	}
	return i.src.Sagas.Get(ctx, id)
}

// Sagas lists the most recent sagas.
func (i *Inspector) Sagas(ctx context.Context, limit int) ([]saga.Workflow, error) {
	if i.src.Sagas == nil {
		return nil, notConfigured("sagas")
	}
	return i.src.Sagas.List(ctx, limitOrDefault(limit))
}

// Operation returns one operation.
func (i *Inspector) Operation(ctx context.Context, id string) (operation.Operation, error) {
	if i.src.Operations == nil {
		return operation.Operation{}, notConfigured("operations")
	}
	return i.src.Operations.GetOperation(ctx, id)
}

// Operations lists the most recent operations.
func (i *Inspector) Operations(ctx context.Context, limit int) ([]operation.Operation, error) {
	if i.src.Operations == nil {
		return nil, notConfigured("operations")
	}
	return i.src.Operations.ListOperations(ctx, limitOrDefault(limit))
}

// DeadLetters lists dead letters recorded for topic.
func (i *Inspector) DeadLetters(ctx context.Context, topic string, limit int) ([]dlq.Entry, error) {
	if i.src.DeadLetters == nil {
		return nil, notConfigured("dead letters")
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	return i.src.DeadLetters.List(ctx, topic, limitOrDefault(limit))
}

// Locks lists the live lock leases.
func (i *Inspector) Locks(ctx context.Context) ([]lock.Entry, error) {
	if i.src.Locks == nil {
		return nil, notConfigured("locks")
	}
	return i.src.Locks.List(ctx)
}

// Handlers returns the registered consumer handlers with their statistics.
func (i *Inspector) Handlers() ([]stats.HandlerInfo, error) {
	if i.src.Handlers == nil {
		return nil, notConfigured("handlers")
	}
	return i.src.Handlers(), nil
}

// Runtime returns the process resource usage.
func (i *Inspector) Runtime() (stats.ResourceUsage, error) {
	if i.src.Runtime == nil {
		return stats.ResourceUsage{}, notConfigured("runtime")
	}
	return i.src.Runtime(), nil
}

// DeadLetterStats returns the dead letter counters per topic.
func (i *Inspector) DeadLetterStats() (stats.DeadLetters, error) {
	if i.src.DeadLetterStats == nil {
		return stats.DeadLetters{}, notConfigured("dead letter stats")
	}
	return i.src.DeadLetterStats(), nil
}

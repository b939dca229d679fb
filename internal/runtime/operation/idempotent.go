package operation

import (
	"context"
	"errors"
	"fmt"
	"time"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/event"
	"github.com/drblury/sagaflow/internal/runtime/idempotency"
	"github.com/drblury/sagaflow/internal/runtime/ids"
	"github.com/drblury/sagaflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/sagaflow/internal/runtime/logging"
	"github.com/drblury/sagaflow/internal/runtime/metadata"
	"github.com/drblury/sagaflow/internal/runtime/saga"
)

// Event types published on Request.Topic.
const (
	EventCompleted = "operation.completed"
	EventFailed    = "operation.failed"
)

const (
	DefaultLockTTL     = 30 * time.Second
	DefaultLockTimeout = 10 * time.Second
)

// KeyRequest identifies a request for CreateIdempotencyKey.
type KeyRequest struct {
	TenantID      string
	UserID        string
	OperationType string
	Parameters    any
	// Key is used verbatim when set; otherwise it is derived from the other
	// fields.
	Key string
	TTL time.Duration
}

func (r KeyRequest) resolve() (string, error) {
	if r.Key != "" {
		return r.Key, nil
	}
	if r.OperationType == "" {
		return "", errspkg.ErrNameRequired
	}
	return idempotency.DeriveKey(r.TenantID, r.UserID, r.OperationType, r.Parameters)
}

// CreateIdempotencyKey registers a pending key for the request. When the key
// already exists, pending or terminal, the stored record is returned and
// nothing is overwritten.
func (m *Manager) CreateIdempotencyKey(ctx context.Context, req KeyRequest) (idempotency.Record, error) {
	key, err := req.resolve()
	if err != nil {
		return idempotency.Record{}, err
	}
	rec, _, err := m.idem.Begin(ctx, idempotency.Record{
		Key:           key,
		TenantID:      req.TenantID,
		UserID:        req.UserID,
		OperationType: req.OperationType,
	}, req.TTL)
	return rec, err
}

// CheckIdempotency returns the record for key, or nil when there is none.
func (m *Manager) CheckIdempotency(ctx context.Context, key string) (*idempotency.Record, error) {
	rec, found, err := m.idem.Lookup(ctx, key)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

// CompleteIdempotentOperation writes the terminal state of key. Exactly one
// call wins; later calls return false and leave the stored outcome intact.
func (m *Manager) CompleteIdempotentOperation(ctx context.Context, key string, result []byte, failure error) (bool, error) {
	_, won, err := m.idem.Finish(ctx, key, result, failure)
	if err != nil {
		return false, err
	}
	if won {
		m.logger.Debug("Idempotency key completed", loggingpkg.LogFields{loggingpkg.FieldIdemKey: key, "failed": failure != nil})
	}
	return won, nil
}

// Request describes an idempotent operation run by Execute.
type Request struct {
	Name       string
	TenantID   string
	UserID     string
	Parameters any
	// IdempotencyKey is used verbatim when set.
	IdempotencyKey string
	KeyTTL         time.Duration
	// OperationID is generated when empty.
	OperationID string
	// LockName serialises executions that share it.
	LockName    string
	LockTTL     time.Duration
	LockTimeout time.Duration
	// Topic receives operation.completed / operation.failed when set.
	Topic string
}

// Func is the work behind an operation.
type Func func(ctx context.Context, op Operation) ([]byte, error)

// Result is what Execute reports.
type Result struct {
	Operation Operation
	Record    idempotency.Record
	// Replayed is true when the outcome came from an earlier execution.
	Replayed bool
}

// Execute runs fn at most once per idempotency key. A key that already
// completed replays its stored result; a failed key replays its error; a key
// still pending yields ErrAlreadyInProgress.
func (m *Manager) Execute(ctx context.Context, req Request, fn Func) (Result, error) {
	if fn == nil {
		return Result{}, errspkg.ErrHandlerRequired
	}
	return m.execute(ctx, req, "", fn)
}

// ExecuteSaga runs def through the saga engine as an idempotent operation. The
// saga id is the operation id, so a retried request resumes the same saga.
func (m *Manager) ExecuteSaga(ctx context.Context, req Request, def saga.Definition, input []byte) (Result, error) {
	if m.sagas == nil {
		return Result{}, fmt.Errorf("operation: saga engine: %w", errspkg.ErrConfigRequired)
	}
	if err := def.Validate(); err != nil {
		return Result{}, err
	}
	if req.Name == "" {
		req.Name = def.Name
	}
	return m.execute(ctx, req, "saga", func(ctx context.Context, op Operation) ([]byte, error) {
		wf, err := m.sagas.Run(ctx, def, op.ID, input)
		if err != nil {
			return nil, err
		}
		return jsoncodec.Marshal(wf.Results())
	})
}

func (m *Manager) execute(ctx context.Context, req Request, kind string, fn Func) (Result, error) {
	key, err := KeyRequest{
		TenantID:      req.TenantID,
		UserID:        req.UserID,
		OperationType: req.Name,
		Parameters:    req.Parameters,
		Key:           req.IdempotencyKey,
	}.resolve()
	if err != nil {
		return Result{}, err
	}
	if req.Name == "" {
		return Result{}, errspkg.ErrNameRequired
	}

	opID := req.OperationID
	if opID == "" {
		opID = ids.CreateULIDAt(m.clock.Now())
	}
	fields := loggingpkg.LogFields{loggingpkg.FieldIdemKey: key, "operation": req.Name}

	rec, created, err := m.idem.Begin(ctx, idempotency.Record{
		Key:           key,
		TenantID:      req.TenantID,
		UserID:        req.UserID,
		OperationType: req.Name,
		OperationID:   opID,
	}, req.KeyTTL)
	if err != nil {
		return Result{}, err
	}
	if !created {
		return m.replay(ctx, rec, fields)
	}

	op, err := m.start(ctx, req.Name, opID, key)
	if err != nil {
		m.abandon(ctx, key, fields)
		return Result{}, err
	}
	if kind == "saga" {
		op, err = m.transition(ctx, op.ID, func(o *Operation, _ time.Time) bool {
			o.SagaID = o.ID
			return true
		})
		if err != nil {
			m.abandon(ctx, key, fields)
			return Result{}, err
		}
	}
	if op, err = m.MarkRunning(ctx, op.ID); err != nil {
		m.abandon(ctx, key, fields)
		return Result{}, err
	}

	var result []byte
	run := func(ctx context.Context) error {
		var runErr error
		result, runErr = invoke(ctx, fn, op)
		return runErr
	}
	if req.LockName != "" {
		err = m.locks.WithLock(ctx, req.LockName, orDefault(req.LockTTL, DefaultLockTTL), orDefault(req.LockTimeout, DefaultLockTimeout), run)
	} else {
		err = run(ctx)
	}

	done := context.WithoutCancel(ctx)
	if errors.Is(err, errspkg.ErrLockTimeout) {
		// nothing ran, so the request may be retried under the same key
		m.abandon(ctx, key, fields)
		return Result{Operation: m.settle(done, op, nil, err, fields)}, err
	}

	op = m.settle(done, op, result, err, fields)
	rec, _, ferr := m.idem.Finish(done, key, result, err)
	if ferr != nil {
		m.logger.Error("Recording idempotent outcome failed", ferr, fields.With(loggingpkg.FieldOperationID, op.ID))
	}
	m.publish(done, req.Topic, op, key, result, err)

	if err != nil {
		m.logger.Error("Operation failed", err, fields.With(loggingpkg.FieldOperationID, op.ID))
	} else {
		m.logger.Info("Operation completed", fields.With(loggingpkg.FieldOperationID, op.ID))
	}
	return Result{Operation: op, Record: rec}, err
}

func (m *Manager) replay(ctx context.Context, rec idempotency.Record, fields loggingpkg.LogFields) (Result, error) {
	res := Result{Record: rec, Replayed: true}
	if rec.OperationID != "" {
		if op, err := m.GetOperation(ctx, rec.OperationID); err == nil {
			res.Operation = op
		}
	}
	switch rec.Status {
	case idempotency.StatusCompleted:
		m.logger.Debug("Replaying completed operation", fields)
		return res, nil
	case idempotency.StatusFailed:
		m.logger.Debug("Replaying failed operation", fields)
		return res, fmt.Errorf("operation %s failed earlier: %s", rec.OperationID, rec.Error)
	default:
		res.Replayed = false
		return res, fmt.Errorf("idempotency key %q: %w", rec.Key, errspkg.ErrAlreadyInProgress)
	}
}

// settle persists the terminal status of op. When that write fails op is
// returned as last stored.
func (m *Manager) settle(ctx context.Context, op Operation, result []byte, failure error, fields loggingpkg.LogFields) Operation {
	var (
		settled Operation
		err     error
	)
	if failure != nil {
		settled, err = m.FailOperation(ctx, op.ID, failure)
	} else {
		settled, err = m.CompleteOperation(ctx, op.ID, result)
	}
	if err != nil {
		m.logger.Error("Recording operation status failed", err, fields.With(loggingpkg.FieldOperationID, op.ID))
		return op
	}
	return settled
}

// abandon drops a pending key whose work never started.
func (m *Manager) abandon(ctx context.Context, key string, fields loggingpkg.LogFields) {
	if err := m.idem.Delete(context.WithoutCancel(ctx), key); err != nil {
		m.logger.Error("Releasing idempotency key failed", err, fields)
	}
}

// OutcomeEvent is the payload of operation.completed and operation.failed.
type OutcomeEvent struct {
	Type           string    `json:"type"`
	OperationID    string    `json:"operation_id"`
	Name           string    `json:"name"`
	Status         Status    `json:"status"`
	IdempotencyKey string    `json:"idempotency_key"`
	Result         []byte    `json:"result,omitempty"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

func (m *Manager) publish(ctx context.Context, topic string, op Operation, key string, result []byte, failure error) {
	if topic == "" || m.publisher == nil {
		return
	}
	outcome := OutcomeEvent{
		Type:           EventCompleted,
		OperationID:    op.ID,
		Name:           op.Name,
		Status:         StatusCompleted,
		IdempotencyKey: key,
		Result:         result,
		Timestamp:      m.clock.Now(),
	}
	if failure != nil {
		outcome.Type, outcome.Status = EventFailed, StatusFailed
		outcome.Result, outcome.Error = nil, failure.Error()
	}
	eventType := outcome.Type
	payload, err := jsoncodec.Marshal(outcome)
	if err != nil {
		m.logger.Error("Encoding operation event failed", err, loggingpkg.LogFields{loggingpkg.FieldOperationID: op.ID})
		return
	}
	evt := event.New(topic, payload, event.WithKey(op.ID), event.WithHeader(metadata.KeyEventType, eventType))
	if err := m.publisher.Publish(ctx, evt); err != nil {
		m.logger.Error("Publishing operation event failed", err, loggingpkg.LogFields{loggingpkg.FieldOperationID: op.ID, loggingpkg.FieldTopic: topic})
	}
}

func invoke(ctx context.Context, fn Func, op Operation) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, op)
}

func orDefault(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}

package saga

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/sagaflow/internal/runtime/clock"
	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/event"
	"github.com/drblury/sagaflow/internal/runtime/idempotency"
	"github.com/drblury/sagaflow/internal/runtime/ids"
	"github.com/drblury/sagaflow/internal/runtime/jsoncodec"
	"github.com/drblury/sagaflow/internal/runtime/kv"
	"github.com/drblury/sagaflow/internal/runtime/lock"
	loggingpkg "github.com/drblury/sagaflow/internal/runtime/logging"
	"github.com/drblury/sagaflow/internal/runtime/metadata"
)

const (
	keyPrefix  = "saga/"
	tracerName = "github.com/drblury/sagaflow/saga"

	phaseForward    = "forward"
	phaseCompensate = "compensate"
)

const (
	DefaultLockTTL             = 30 * time.Second
	DefaultLockTimeout         = 10 * time.Second
	DefaultCompensationTimeout = time.Minute
)

// Lifecycle event types. Each is published on the topic of the same name,
// keyed by saga id.
const (
	EventStarted       = "saga.started"
	EventStepCompleted = "saga.step.completed"
	EventStepFailed    = "saga.step.failed"
	EventCompleted     = "saga.completed"
	EventCompensated   = "saga.compensated"
)

// Publisher is the part of the event channel the engine needs.
type Publisher interface {
	Publish(ctx context.Context, evt event.Event) error
}

// LifecycleEvent is the payload of the saga lifecycle events.
type LifecycleEvent struct {
	Type      string    `json:"type"`
	SagaID    string    `json:"saga_id"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	StepID    string    `json:"step_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Engine runs saga definitions and persists their progress.
type Engine struct {
	kv        kv.Store
	locks     *lock.Store
	idem      *idempotency.Store
	publisher Publisher
	logger    loggingpkg.ServiceLogger
	clock     clock.Clock

	lockTTL             time.Duration
	lockTimeout         time.Duration
	compensationTimeout time.Duration
	stepKeyTTL          time.Duration
	retention           time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher enables lifecycle events.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithLogger(l loggingpkg.ServiceLogger) Option {
	return func(e *Engine) { e.logger = loggingpkg.ForComponent(l, "saga") }
}

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = clock.OrReal(c) }
}

// WithLockTTL sets the lease of the per-saga lock. The lease is renewed while
// the saga runs.
func WithLockTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.lockTTL = ttl
		}
	}
}

// WithLockTimeout bounds how long Run waits for a saga locked elsewhere.
func WithLockTimeout(timeout time.Duration) Option {
	return func(e *Engine) { e.lockTimeout = timeout }
}

func WithCompensationTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.compensationTimeout = timeout
		}
	}
}

// WithStepKeyTTL sets how long step idempotency keys are kept. It must
// outlive the longest expected gap between a crash and the resume.
func WithStepKeyTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.stepKeyTTL = ttl }
}

// WithRetention expires persisted workflows after d. Zero keeps them.
func WithRetention(d time.Duration) Option {
	return func(e *Engine) { e.retention = d }
}

// NewEngine builds an Engine over store. locks and idem may be nil, in which
// case stores sharing store are created.
func NewEngine(store kv.Store, locks *lock.Store, idem *idempotency.Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errspkg.ErrStoreRequired
	}
	e := &Engine{
		kv:                  store,
		logger:              loggingpkg.ForComponent(nil, "saga"),
		clock:               clock.Real{},
		lockTTL:             DefaultLockTTL,
		lockTimeout:         DefaultLockTimeout,
		compensationTimeout: DefaultCompensationTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if locks == nil {
		locks = lock.NewStore(store, lock.WithClock(e.clock), lock.WithLogger(e.logger))
	}
	if idem == nil {
		idem = idempotency.NewStore(store, idempotency.WithClock(e.clock))
	}
	e.locks = locks
	e.idem = idem
	return e, nil
}

func storageKey(id string) string { return keyPrefix + id }

// LockName is the name of the lock that serialises runs of saga id.
func LockName(id string) string { return "saga/" + id }

// Run executes def as saga id with input. An empty id gets a fresh ULID. If
// the saga already exists it is resumed, or returned unchanged when it has
// already finished. The returned error is a StepExecutionError when the saga
// was compensated.
func (e *Engine) Run(ctx context.Context, def Definition, id string, input []byte) (Workflow, error) {
	if err := def.Validate(); err != nil {
		return Workflow{}, err
	}
	if id == "" {
		id = ids.CreateULIDAt(e.clock.Now())
	}
	return e.execute(ctx, def, id, input, true)
}

// Resume continues a persisted saga. ErrNotFound is returned for unknown ids.
func (e *Engine) Resume(ctx context.Context, def Definition, id string) (Workflow, error) {
	if err := def.Validate(); err != nil {
		return Workflow{}, err
	}
	if id == "" {
		return Workflow{}, errspkg.ErrKeyRequired
	}
	return e.execute(ctx, def, id, nil, false)
}

// Get returns the persisted workflow of saga id.
func (e *Engine) Get(ctx context.Context, id string) (Workflow, error) {
	wf, found, err := e.load(ctx, id)
	if err != nil {
		return Workflow{}, err
	}
	if !found {
		return Workflow{}, fmt.Errorf("saga %s: %w", id, errspkg.ErrNotFound)
	}
	return wf, nil
}

// List returns up to limit workflows, most recently created first.
func (e *Engine) List(ctx context.Context, limit int) ([]Workflow, error) {
	records, err := e.kv.List(ctx, keyPrefix, 0)
	if err != nil {
		return nil, err
	}
	out := make([]Workflow, 0, len(records))
	for _, rec := range records {
		var wf Workflow
		if err := jsoncodec.Unmarshal(rec.Value, &wf); err != nil {
			e.logger.Error("Skipping undecodable saga", err, loggingpkg.LogFields{"key": rec.Key})
			continue
		}
		out = append(out, wf)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (e *Engine) execute(ctx context.Context, def Definition, id string, input []byte, create bool) (Workflow, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "saga.Run")
	span.SetAttributes(attribute.String("saga.id", id), attribute.String("saga.name", def.Name))
	defer span.End()

	handle, acquired, err := e.locks.AcquireLock(ctx, LockName(id), e.lockTTL, e.lockTimeout)
	if err != nil {
		return Workflow{}, err
	}
	if !acquired {
		return Workflow{}, fmt.Errorf("saga %s: %w", id, errspkg.ErrLockTimeout)
	}
	stop := handle.KeepAlive(context.WithoutCancel(ctx))
	defer func() {
		stop()
		if err := handle.Release(context.WithoutCancel(ctx)); err != nil {
			e.logger.Error("Releasing saga lock failed", err, loggingpkg.LogFields{loggingpkg.FieldSagaID: id})
		}
	}()

	wf, found, err := e.load(ctx, id)
	if err != nil {
		return Workflow{}, err
	}
	if !found {
		if !create {
			return Workflow{}, fmt.Errorf("saga %s: %w", id, errspkg.ErrNotFound)
		}
		wf = newWorkflow(def, id, input, e.clock.Now())
		if err := e.persist(ctx, &wf); err != nil {
			return Workflow{}, err
		}
	} else {
		if err := wf.matches(def); err != nil {
			return Workflow{}, err
		}
		if wf.Status.Terminal() {
			return wf, wf.Err()
		}
		e.logger.Info("Resuming saga", e.fields(&wf, nil))
	}

	wf.Attempt++
	err = e.drive(ctx, def, &wf)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return wf, err
}

// drive moves wf forward until it reaches a terminal status. It returns the
// step failure that caused compensation, or a persistence failure.
func (e *Engine) drive(ctx context.Context, def Definition, wf *Workflow) error {
	var failure error
	if wf.Status == StatusPending || wf.Status == StatusRunning {
		if wf.Status == StatusPending {
			e.publish(ctx, EventStarted, wf, "", "")
			e.logger.Info("Saga started", e.fields(wf, nil))
		}
		wf.Status = StatusRunning
		if err := e.persist(ctx, wf); err != nil {
			return err
		}

		for wf.CurrentStep < len(def.Steps) {
			i := wf.CurrentStep
			stepErr, err := e.runStep(ctx, def.Steps[i], wf, i)
			if err != nil {
				return err
			}
			if stepErr != nil {
				wf.Status = StatusFailed
				wf.FailedStep = def.Steps[i].ID
				wf.Error = stepErr.Cause.Error()
				failure = stepErr
				if err := e.persist(ctx, wf); err != nil {
					return err
				}
				e.publish(ctx, EventStepFailed, wf, def.Steps[i].ID, wf.Error)
				e.logger.Error("Saga step failed", stepErr, e.fields(wf, &wf.Steps[i]))
				break
			}
			wf.CurrentStep++
			if err := e.persist(ctx, wf); err != nil {
				return err
			}
			e.publish(ctx, EventStepCompleted, wf, def.Steps[i].ID, "")
		}

		if wf.Status == StatusRunning {
			now := e.clock.Now()
			wf.Status = StatusCompleted
			wf.CompletedAt = &now
			if err := e.persist(ctx, wf); err != nil {
				return err
			}
			e.publish(ctx, EventCompleted, wf, "", "")
			e.logger.Info("Saga completed", e.fields(wf, nil))
			return nil
		}
	}

	if err := e.compensate(ctx, def, wf); err != nil {
		return err
	}
	if failure != nil {
		return failure
	}
	return wf.Err()
}

// runStep executes the forward action of step i under its retry policy. The
// first return value is the step failure, the second a persistence failure.
func (e *Engine) runStep(ctx context.Context, step Step, wf *Workflow, i int) (*errspkg.StepExecutionError, error) {
	st := &wf.Steps[i]
	now := e.clock.Now()
	st.Status = StepRunning
	st.Error = ""
	if st.StartedAt == nil {
		st.StartedAt = &now
	}
	if err := e.persist(ctx, wf); err != nil {
		return nil, err
	}

	bo := step.Retry.newBackOff()
	maxAttempts := step.Retry.attempts()
	var lastErr error
attempts:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		st.Attempts = attempt
		result, err := e.attemptStep(ctx, step, wf, attempt)
		if err == nil {
			finished := e.clock.Now()
			st.Status = StepCompleted
			st.Result = result
			st.FinishedAt = &finished
			return nil, nil
		}
		lastErr = err
		if attempt == maxAttempts || !retryable(err) {
			break
		}

		wait := bo.NextBackOff()
		e.logger.Debug("Saga step attempt failed, retrying", e.fields(wf, st).With("error", err.Error()).With("retry_in", wait.String()))
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			break attempts
		case <-e.clock.After(wait):
		}
	}

	finished := e.clock.Now()
	st.Status = StepFailed
	st.Error = lastErr.Error()
	st.FinishedAt = &finished
	return &errspkg.StepExecutionError{SagaID: wf.ID, StepID: step.ID, Attempt: st.Attempts, Cause: lastErr}, nil
}

func (e *Engine) attemptStep(ctx context.Context, step Step, wf *Workflow, attempt int) ([]byte, error) {
	key := idempotency.StepKey(wf.ID, step.ID, phaseForward, attempt)
	rec, created, err := e.idem.Begin(ctx, idempotency.Record{
		Key:           key,
		OperationType: "saga.step." + phaseForward,
		OperationID:   wf.ID,
	}, e.stepKeyTTL)
	if err != nil {
		return nil, err
	}
	if !created {
		switch rec.Status {
		case idempotency.StatusCompleted:
			e.logger.Debug("Saga step already applied, reusing result", e.fields(wf, nil).With(loggingpkg.FieldStepID, step.ID))
			return rec.Result, nil
		case idempotency.StatusFailed:
			return nil, errors.New(rec.Error)
		}
		// a pending key is left over from an interrupted run; we hold the
		// saga lock so nobody else is executing it
	}

	runCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}
	sc := StepContext{SagaID: wf.ID, StepID: step.ID, Attempt: attempt, Input: wf.Input, Results: wf.Results()}
	result, err := e.invoke(runCtx, "saga.Step", step, phaseForward, step.Forward, sc)

	if _, _, ferr := e.idem.Finish(context.WithoutCancel(ctx), key, result, err); ferr != nil {
		e.logger.Error("Recording saga step outcome failed", ferr, e.fields(wf, nil).With(loggingpkg.FieldIdemKey, key))
	}
	return result, err
}

// compensate unwinds every completed step in reverse order. Compensation
// failures are recorded on the step and never stop the unwinding.
func (e *Engine) compensate(ctx context.Context, def Definition, wf *Workflow) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.compensationTimeout)
	defer cancel()

	wf.Status = StatusCompensating
	if err := e.persist(cctx, wf); err != nil {
		return err
	}
	e.logger.Info("Compensating saga", e.fields(wf, nil).With("failed_step", wf.FailedStep))

	for i := len(wf.Steps) - 1; i >= 0; i-- {
		st := &wf.Steps[i]
		if st.Status != StepCompleted {
			continue
		}
		step := def.Steps[i]
		if step.Compensate == nil {
			st.CompensationSkipped = true
		} else if err := e.compensateStep(cctx, step, wf); err != nil {
			st.CompensationError = err.Error()
			e.logger.Error("Saga compensation failed", &errspkg.CompensationError{SagaID: wf.ID, StepID: step.ID, Cause: err}, e.fields(wf, st))
		}
		st.Status = StepCompensated
		if err := e.persist(cctx, wf); err != nil {
			return err
		}
	}

	now := e.clock.Now()
	wf.Status = StatusCompensated
	wf.CompletedAt = &now
	if err := e.persist(cctx, wf); err != nil {
		return err
	}
	e.publish(cctx, EventCompensated, wf, wf.FailedStep, wf.Error)
	e.logger.Info("Saga compensated", e.fields(wf, nil))
	return nil
}

func (e *Engine) compensateStep(ctx context.Context, step Step, wf *Workflow) error {
	key := idempotency.StepKey(wf.ID, step.ID, phaseCompensate, 1)
	rec, created, err := e.idem.Begin(ctx, idempotency.Record{
		Key:           key,
		OperationType: "saga.step." + phaseCompensate,
		OperationID:   wf.ID,
	}, e.stepKeyTTL)
	if err != nil {
		return err
	}
	if !created {
		switch rec.Status {
		case idempotency.StatusCompleted:
			return nil
		case idempotency.StatusFailed:
			return errors.New(rec.Error)
		}
	}

	sc := StepContext{SagaID: wf.ID, StepID: step.ID, Attempt: 1, Input: wf.Input, Results: wf.Results()}
	result, err := e.invoke(ctx, "saga.Compensate", step, phaseCompensate, step.Compensate, sc)
	if _, _, ferr := e.idem.Finish(context.WithoutCancel(ctx), key, result, err); ferr != nil {
		e.logger.Error("Recording compensation outcome failed", ferr, e.fields(wf, nil).With(loggingpkg.FieldIdemKey, key))
	}
	return err
}

func (e *Engine) invoke(ctx context.Context, spanName string, step Step, phase string, action Action, sc StepContext) (result []byte, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName)
	span.SetAttributes(
		attribute.String("saga.id", sc.SagaID),
		attribute.String("saga.step", step.ID),
		attribute.String("saga.phase", phase),
		attribute.Int("saga.attempt", sc.Attempt),
	)
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return action(ctx, sc)
}

func retryable(err error) bool {
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	return errspkg.IsRetryable(err)
}

func (e *Engine) load(ctx context.Context, id string) (Workflow, bool, error) {
	rec, found, err := e.kv.Get(ctx, storageKey(id))
	if err != nil || !found {
		return Workflow{}, false, err
	}
	var wf Workflow
	if err := jsoncodec.Unmarshal(rec.Value, &wf); err != nil {
		return Workflow{}, false, fmt.Errorf("saga %s: decode workflow: %w", id, err)
	}
	return wf, true, nil
}

// persist always writes, even after ctx was cancelled, so a run never stays
// stuck in an intermediate status because its caller went away.
func (e *Engine) persist(ctx context.Context, wf *Workflow) error {
	wf.UpdatedAt = e.clock.Now()
	raw, err := jsoncodec.Marshal(wf)
	if err != nil {
		return fmt.Errorf("saga %s: encode workflow: %w", wf.ID, err)
	}
	if err := e.kv.Put(context.WithoutCancel(ctx), storageKey(wf.ID), raw, e.retention); err != nil {
		return fmt.Errorf("saga %s: persist: %w", wf.ID, err)
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, eventType string, wf *Workflow, stepID, errMsg string) {
	if e.publisher == nil {
		return
	}
	payload, err := jsoncodec.Marshal(LifecycleEvent{
		Type:      eventType,
		SagaID:    wf.ID,
		Name:      wf.Name,
		Status:    wf.Status,
		StepID:    stepID,
		Error:     errMsg,
		Timestamp: e.clock.Now(),
	})
	if err != nil {
		e.logger.Error("Encoding saga event failed", err, e.fields(wf, nil))
		return
	}
	evt := event.New(eventType, payload,
		event.WithKey(wf.ID),
		event.WithHeader(metadata.KeyEventType, eventType),
		event.WithHeader("saga_name", wf.Name))
	if err := e.publisher.Publish(context.WithoutCancel(ctx), evt); err != nil {
		e.logger.Error("Publishing saga event failed", err, e.fields(wf, nil).With("event_type", eventType))
	}
}

func (e *Engine) fields(wf *Workflow, st *StepState) loggingpkg.LogFields {
	f := loggingpkg.LogFields{
		loggingpkg.FieldSagaID: wf.ID,
		"saga":                 wf.Name,
		"status":               string(wf.Status),
	}
	if st != nil {
		f[loggingpkg.FieldStepID] = st.ID
		f[loggingpkg.FieldAttempt] = st.Attempts
	}
	return f
}

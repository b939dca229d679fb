// Package saga runs multi-step workflows with forward actions and
// compensating rollback. Every step runs under an idempotency key, so a saga
// resumed after a crash never re-applies a step that already completed.
package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/jsoncodec"
)

// Status is the state of a saga workflow.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompensated
}

// StepStatus is the state of a single step.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// StepContext is what an action sees of the saga it runs in.
type StepContext struct {
	SagaID  string
	StepID  string
	Attempt int
	Input   []byte
	// Results holds the results of the steps completed so far, by step id.
	Results map[string][]byte
}

// Result returns the stored result of a completed step.
func (sc StepContext) Result(stepID string) []byte {
	return sc.Results[stepID]
}

// DecodeInput unmarshals the saga input JSON into v.
func (sc StepContext) DecodeInput(v any) error {
	if len(sc.Input) == 0 {
		return fmt.Errorf("saga %s: no input", sc.SagaID)
	}
	return jsoncodec.Unmarshal(sc.Input, v)
}

// Action is a forward or compensating step action. The returned bytes are
// stored as the step result.
type Action func(ctx context.Context, sc StepContext) ([]byte, error)

// RetryPolicy controls how often a forward action is attempted. The zero
// value runs the action once.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

const (
	defaultStepInterval    = 100 * time.Millisecond
	defaultStepMaxInterval = 5 * time.Second
)

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = defaultStepInterval
	}
	bo.MaxInterval = p.MaxInterval
	if bo.MaxInterval < bo.InitialInterval {
		bo.MaxInterval = max(defaultStepMaxInterval, bo.InitialInterval)
	}
	bo.Multiplier = p.Multiplier
	if bo.Multiplier < 1 {
		bo.Multiplier = 2
	}
	bo.RandomizationFactor = 0
	bo.Reset()
	return bo
}

// Step is one unit of a saga definition. Compensate may be nil.
type Step struct {
	ID         string
	Name       string
	Forward    Action
	Compensate Action
	Retry      RetryPolicy
	Timeout    time.Duration
}

// Definition is an ordered list of steps under a name.
type Definition struct {
	Name  string
	Steps []Step
}

// Validate checks that the definition can run.
func (d Definition) Validate() error {
	if d.Name == "" {
		return errspkg.ErrNameRequired
	}
	if len(d.Steps) == 0 {
		return errspkg.ErrNoSteps
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for i, step := range d.Steps {
		if step.ID == "" {
			return fmt.Errorf("saga %q step %d: %w", d.Name, i, errspkg.ErrNameRequired)
		}
		if step.Forward == nil {
			return fmt.Errorf("saga %q step %q: %w", d.Name, step.ID, errspkg.ErrHandlerRequired)
		}
		if _, dup := seen[step.ID]; dup {
			return fmt.Errorf("saga %q: duplicate step id %q", d.Name, step.ID)
		}
		seen[step.ID] = struct{}{}
	}
	return nil
}

// StepState is the persisted progress of one step.
type StepState struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Status              StepStatus `json:"status"`
	Result              []byte     `json:"result,omitempty"`
	Error               string     `json:"error,omitempty"`
	CompensationError   string     `json:"compensation_error,omitempty"`
	CompensationSkipped bool       `json:"compensation_skipped,omitempty"`
	Attempts            int        `json:"attempts"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	FinishedAt          *time.Time `json:"finished_at,omitempty"`
}

// Workflow is the persisted state of a saga run.
type Workflow struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Input       []byte      `json:"input,omitempty"`
	Steps       []StepState `json:"steps"`
	CurrentStep int         `json:"current_step"`
	Status      Status      `json:"status"`
	Error       string      `json:"error,omitempty"`
	// FailedStep is the id of the step whose failure started compensation.
	FailedStep  string     `json:"failed_step,omitempty"`
	Attempt     int        `json:"attempt"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Err returns the step failure that made the saga compensate, nil otherwise.
func (w Workflow) Err() error {
	if w.Status != StatusCompensated && w.Status != StatusFailed && w.Status != StatusCompensating {
		return nil
	}
	step := w.step(w.FailedStep)
	attempts := 0
	if step != nil {
		attempts = step.Attempts
	}
	return &errspkg.StepExecutionError{
		SagaID:  w.ID,
		StepID:  w.FailedStep,
		Attempt: attempts,
		Cause:   fmt.Errorf("%s", w.Error),
	}
}

// Results returns the results of the completed steps by id.
func (w Workflow) Results() map[string][]byte {
	out := make(map[string][]byte, len(w.Steps))
	for _, st := range w.Steps {
		if st.Status == StepCompleted {
			out[st.ID] = st.Result
		}
	}
	return out
}

func (w *Workflow) step(id string) *StepState {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

func (w *Workflow) stepIndex(id string) int {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

func newWorkflow(def Definition, id string, input []byte, now time.Time) Workflow {
	steps := make([]StepState, len(def.Steps))
	for i, s := range def.Steps {
		name := s.Name
		if name == "" {
			name = s.ID
		}
		steps[i] = StepState{ID: s.ID, Name: name, Status: StepPending}
	}
	return Workflow{
		ID:        id,
		Name:      def.Name,
		Input:     input,
		Steps:     steps,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// matches reports whether a persisted workflow was created from def.
func (w Workflow) matches(def Definition) error {
	if w.Name != def.Name || len(w.Steps) != len(def.Steps) {
		return fmt.Errorf("saga %s: definition %q does not match persisted workflow %q", w.ID, def.Name, w.Name)
	}
	for i := range def.Steps {
		if w.Steps[i].ID != def.Steps[i].ID {
			return fmt.Errorf("saga %s: step %d is %q, definition has %q", w.ID, i, w.Steps[i].ID, def.Steps[i].ID)
		}
	}
	return nil
}

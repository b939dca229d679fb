// Package errors holds the sentinel and typed errors shared by the sagaflow
// runtime packages. Callers match them with the standard errors.Is/As helpers.
package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = sterrors.New("sagaflow: not found")
	ErrAlreadyInProgress = sterrors.New("sagaflow: operation already in progress")
	ErrLockTimeout       = sterrors.New("sagaflow: lock acquisition timed out")
	ErrLockLost          = sterrors.New("sagaflow: lock lease lost")
	ErrStepExecution     = sterrors.New("sagaflow: saga step failed")
	ErrCompensation      = sterrors.New("sagaflow: saga compensation failed")
	ErrTransport         = sterrors.New("sagaflow: transport failure")
	ErrCodec             = sterrors.New("sagaflow: codec failure")
	ErrValidation        = sterrors.New("sagaflow: payload validation failed")

	ErrStoreRequired     = sterrors.New("sagaflow: persistence store is required")
	ErrPublisherRequired = sterrors.New("sagaflow: publisher is required")
	ErrHandlerRequired   = sterrors.New("sagaflow: handler function is required")
	ErrTopicRequired     = sterrors.New("sagaflow: topic is required")
	ErrGroupRequired     = sterrors.New("sagaflow: consumer group is required")
	ErrKeyRequired       = sterrors.New("sagaflow: key is required")
	ErrNameRequired      = sterrors.New("sagaflow: name is required")
	ErrNoSteps           = sterrors.New("sagaflow: saga definition has no steps")
	ErrClosed            = sterrors.New("sagaflow: component is closed")
	ErrConfigRequired    = sterrors.New("sagaflow: configuration is required")
	ErrLoggerRequired    = sterrors.New("sagaflow: logger is required")
)

// ConfigValidationError wraps the aggregated result of Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "sagaflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// Handler outcome sentinels. A consumer handler returns (or wraps) one of
// these to steer what happens to the delivery.
var (
	// ErrRetry requests another attempt using the configured backoff.
	ErrRetry = sterrors.New("sagaflow: retry message")

	// ErrDeadLetter moves the delivery to the dead letter topic without
	// spending the remaining retry budget.
	ErrDeadLetter = sterrors.New("sagaflow: send to dead letter queue")

	// ErrSkip acknowledges the delivery without further processing.
	ErrSkip = sterrors.New("sagaflow: skip message")

	// ErrUnprocessable marks a payload as permanently invalid.
	ErrUnprocessable = sterrors.New("sagaflow: unprocessable message")
)

// StepExecutionError reports a saga step whose forward action failed after
// exhausting its retry policy.
type StepExecutionError struct {
	SagaID  string
	StepID  string
	Attempt int
	Cause   error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("sagaflow: saga %s step %s failed on attempt %d: %v", e.SagaID, e.StepID, e.Attempt, e.Cause)
}

func (e *StepExecutionError) Unwrap() error { return e.Cause }

func (e *StepExecutionError) Is(target error) bool { return target == ErrStepExecution }

// CompensationError reports a compensating action that failed. The saga
// still finishes unwinding; the error is recorded on the step.
type CompensationError struct {
	SagaID string
	StepID string
	Cause  error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("sagaflow: saga %s compensation of step %s failed: %v", e.SagaID, e.StepID, e.Cause)
}

func (e *CompensationError) Unwrap() error { return e.Cause }

func (e *CompensationError) Is(target error) bool { return target == ErrCompensation }

// TransportError wraps a publish or subscribe failure of the underlying broker.
type TransportError struct {
	Op    string
	Topic string
	Cause error
}

// NewTransportError returns a TransportError for the given operation.
func NewTransportError(op, topic string, cause error) *TransportError {
	return &TransportError{Op: op, Topic: topic, Cause: cause}
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("sagaflow: %s %q: %v", e.Op, e.Topic, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// CodecError is returned when an event cannot be encoded or decoded.
type CodecError struct {
	Reason string
	Cause  error
}

// NewCodecError returns a CodecError describing why the payload was rejected.
func NewCodecError(reason string, cause error) *CodecError {
	return &CodecError{Reason: reason, Cause: cause}
}

func (e *CodecError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("sagaflow: codec: %s: %v", e.Reason, e.Cause)
	}
	return "sagaflow: codec: " + e.Reason
}

func (e *CodecError) Unwrap() error { return e.Cause }

// Is matches both ErrCodec and ErrUnprocessable so codec failures are never retried.
func (e *CodecError) Is(target error) bool {
	return target == ErrCodec || target == ErrUnprocessable
}

// RetryAfterError asks for another attempt after a specific delay instead of
// the computed backoff.
type RetryAfterError struct {
	Delay time.Duration
	Cause error
}

// RetryAfter builds a RetryAfterError.
func RetryAfter(delay time.Duration, cause error) *RetryAfterError {
	return &RetryAfterError{Delay: delay, Cause: cause}
}

func (e *RetryAfterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("sagaflow: retry after %v: %v", e.Delay, e.Cause)
	}
	return fmt.Sprintf("sagaflow: retry after %v", e.Delay)
}

func (e *RetryAfterError) Unwrap() error { return e.Cause }

func (e *RetryAfterError) Is(target error) bool { return target == ErrRetry }

// DeadLetterError dead-letters a delivery with a human readable reason.
type DeadLetterError struct {
	Reason string
	Cause  error
}

// DeadLetter builds a DeadLetterError.
//
//	return sagaflow.DeadLetter("payment already refunded", nil)
func DeadLetter(reason string, cause error) *DeadLetterError {
	return &DeadLetterError{Reason: reason, Cause: cause}
}

func (e *DeadLetterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("sagaflow: dead letter (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("sagaflow: dead letter (%s)", e.Reason)
}

func (e *DeadLetterError) Unwrap() error { return e.Cause }

func (e *DeadLetterError) Is(target error) bool { return target == ErrDeadLetter }

// Outcome is what the consumer runtime does with a delivery after a handler
// attempt.
type Outcome int

const (
	OutcomeAck Outcome = iota
	OutcomeRetry
	OutcomeDeadLetter
	OutcomeSkip
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeRetry:
		return "retry"
	case OutcomeDeadLetter:
		return "dead_letter"
	case OutcomeSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// ClassifyError maps a handler error to an Outcome. A RetryAfterError also
// yields its requested delay. Unknown errors are retried.
func ClassifyError(err error) (Outcome, time.Duration) {
	if err == nil {
		return OutcomeAck, 0
	}

	var retryAfter *RetryAfterError
	if sterrors.As(err, &retryAfter) {
		return OutcomeRetry, retryAfter.Delay
	}
	if sterrors.Is(err, ErrSkip) {
		return OutcomeSkip, 0
	}
	if sterrors.Is(err, ErrDeadLetter) || sterrors.Is(err, ErrUnprocessable) {
		return OutcomeDeadLetter, 0
	}
	return OutcomeRetry, 0
}

// IsRetryable reports whether err should consume retry budget.
func IsRetryable(err error) bool {
	outcome, _ := ClassifyError(err)
	return outcome == OutcomeRetry
}

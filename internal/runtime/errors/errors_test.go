package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrNotFound", ErrNotFound, "sagaflow: not found"},
		{"ErrAlreadyInProgress", ErrAlreadyInProgress, "sagaflow: operation already in progress"},
		{"ErrLockTimeout", ErrLockTimeout, "sagaflow: lock acquisition timed out"},
		{"ErrTopicRequired", ErrTopicRequired, "sagaflow: topic is required"},
		{"ErrConfigRequired", ErrConfigRequired, "sagaflow: configuration is required"},
		{"ErrLoggerRequired", ErrLoggerRequired, "sagaflow: logger is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid port")
	err := ConfigValidationError{Err: inner}

	assert.Equal(t, "sagaflow: invalid configuration: invalid port", err.Error())
	assert.Equal(t, inner, err.Unwrap())

	t.Run("nil error returns nil", func(t *testing.T) {
		assert.NoError(t, NewConfigValidationError(nil))
	})

	t.Run("errors.As finds wrapper", func(t *testing.T) {
		wrapped := NewConfigValidationError(inner)
		var cfgErr ConfigValidationError
		require.True(t, errors.As(wrapped, &cfgErr))
		assert.True(t, errors.Is(wrapped, inner))
	})
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	cause := errors.New("boom")

	step := &StepExecutionError{SagaID: "s1", StepID: "reserve", Attempt: 2, Cause: cause}
	assert.ErrorIs(t, step, ErrStepExecution)
	assert.ErrorIs(t, step, cause)
	assert.Contains(t, step.Error(), "reserve")

	comp := &CompensationError{SagaID: "s1", StepID: "reserve", Cause: cause}
	assert.ErrorIs(t, comp, ErrCompensation)

	tr := NewTransportError("publish", "orders", cause)
	assert.ErrorIs(t, fmt.Errorf("wrapped: %w", tr), ErrTransport)
	assert.Contains(t, tr.Error(), `publish "orders"`)

	codec := NewCodecError("topic is required", nil)
	assert.ErrorIs(t, codec, ErrCodec)
	assert.ErrorIs(t, codec, ErrUnprocessable)
	assert.Equal(t, "sagaflow: codec: topic is required", codec.Error())
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      Outcome
		wantDelay time.Duration
	}{
		{"nil acks", nil, OutcomeAck, 0},
		{"plain error retries", errors.New("flaky"), OutcomeRetry, 0},
		{"retry after carries delay", RetryAfter(3*time.Second, nil), OutcomeRetry, 3 * time.Second},
		{"dead letter sentinel", fmt.Errorf("x: %w", ErrDeadLetter), OutcomeDeadLetter, 0},
		{"dead letter with reason", DeadLetter("duplicate", nil), OutcomeDeadLetter, 0},
		{"unprocessable", ErrUnprocessable, OutcomeDeadLetter, 0},
		{"codec error", NewCodecError("bad", nil), OutcomeDeadLetter, 0},
		{"skip", fmt.Errorf("ignored: %w", ErrSkip), OutcomeSkip, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, delay := ClassifyError(tt.err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantDelay, delay)
		})
	}

	assert.True(t, IsRetryable(errors.New("x")))
	assert.False(t, IsRetryable(ErrSkip))
	assert.False(t, IsRetryable(nil))
	assert.Equal(t, "dead_letter", OutcomeDeadLetter.String())
}

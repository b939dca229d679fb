package runtime

import (
	"context"
	"errors"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/stats"
)

type (
	HandlerInfo       = stats.HandlerInfo
	HandlerStats      = stats.HandlerStats
	LatencyMetrics    = stats.LatencyMetrics
	ThroughputMetrics = stats.ThroughputMetrics
	ErrorBreakdown    = stats.ErrorBreakdown
	BacklogMetrics    = stats.BacklogMetrics
	ErrorCategory     = stats.ErrorCategory
	ErrorClassifier   = stats.ErrorClassifier
)

const (
	ErrorCategoryNone      = stats.ErrorCategoryNone
	ErrorCategoryCodec     = stats.ErrorCategoryCodec
	ErrorCategoryTransport = stats.ErrorCategoryTransport
	ErrorCategoryTimeout   = stats.ErrorCategoryTimeout
	ErrorCategoryLock      = stats.ErrorCategoryLock
	ErrorCategorySaga      = stats.ErrorCategorySaga
	ErrorCategoryPanic     = stats.ErrorCategoryPanic
	ErrorCategoryOther     = stats.ErrorCategoryOther
)

func defaultErrorClassifier(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryNone
	case isRecoveredPanic(err):
		return ErrorCategoryPanic
	case errors.Is(err, errspkg.ErrCodec), errors.Is(err, errspkg.ErrUnprocessable), errors.Is(err, errspkg.ErrValidation):
		return ErrorCategoryCodec
	case errors.Is(err, errspkg.ErrTransport):
		return ErrorCategoryTransport
	case errors.Is(err, errspkg.ErrLockTimeout), errors.Is(err, errspkg.ErrLockLost):
		return ErrorCategoryLock
	case errors.Is(err, errspkg.ErrStepExecution), errors.Is(err, errspkg.ErrCompensation):
		return ErrorCategorySaga
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryTimeout
	default:
		return ErrorCategoryOther
	}
}

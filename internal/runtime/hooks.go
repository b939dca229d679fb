package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/sagaflow/internal/runtime/logging"
)

// JobContext describes one handler attempt to hooks.
type JobContext struct {
	// HandlerName is the name the handler was subscribed with.
	HandlerName string
	Topic       string
	Group       string
	EventID     string
	// PartitionKey is the key that serialised this delivery.
	PartitionKey string
	Metadata     message.Metadata
	Context      context.Context
	StartedAt    time.Time
	// Duration is only set in OnJobDone and OnJobError.
	Duration time.Duration
	// Attempt counts handler invocations for this delivery, starting at 1.
	Attempt    int
	MaxRetries int
}

// RetryCount is the number of attempts that came before this one.
func (j JobContext) RetryCount() int {
	if j.Attempt <= 1 {
		return 0
	}
	return j.Attempt - 1
}

// Outcome is what the channel does with the delivery once this attempt
// returned err: a retryable failure on the last attempt dead-letters.
func (j JobContext) Outcome(err error) errspkg.Outcome {
	outcome, _ := errspkg.ClassifyError(err)
	if outcome == errspkg.OutcomeRetry && j.Attempt > j.MaxRetries {
		return errspkg.OutcomeDeadLetter
	}
	return outcome
}

// JobHooks are callbacks around every handler attempt. Nil hooks are skipped.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	// OnJobError receives the error returned by the attempt; whether the
	// delivery is retried or dead-lettered is decided afterwards.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks; hooks of other run after those of h.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainJobHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainJobHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func (h JobHooks) empty() bool {
	return h.OnJobStart == nil && h.OnJobDone == nil && h.OnJobError == nil
}

func chainJobHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware invokes hooks around every attempt of every handler.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "job_hooks",
		Builder: func(*Channel) (message.HandlerMiddleware, error) {
			if hooks.empty() {
				return nil, nil
			}
			return jobHooksMiddleware(hooks), nil
		},
	}
}

func jobHooksMiddleware(hooks JobHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			jobCtx := newJobContext(msg)

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(jobCtx)
			}

			msgs, err := h(msg)
			jobCtx.Duration = time.Since(jobCtx.StartedAt)

			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(jobCtx, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(jobCtx)
			}
			return msgs, err
		}
	}
}

func newJobContext(msg *message.Message) JobContext {
	jobCtx := JobContext{
		EventID:   msg.UUID,
		Metadata:  msg.Metadata,
		Context:   msg.Context(),
		StartedAt: time.Now(),
	}
	if d, ok := DeliveryFromContext(msg.Context()); ok {
		jobCtx.HandlerName = d.Handler
		jobCtx.Topic = d.Topic
		jobCtx.Group = d.Group
		jobCtx.PartitionKey = d.PartitionKey
		jobCtx.Attempt = d.Attempt
		jobCtx.MaxRetries = d.MaxRetries
	}
	return jobCtx
}

// LoggingHooks logs every attempt through logger.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	fields := func(ctx JobContext) loggingpkg.LogFields {
		return loggingpkg.Delivery(ctx.HandlerName, ctx.Topic, ctx.Group, ctx.EventID, ctx.Attempt).
			With(loggingpkg.FieldPartition, ctx.PartitionKey)
	}
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", fields(ctx))
		},
		OnJobDone: func(ctx JobContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Info("Job completed", f)
		},
		OnJobError: func(ctx JobContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			f["outcome"] = ctx.Outcome(err).String()
			logger.Error("Job failed", err, f)
		},
	}
}

// MetricsHooks reports every finished attempt to record with its outcome,
// for pushing into a metrics system other than the built-in Prometheus one.
func MetricsHooks(record func(ctx JobContext, outcome errspkg.Outcome)) JobHooks {
	if record == nil {
		return JobHooks{}
	}
	return JobHooks{
		OnJobDone: func(ctx JobContext) {
			record(ctx, errspkg.OutcomeAck)
		},
		OnJobError: func(ctx JobContext, err error) {
			record(ctx, ctx.Outcome(err))
		},
	}
}

// AlertingHooks calls alert for failures that end the delivery in the dead
// letter store. Failures that will be retried are not reported.
func AlertingHooks(alert func(ctx JobContext, err error)) JobHooks {
	if alert == nil {
		return JobHooks{}
	}
	return JobHooks{
		OnJobError: func(ctx JobContext, err error) {
			if ctx.Outcome(err) == errspkg.OutcomeDeadLetter {
				alert(ctx, err)
			}
		},
	}
}

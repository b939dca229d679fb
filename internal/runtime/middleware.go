package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	idspkg "github.com/drblury/sagaflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/sagaflow/internal/runtime/logging"
	"github.com/drblury/sagaflow/internal/runtime/metadata"
)

const tracerName = "github.com/drblury/sagaflow/consumer"

// tracePropagator carries W3C trace context from publisher to handler in the
// message metadata, independent of the global otel propagator.
var tracePropagator propagation.TextMapPropagator = propagation.TraceContext{}

// MiddlewareBuilder constructs a handler middleware using the provided channel.
type MiddlewareBuilder func(*Channel) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware wraps every handler
// attempt. Builders may return a nil middleware to opt out.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the chain used when ChannelConfig.Middlewares is
// nil. The first entry is the outermost wrapper.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		TimeoutMiddleware(0),
		RecovererMiddleware(),
	}
}

// CorrelationIDMiddleware ensures each attempt carries a correlation
// identifier. Handlers read it with CorrelationIDFromContext.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

func correlationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		id := msg.Metadata.Get(metadata.KeyCorrelationID)
		if id == "" {
			id = idspkg.CreateULID()
			msg.Metadata.Set(metadata.KeyCorrelationID, id)
		}
		msg.SetContext(context.WithValue(msg.Context(), correlationIDKey{}, id))
		return h(msg)
	}
}

type correlationIDKey struct{}

// CorrelationIDFromContext returns the correlation id of the running attempt.
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// LogMessagesMiddleware logs the metadata of handled messages at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(c *Channel) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = c.logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			fields := loggingpkg.LogFields{
				loggingpkg.FieldEventID: msg.UUID,
				"metadata":              msg.Metadata,
				"payload_bytes":         len(msg.Payload),
			}
			if d, ok := DeliveryFromContext(msg.Context()); ok {
				fields[loggingpkg.FieldTopic] = d.Topic
				fields[loggingpkg.FieldGroup] = d.Group
				fields[loggingpkg.FieldAttempt] = d.Attempt
			}
			logger.Debug("Processing message", fields)
			return h(msg)
		}
	}
}

// TracerMiddleware wraps every attempt in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

func tracerMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		parent := tracePropagator.Extract(msg.Context(), propagation.MapCarrier(msg.Metadata))
		ctx, span := otel.Tracer(tracerName).Start(parent, "ProcessEvent", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		msg.SetContext(ctx)

		span.SetAttributes(attribute.String("event.id", msg.UUID))
		if d, ok := DeliveryFromContext(ctx); ok {
			span.SetName(d.Topic + " process")
			span.SetAttributes(
				attribute.String("messaging.destination", d.Topic),
				attribute.String("messaging.consumer_group", d.Group),
				attribute.String("sagaflow.handler", d.Handler),
				attribute.String("sagaflow.partition_key", d.PartitionKey),
				attribute.Int("sagaflow.attempt", d.Attempt),
			)
		}

		msgs, err := h(msg)
		if err != nil {
			outcome, _ := errspkg.ClassifyError(err)
			span.SetAttributes(attribute.String("sagaflow.outcome", outcome.String()))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return msgs, err
	}
}

// injectTraceContext writes the span context of ctx into msg's metadata.
func injectTraceContext(ctx context.Context, msg *message.Message) {
	if ctx == nil || !trace.SpanContextFromContext(ctx).IsValid() {
		return
	}
	tracePropagator.Inject(ctx, propagation.MapCarrier(msg.Metadata))
}

// MetricsMiddleware records attempt counts and durations on the channel's
// ConsumerMetrics. It is a no-op when the channel has none.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(c *Channel) (message.HandlerMiddleware, error) {
			if c.metrics == nil {
				return nil, nil
			}
			return metricsMiddleware(c.metrics), nil
		},
	}
}

func metricsMiddleware(m *ConsumerMetrics) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			start := time.Now()
			msgs, err := h(msg)
			if d, ok := DeliveryFromContext(msg.Context()); ok {
				m.attempt(d.Topic, d.Group, time.Since(start), err)
			}
			return msgs, err
		}
	}
}

// TimeoutMiddleware bounds every attempt. A zero timeout uses the channel's
// HandlerTimeout and skips the middleware when that is unset too.
func TimeoutMiddleware(timeout time.Duration) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "timeout",
		Builder: func(c *Channel) (message.HandlerMiddleware, error) {
			d := timeout
			if d <= 0 {
				d = c.conf.HandlerTimeout
			}
			if d <= 0 {
				return nil, nil
			}
			return middleware.Timeout(d), nil
		},
	}
}

// RecovererMiddleware converts panics into handler errors so they can be
// retried or dead-lettered.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// buildMiddleware resolves a registration against c.
func (c *Channel) buildMiddleware(cfg MiddlewareRegistration) (message.HandlerMiddleware, error) {
	switch {
	case cfg.Middleware != nil:
		return cfg.Middleware, nil
	case cfg.Builder != nil:
		mw, err := cfg.Builder(c)
		if err != nil {
			return nil, fmt.Errorf("middleware %q: %w", cfg.Name, err)
		}
		return mw, nil
	default:
		return nil, fmt.Errorf("middleware %q: registration requires Middleware or Builder", cfg.Name)
	}
}

// chain wraps h so that mws[0] runs first.
func chain(h message.HandlerFunc, mws []message.HandlerMiddleware) message.HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func isRecoveredPanic(err error) bool {
	var recovered middleware.RecoveredPanicError
	return errors.As(err, &recovered)
}

// panicText shortens a recovered panic to its value; the stack trace is
// logged but not stored with the dead letter.
func panicText(err error) string {
	var recovered middleware.RecoveredPanicError
	if errors.As(err, &recovered) {
		return fmt.Sprintf("panic: %v", recovered.V)
	}
	return err.Error()
}

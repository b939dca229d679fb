package runtime

import (
	"context"
	"errors"
	"maps"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/sagaflow/internal/runtime/event"
	loggingpkg "github.com/drblury/sagaflow/internal/runtime/logging"
	"github.com/drblury/sagaflow/internal/runtime/metadata"
)

func deliveryMessage(d Delivery) *message.Message {
	msg := message.NewMessage("evt-1", []byte("payload"))
	msg.SetContext(withDelivery(context.Background(), d))
	return msg
}

func passThrough(*message.Message) ([]*message.Message, error) { return nil, nil }

func TestCorrelationIDMiddleware(t *testing.T) {
	t.Parallel()

	t.Run("generates a missing id", func(t *testing.T) {
		msg := message.NewMessage("evt-1", nil)
		var seen string
		_, err := correlationIDMiddleware(func(m *message.Message) ([]*message.Message, error) {
			seen = CorrelationIDFromContext(m.Context())
			return nil, nil
		})(msg)
		require.NoError(t, err)
		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, msg.Metadata.Get(metadata.KeyCorrelationID))
	})

	t.Run("keeps an existing id", func(t *testing.T) {
		msg := message.NewMessage("evt-1", nil)
		msg.Metadata.Set(metadata.KeyCorrelationID, "checkout-7")
		var seen string
		_, err := correlationIDMiddleware(func(m *message.Message) ([]*message.Message, error) {
			seen = CorrelationIDFromContext(m.Context())
			return nil, nil
		})(msg)
		require.NoError(t, err)
		assert.Equal(t, "checkout-7", seen)
	})

	assert.Empty(t, CorrelationIDFromContext(context.Background()))
}

func TestLogMessagesMiddleware(t *testing.T) {
	t.Parallel()

	logger := newRecordingLogger()
	msg := deliveryMessage(Delivery{Topic: "orders", Group: "billing", Attempt: 2})

	_, err := logMessagesMiddleware(logger)(passThrough)(msg)
	require.NoError(t, err)
	require.Equal(t, []string{"Processing message"}, logger.Messages("debug"))

	fields := (*logger.lines)[0].fields
	assert.Equal(t, "orders", fields[loggingpkg.FieldTopic])
	assert.Equal(t, 2, fields[loggingpkg.FieldAttempt])
	assert.Equal(t, len("payload"), fields["payload_bytes"])

	_, err = LogMessagesMiddleware(nil).Builder(&Channel{})
	assert.Error(t, err, "a channel without a logger cannot build it")
}

func TestTracerMiddleware(t *testing.T) {
	t.Parallel()

	msg := deliveryMessage(Delivery{Topic: "orders", Group: "billing", Attempt: 1})
	var observed trace.Span
	boom := errors.New("boom")
	_, err := tracerMiddleware(func(m *message.Message) ([]*message.Message, error) {
		observed = trace.SpanFromContext(m.Context())
		return nil, boom
	})(msg)

	assert.ErrorIs(t, err, boom)
	assert.NotNil(t, observed)
}

func TestTraceContextPropagation(t *testing.T) {
	t.Parallel()

	traceID := trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36}
	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     trace.SpanID{0, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), parent)

	published := message.NewMessage("evt-1", nil)
	injectTraceContext(ctx, published)
	require.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", published.Metadata.Get("traceparent"))

	consumed := message.NewMessage("evt-1", nil)
	consumed.Metadata = maps.Clone(published.Metadata)
	consumed.SetContext(context.Background())
	var got trace.SpanContext
	_, err := tracerMiddleware(func(m *message.Message) ([]*message.Message, error) {
		got = trace.SpanContextFromContext(m.Context())
		return nil, nil
	})(consumed)
	require.NoError(t, err)
	assert.Equal(t, traceID, got.TraceID())

	untraced := message.NewMessage("evt-2", nil)
	injectTraceContext(context.Background(), untraced)
	assert.Empty(t, untraced.Metadata)
}

func TestChannelPublishCarriesTraceContext(t *testing.T) {
	ch, _ := newTestChannel(t, nil)
	traceID := trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
	}))

	var seen collector[trace.TraceID]
	require.NoError(t, ch.Subscribe("orders", "billing", func(ctx context.Context, _ event.Event) error {
		seen.add(trace.SpanContextFromContext(ctx).TraceID())
		return nil
	}, SubscribeOptions{}))
	require.NoError(t, ch.Publish(ctx, event.New("orders", []byte("{}"))))

	require.Eventually(t, func() bool { return seen.len() == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, traceID, seen.all()[0])
}

func TestMetricsMiddleware(t *testing.T) {
	t.Parallel()

	mw, err := MetricsMiddleware().Builder(&Channel{})
	require.NoError(t, err)
	assert.Nil(t, mw, "no middleware without consumer metrics")

	metrics, err := NewConsumerMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	mw, err = MetricsMiddleware().Builder(&Channel{metrics: metrics})
	require.NoError(t, err)
	require.NotNil(t, mw)

	_, err = mw(passThrough)(deliveryMessage(Delivery{Topic: "orders", Group: "billing", Attempt: 1}))
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.attemptsTotal.WithLabelValues("orders", "billing", "ok")))
}

func TestTimeoutMiddleware(t *testing.T) {
	t.Parallel()

	mw, err := TimeoutMiddleware(0).Builder(&Channel{})
	require.NoError(t, err)
	assert.Nil(t, mw, "no middleware without a timeout")

	mw, err = TimeoutMiddleware(0).Builder(&Channel{conf: ChannelConfig{HandlerTimeout: 10 * time.Millisecond}})
	require.NoError(t, err)
	require.NotNil(t, mw)

	msg := message.NewMessage("evt-1", nil)
	msg.SetContext(context.Background())
	_, err = mw(func(m *message.Message) ([]*message.Message, error) {
		<-m.Context().Done()
		return nil, m.Context().Err()
	})(msg)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRecovererMiddleware(t *testing.T) {
	t.Parallel()

	_, err := RecovererMiddleware().Middleware(func(*message.Message) ([]*message.Message, error) {
		panic("kaboom")
	})(message.NewMessage("evt-1", nil))

	assert.True(t, isRecoveredPanic(err))
	assert.Equal(t, "panic: kaboom", panicText(err))
	assert.Equal(t, "plain", panicText(errors.New("plain")))
}

func TestBuildMiddleware(t *testing.T) {
	t.Parallel()
	c := &Channel{logger: loggingpkg.NopLogger()}

	_, err := c.buildMiddleware(MiddlewareRegistration{Name: "empty"})
	assert.ErrorContains(t, err, `middleware "empty"`)

	built := false
	mw, err := c.buildMiddleware(MiddlewareRegistration{
		Builder: func(*Channel) (message.HandlerMiddleware, error) {
			built = true
			return func(h message.HandlerFunc) message.HandlerFunc { return h }, nil
		},
	})
	require.NoError(t, err)
	assert.NotNil(t, mw)
	assert.True(t, built)

	_, err = c.buildMiddleware(MiddlewareRegistration{
		Name: "broken",
		Builder: func(*Channel) (message.HandlerMiddleware, error) {
			return nil, errors.New("builder failed")
		},
	})
	assert.ErrorContains(t, err, "builder failed")
}

func TestChainOrder(t *testing.T) {
	t.Parallel()

	var order []string
	tag := func(name string) message.HandlerMiddleware {
		return func(h message.HandlerFunc) message.HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				order = append(order, name)
				return h(msg)
			}
		}
	}
	h := chain(func(*message.Message) ([]*message.Message, error) {
		order = append(order, "handler")
		return nil, nil
	}, []message.HandlerMiddleware{tag("outer"), tag("inner")})

	_, _ = h(message.NewMessage("evt-1", nil))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

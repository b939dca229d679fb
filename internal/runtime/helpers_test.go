package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/require"

	"github.com/drblury/sagaflow/internal/runtime/dlq"
	"github.com/drblury/sagaflow/internal/runtime/kv"
	loggingpkg "github.com/drblury/sagaflow/internal/runtime/logging"
	"github.com/drblury/sagaflow/transport/channel"
)

type loggedLine struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

// recordingLogger keeps every line so tests can assert on them.
type recordingLogger struct {
	mu    *sync.Mutex
	lines *[]loggedLine
	base  loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, lines: &[]loggedLine{}}
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := make(loggingpkg.LogFields, len(l.base)+len(fields))
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: l.mu, lines: l.lines, base: merged}
}

func (l *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	all := make(loggingpkg.LogFields, len(l.base)+len(fields))
	for k, v := range l.base {
		all[k] = v
	}
	for k, v := range fields {
		all[k] = v
	}
	*l.lines = append(*l.lines, loggedLine{level: level, msg: msg, err: err, fields: all})
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.record("debug", msg, nil, fields)
}

func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.record("info", msg, nil, fields)
}

func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.record("error", msg, err, fields)
}

func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.record("trace", msg, nil, fields)
}

func (l *recordingLogger) Messages(level string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, line := range *l.lines {
		if level == "" || line.level == level {
			out = append(out, line.msg)
		}
	}
	return out
}

// newTestChannel builds a Channel on the in-process transport with fast
// retries and an in-memory dead letter store.
func newTestChannel(t *testing.T, mutate func(*ChannelConfig)) (*Channel, *dlq.Store) {
	t.Helper()

	tr, err := channel.Build(context.Background(), nil, watermill.NopLogger{})
	require.NoError(t, err)

	store := dlq.NewStore(kv.NewMemoryStore(nil))
	conf := ChannelConfig{
		Transport:    tr,
		Capabilities: channel.Capabilities(),
		DeadLetters:  store,
		Logger:       loggingpkg.NopLogger(),
		Retry: RetryPolicy{
			MaxRetries: 2,
			BaseDelay:  time.Millisecond,
			MaxDelay:   4 * time.Millisecond,
		},
		ShutdownTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&conf)
	}

	ch, err := NewChannel(conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch, store
}

// collector gathers values from concurrent handlers.
type collector[T any] struct {
	mu    sync.Mutex
	items []T
}

func (c *collector[T]) add(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, v)
}

func (c *collector[T]) all() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

func (c *collector[T]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

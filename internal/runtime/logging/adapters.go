package logging

import (
	"log/slog"
	"maps"
	"slices"

	"github.com/ThreeDotsLabs/watermill"
)

// EntryLogger is the self-referential instance of EntryLoggerAdapter.
type EntryLogger interface {
	EntryLoggerAdapter[EntryLogger]
}

// EntryLoggerAdapter describes entry-style loggers whose WithField and
// WithError return their own type, as logrus.Entry does.
type EntryLoggerAdapter[T any] interface {
	Error(args ...any)
	Info(args ...any)
	Debug(args ...any)
	Trace(args ...any)
	WithError(err error) T
	WithField(key string, value any) T
}

type level uint8

const (
	levelTrace level = iota
	levelDebug
	levelInfo
	levelError
)

// slogLevels passes Watermill's levels through unchanged.
var slogLevels = map[slog.Level]slog.Level{
	slog.LevelDebug: slog.LevelDebug,
	slog.LevelInfo:  slog.LevelInfo,
	slog.LevelWarn:  slog.LevelWarn,
	slog.LevelError: slog.LevelError,
}

// NewSlogServiceLogger wraps log. A nil log uses slog.Default().
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		log = slog.Default()
	}
	return NewWatermillServiceLogger(watermill.NewSlogLoggerWithLevelMapping(log, slogLevels))
}

// NewWatermillServiceLogger wraps a Watermill LoggerAdapter. A nil logger
// discards everything.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		return NopLogger()
	}
	return &watermillServiceLogger{inner: logger}
}

// NewEntryServiceLogger wraps an entry-style logger. A nil entry discards
// everything. Fields bound with With are applied in key order when a line is
// written.
func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	if any(entry) == nil {
		return NopLogger()
	}
	return &entryServiceLogger[T]{entry: entry}
}

// NopLogger returns a ServiceLogger that discards everything.
func NopLogger() ServiceLogger {
	return &watermillServiceLogger{inner: watermill.NopLogger{}}
}

// NewWatermillAdapter hands log to Watermill components such as transports
// and the gochannel pub/sub. A nil log discards everything.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	switch l := log.(type) {
	case nil:
		return watermill.NopLogger{}
	case *watermillServiceLogger:
		return l.inner
	default:
		return &serviceLoggerAdapter{base: log}
	}
}

type watermillServiceLogger struct {
	inner watermill.LoggerAdapter
}

func (w *watermillServiceLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return w
	}
	return &watermillServiceLogger{inner: w.inner.With(watermill.LogFields(fields))}
}

func (w *watermillServiceLogger) Trace(msg string, fields LogFields) { w.log(levelTrace, msg, nil, fields) }
func (w *watermillServiceLogger) Debug(msg string, fields LogFields) { w.log(levelDebug, msg, nil, fields) }
func (w *watermillServiceLogger) Info(msg string, fields LogFields)  { w.log(levelInfo, msg, nil, fields) }

func (w *watermillServiceLogger) Error(msg string, err error, fields LogFields) {
	w.log(levelError, msg, err, fields)
}

func (w *watermillServiceLogger) log(lvl level, msg string, err error, fields LogFields) {
	var wf watermill.LogFields
	if len(fields) > 0 {
		wf = watermill.LogFields(fields)
	}
	switch lvl {
	case levelTrace:
		w.inner.Trace(msg, wf)
	case levelDebug:
		w.inner.Debug(msg, wf)
	case levelInfo:
		w.inner.Info(msg, wf)
	default:
		w.inner.Error(msg, err, wf)
	}
}

type entryServiceLogger[T EntryLoggerAdapter[T]] struct {
	entry T
	bound LogFields
}

func (e *entryServiceLogger[T]) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return e
	}
	bound := make(LogFields, len(e.bound)+len(fields))
	maps.Copy(bound, e.bound)
	maps.Copy(bound, fields)
	return &entryServiceLogger[T]{entry: e.entry, bound: bound}
}

func (e *entryServiceLogger[T]) Trace(msg string, fields LogFields) { e.log(levelTrace, msg, nil, fields) }
func (e *entryServiceLogger[T]) Debug(msg string, fields LogFields) { e.log(levelDebug, msg, nil, fields) }
func (e *entryServiceLogger[T]) Info(msg string, fields LogFields)  { e.log(levelInfo, msg, nil, fields) }

func (e *entryServiceLogger[T]) Error(msg string, err error, fields LogFields) {
	e.log(levelError, msg, err, fields)
}

func (e *entryServiceLogger[T]) log(lvl level, msg string, err error, fields LogFields) {
	line := e.entry
	if len(e.bound) > 0 {
		line = applyEntryFields(line, e.bound)
	}
	line = applyEntryFields(line, fields)
	switch lvl {
	case levelTrace:
		line.Trace(msg)
	case levelDebug:
		line.Debug(msg)
	case levelInfo:
		line.Info(msg)
	default:
		if err != nil {
			line = line.WithError(err)
		}
		line.Error(msg)
	}
}

func applyEntryFields[T EntryLoggerAdapter[T]](entry T, fields LogFields) T {
	for _, key := range slices.Sorted(maps.Keys(fields)) {
		entry = entry.WithField(key, fields[key])
	}
	return entry
}

// serviceLoggerAdapter runs the other direction, for Watermill components
// handed a ServiceLogger that is not Watermill-backed.
type serviceLoggerAdapter struct {
	base ServiceLogger
}

func (s *serviceLoggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	s.base.Error(msg, err, serviceFields(fields))
}

func (s *serviceLoggerAdapter) Info(msg string, fields watermill.LogFields) {
	s.base.Info(msg, serviceFields(fields))
}

func (s *serviceLoggerAdapter) Debug(msg string, fields watermill.LogFields) {
	s.base.Debug(msg, serviceFields(fields))
}

func (s *serviceLoggerAdapter) Trace(msg string, fields watermill.LogFields) {
	s.base.Trace(msg, serviceFields(fields))
}

func (s *serviceLoggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &serviceLoggerAdapter{base: s.base.With(serviceFields(fields))}
}

func serviceFields(fields watermill.LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	return LogFields(fields)
}

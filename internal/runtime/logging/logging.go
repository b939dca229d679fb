// Package logging is the logger contract shared by the stores, the saga
// engine and the consumer runtime, plus adapters for slog, Watermill and
// entry-style loggers such as logrus.
package logging

// LogFields are structured key/value pairs attached to a log line.
type LogFields map[string]any

// With returns a copy of f with key set to value.
func (f LogFields) With(key string, value any) LogFields {
	out := make(LogFields, len(f)+1)
	for k, v := range f {
		out[k] = v
	}
	out[key] = value
	return out
}

// Field keys shared by the runtime components so log lines can be joined
// across the lock, saga and consumer subsystems.
const (
	FieldComponent   = "component"
	FieldHandler     = "handler"
	FieldTopic       = "topic"
	FieldGroup       = "group"
	FieldEventID     = "event_id"
	FieldPartition   = "partition_key"
	FieldAttempt     = "attempt"
	FieldSagaID      = "saga_id"
	FieldStepID      = "step_id"
	FieldLockName    = "lock"
	FieldOperationID = "operation_id"
	FieldIdemKey     = "idempotency_key"
)

// Delivery returns the fields that identify one handler attempt. Empty
// strings and a zero attempt are left out.
func Delivery(handler, topic, group, eventID string, attempt int) LogFields {
	f := make(LogFields, 5)
	for k, v := range map[string]string{
		FieldHandler: handler,
		FieldTopic:   topic,
		FieldGroup:   group,
		FieldEventID: eventID,
	} {
		if v != "" {
			f[k] = v
		}
	}
	if attempt > 0 {
		f[FieldAttempt] = attempt
	}
	return f
}

// ServiceLogger is the logging contract of every sagaflow component. It has
// the shape of Watermill's LoggerAdapter so both convert without loss.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// ForComponent returns log scoped to a runtime component, falling back to a
// no-op logger when log is nil.
func ForComponent(log ServiceLogger, component string) ServiceLogger {
	if log == nil {
		log = NopLogger()
	}
	return log.With(LogFields{FieldComponent: component})
}

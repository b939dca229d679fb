// Package metadata holds the string headers that travel with an event and
// the envelope keys the event channel adds to them on the wire.
package metadata

// Metadata represents the headers carried alongside an event.
type Metadata map[string]string

// Transport header keys written by the event channel. They carry the
// "sagaflow_" prefix and are split off again on receive.
const (
	KeyEventID       = "sagaflow_event_id"
	KeyPartitionKey  = "sagaflow_partition_key"
	KeyTenantID      = "sagaflow_tenant_id"
	KeyContentType   = "sagaflow_content_type"
	KeyAttempt       = "sagaflow_attempt"
	KeyOriginalTopic = "sagaflow_original_topic"
)

// Application header keys with a meaning across sagaflow components.
const (
	KeyCorrelationID = "correlation_id"
	// KeyEventType names the outcome or lifecycle event, e.g.
	// "operation.completed" or "saga.step.failed".
	KeyEventType = "event_type"
	KeySource    = "source"
)

// New builds Metadata from alternating key/value pairs. A trailing key
// without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// Get returns the value for key, or "" when absent or m is nil.
func (m Metadata) Get(key string) string {
	return m[key]
}

// EventType is shorthand for Get(KeyEventType).
func (m Metadata) EventType() string {
	return m[KeyEventType]
}

// Equal reports whether both maps hold the same entries. A nil map equals an
// empty one.
func (m Metadata) Equal(other Metadata) bool {
	if len(m) != len(other) {
		return false
	}
	for k, v := range m {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Clone returns a copy of m. The result is never nil.
func (m Metadata) Clone() Metadata {
	return m.grow(0)
}

// With returns a copy of m with key set.
func (m Metadata) With(key, value string) Metadata {
	out := m.grow(1)
	out[key] = value
	return out
}

// WithAll returns a copy of m with every entry of extra applied over it.
func (m Metadata) WithAll(extra Metadata) Metadata {
	out := m.grow(len(extra))
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func (m Metadata) grow(extra int) Metadata {
	out := make(Metadata, len(m)+extra)
	for k, v := range m {
		out[k] = v
	}
	return out
}

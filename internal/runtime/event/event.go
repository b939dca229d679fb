// Package event defines the Event value carried by the channel and the codecs
// that put it on the wire.
package event

import (
	"bytes"
	"time"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/ids"
	"github.com/drblury/sagaflow/internal/runtime/metadata"
)

// Event is an immutable message published on a topic. Optional string fields
// use "" for absent.
type Event struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Key       string            `json:"key,omitempty"`
	Headers   metadata.Metadata `json:"headers,omitempty"`
	TenantID  string            `json:"tenant_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Option customises an Event built by New.
type Option func(*Event)

// WithKey sets the partition key. Events with the same key are handled in
// order by a single member of each consumer group.
func WithKey(key string) Option {
	return func(e *Event) { e.Key = key }
}

func WithTenant(tenantID string) Option {
	return func(e *Event) { e.TenantID = tenantID }
}

func WithHeader(key, value string) Option {
	return func(e *Event) { e.Headers = e.Headers.With(key, value) }
}

func WithHeaders(headers metadata.Metadata) Option {
	return func(e *Event) { e.Headers = e.Headers.WithAll(headers) }
}

// WithID overrides the generated id, e.g. when re-publishing a stored event.
func WithID(id string) Option {
	return func(e *Event) { e.ID = id }
}

func WithTimestamp(ts time.Time) Option {
	return func(e *Event) { e.Timestamp = ts }
}

// New builds an Event for topic with a fresh id and the current time.
func New(topic string, payload []byte, opts ...Option) Event {
	e := Event{
		ID:        ids.NewEventID(),
		Topic:     topic,
		Payload:   cloneBytes(payload),
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// PartitionKey is the key used to pick a consumer member. Keyless events
// spread by id.
func (e Event) PartitionKey() string {
	if e.Key != "" {
		return e.Key
	}
	return e.ID
}

// Validate checks the fields every codec requires.
func (e Event) Validate() error {
	if e.ID == "" {
		return errspkg.NewCodecError("id is required", nil)
	}
	if e.Topic == "" {
		return errspkg.NewCodecError("topic is required", nil)
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate shared payloads.
func (e Event) Clone() Event {
	c := e
	c.Payload = cloneBytes(e.Payload)
	if e.Headers != nil {
		c.Headers = e.Headers.Clone()
	}
	return c
}

// Equal compares all fields. Timestamps are compared as instants.
func (e Event) Equal(other Event) bool {
	return e.ID == other.ID &&
		e.Topic == other.Topic &&
		bytes.Equal(e.Payload, other.Payload) &&
		e.Key == other.Key &&
		e.Headers.Equal(other.Headers) &&
		e.TenantID == other.TenantID &&
		e.Timestamp.Equal(other.Timestamp)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

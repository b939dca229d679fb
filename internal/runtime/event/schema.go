package event

import (
	"errors"
	"sync"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
)

// Validator checks a payload before it is allowed onto topic.
type Validator func(topic string, payload []byte) error

// AnyTopic registers a validator that runs for every topic.
const AnyTopic = "*"

// SchemaCodec wraps another codec and rejects payloads that fail the
// validators registered for their topic. Decoding is delegated unchanged.
type SchemaCodec struct {
	inner Codec

	mu         sync.RWMutex
	validators map[string][]Validator
}

// NewSchemaCodec wraps inner. A nil inner falls back to compact JSON.
func NewSchemaCodec(inner Codec) *SchemaCodec {
	if inner == nil {
		inner = JSONCodec{}
	}
	return &SchemaCodec{inner: inner, validators: make(map[string][]Validator)}
}

// RegisterValidator adds v for topic. Use AnyTopic to cover every topic.
func (c *SchemaCodec) RegisterValidator(topic string, v Validator) {
	if v == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validators[topic] = append(c.validators[topic], v)
}

func (c *SchemaCodec) Name() string        { return "schema+" + c.inner.Name() }
func (c *SchemaCodec) ContentType() string { return c.inner.ContentType() }

func (c *SchemaCodec) Encode(e Event) ([]byte, error) {
	if err := c.validate(e); err != nil {
		return nil, err
	}
	return c.inner.Encode(e)
}

func (c *SchemaCodec) Decode(data []byte) (Event, error) {
	return c.inner.Decode(data)
}

func (c *SchemaCodec) validate(e Event) error {
	c.mu.RLock()
	checks := make([]Validator, 0, len(c.validators[AnyTopic])+len(c.validators[e.Topic]))
	checks = append(checks, c.validators[AnyTopic]...)
	checks = append(checks, c.validators[e.Topic]...)
	c.mu.RUnlock()

	for _, check := range checks {
		if err := check(e.Topic, e.Payload); err != nil {
			return errspkg.NewCodecError("payload rejected for topic "+e.Topic, errors.Join(errspkg.ErrValidation, err))
		}
	}
	return nil
}

package event

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/jsoncodec"
	"github.com/drblury/sagaflow/internal/runtime/metadata"
)

// Content types written to the transport metadata so a consumer can pick the
// matching decoder.
const (
	ContentTypeJSON   = "application/vnd.sagaflow.event+json"
	ContentTypeBinary = "application/vnd.sagaflow.event+protobuf"
)

// Codec names accepted by NewCodec and the configuration.
const (
	CodecJSON   = "json"
	CodecPretty = "pretty"
	CodecBinary = "binary"

	CodecCloudEvents = "cloudevents"
)

// Codec turns an Event into bytes and back. Decode(Encode(e)) must equal e.
type Codec interface {
	Name() string
	ContentType() string
	Encode(e Event) ([]byte, error)
	Decode(data []byte) (Event, error)
}

// NewCodec resolves a codec by name.
func NewCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecPretty:
		return JSONCodec{Indent: true}, nil
	case CodecBinary:
		return BinaryCodec{}, nil
	case CodecCloudEvents:
		return CloudEventsCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// wireEvent distinguishes an absent payload from an empty one.
type wireEvent struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   *[]byte           `json:"payload"`
	Key       string            `json:"key,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	TenantID  string            `json:"tenant_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// JSONCodec encodes events as JSON. Indent selects the human readable form.
type JSONCodec struct {
	Indent bool
}

func (c JSONCodec) Name() string {
	if c.Indent {
		return CodecPretty
	}
	return CodecJSON
}

func (JSONCodec) ContentType() string { return ContentTypeJSON }

func (c JSONCodec) Encode(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	payload := cloneBytes(e.Payload)
	w := wireEvent{
		ID:        e.ID,
		Topic:     e.Topic,
		Payload:   &payload,
		Key:       e.Key,
		Headers:   e.Headers,
		TenantID:  e.TenantID,
		Timestamp: e.Timestamp,
	}
	var (
		data []byte
		err  error
	)
	if c.Indent {
		data, err = jsoncodec.MarshalIndent(w, "", "  ")
	} else {
		data, err = jsoncodec.Marshal(w)
	}
	if err != nil {
		return nil, errspkg.NewCodecError("encode json", err)
	}
	return data, nil
}

func (JSONCodec) Decode(data []byte) (Event, error) {
	var w wireEvent
	if err := jsoncodec.Unmarshal(data, &w); err != nil {
		return Event{}, errspkg.NewCodecError("decode json", err)
	}
	if w.Topic == "" {
		return Event{}, errspkg.NewCodecError("topic is required", nil)
	}
	if w.Payload == nil {
		return Event{}, errspkg.NewCodecError("payload is required", nil)
	}
	e := Event{
		ID:        w.ID,
		Topic:     w.Topic,
		Payload:   cloneBytes(*w.Payload),
		Key:       w.Key,
		TenantID:  w.TenantID,
		Timestamp: w.Timestamp,
	}
	if len(w.Headers) > 0 {
		e.Headers = metadata.Metadata(w.Headers)
	}
	if e.ID == "" {
		return Event{}, errspkg.NewCodecError("id is required", nil)
	}
	return e, nil
}

// Registry resolves codecs by content type for consumers that receive
// messages written by producers with different settings.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry returns a registry pre-loaded with the JSON, binary and
// CloudEvents codecs.
func NewRegistry(extra ...Codec) *Registry {
	r := &Registry{codecs: make(map[string]Codec)}
	r.Register(JSONCodec{})
	r.Register(BinaryCodec{})
	r.Register(CloudEventsCodec{})
	for _, c := range extra {
		r.Register(c)
	}
	return r
}

// Register makes c the decoder for its content type.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.ContentType()] = c
}

// Lookup returns the codec for contentType. An empty content type resolves to
// JSON.
func (r *Registry) Lookup(contentType string) (Codec, bool) {
	if contentType == "" {
		contentType = ContentTypeJSON
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[contentType]
	return c, ok
}

// Decode picks the decoder for contentType and decodes data.
func (r *Registry) Decode(contentType string, data []byte) (Event, error) {
	c, ok := r.Lookup(contentType)
	if !ok {
		return Event{}, errspkg.NewCodecError(fmt.Sprintf("no codec for content type %q", contentType), nil)
	}
	return c.Decode(data)
}

// ContentTypes lists the registered content types in sorted order.
func (r *Registry) ContentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.codecs))
	for ct := range r.codecs {
		out = append(out, ct)
	}
	sort.Strings(out)
	return out
}

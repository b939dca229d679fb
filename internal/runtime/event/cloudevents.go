package event

import (
	"encoding/base64"
	"time"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/jsoncodec"
	"github.com/drblury/sagaflow/internal/runtime/metadata"
)

// ContentTypeCloudEvents is the structured-mode CloudEvents JSON media type.
const ContentTypeCloudEvents = "application/cloudevents+json"

const (
	CloudEventsSpecVersion = "1.0"
	// DefaultCloudEventsSource is used when the event has no "source" header.
	DefaultCloudEventsSource = "sagaflow"
)

// cloudEvent is the CloudEvents v1.0 envelope. The sagaflow fields that have
// no CloudEvents attribute travel as extension attributes.
type cloudEvent struct {
	SpecVersion     string     `json:"specversion"`
	ID              string     `json:"id"`
	Source          string     `json:"source"`
	Type            string     `json:"type"`
	Subject         string     `json:"subject,omitempty"`
	Time            *time.Time `json:"time,omitempty"`
	DataContentType string     `json:"datacontenttype,omitempty"`
	DataBase64      *string    `json:"data_base64"`

	Topic    string            `json:"topic"`
	TenantID string            `json:"tenantid,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// CloudEventsCodec writes events as structured CloudEvents. The type
// attribute is the "event_type" header when present and the topic otherwise;
// subject carries the partition key.
type CloudEventsCodec struct{}

func (CloudEventsCodec) Name() string        { return CodecCloudEvents }
func (CloudEventsCodec) ContentType() string { return ContentTypeCloudEvents }

func (CloudEventsCodec) Encode(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data := base64.StdEncoding.EncodeToString(e.Payload)
	ce := cloudEvent{
		SpecVersion:     CloudEventsSpecVersion,
		ID:              e.ID,
		Source:          DefaultCloudEventsSource,
		Type:            e.Topic,
		Subject:         e.Key,
		DataContentType: "application/octet-stream",
		DataBase64:      &data,
		Topic:           e.Topic,
		TenantID:        e.TenantID,
		Headers:         e.Headers,
	}
	if v := e.Headers.Get(metadata.KeyEventType); v != "" {
		ce.Type = v
	}
	if v := e.Headers.Get(metadata.KeySource); v != "" {
		ce.Source = v
	}
	if !e.Timestamp.IsZero() {
		ts := e.Timestamp
		ce.Time = &ts
	}
	out, err := jsoncodec.Marshal(ce)
	if err != nil {
		return nil, errspkg.NewCodecError("encode cloudevent", err)
	}
	return out, nil
}

func (CloudEventsCodec) Decode(data []byte) (Event, error) {
	var ce cloudEvent
	if err := jsoncodec.Unmarshal(data, &ce); err != nil {
		return Event{}, errspkg.NewCodecError("decode cloudevent", err)
	}
	switch {
	case ce.SpecVersion != CloudEventsSpecVersion:
		return Event{}, errspkg.NewCodecError("unsupported specversion "+ce.SpecVersion, nil)
	case ce.ID == "":
		return Event{}, errspkg.NewCodecError("id is required", nil)
	case ce.DataBase64 == nil:
		return Event{}, errspkg.NewCodecError("payload is required", nil)
	}
	// events produced elsewhere carry no topic extension
	topic := ce.Topic
	if topic == "" {
		topic = ce.Type
	}
	if topic == "" {
		return Event{}, errspkg.NewCodecError("topic is required", nil)
	}
	payload, err := base64.StdEncoding.DecodeString(*ce.DataBase64)
	if err != nil {
		return Event{}, errspkg.NewCodecError("decode data_base64", err)
	}
	e := Event{
		ID:       ce.ID,
		Topic:    topic,
		Payload:  payload,
		Key:      ce.Subject,
		TenantID: ce.TenantID,
	}
	if ce.Time != nil {
		e.Timestamp = *ce.Time
	}
	if len(ce.Headers) > 0 {
		e.Headers = metadata.Metadata(ce.Headers)
	}
	return e, nil
}

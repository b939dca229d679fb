package event

import (
	"maps"
	"slices"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/metadata"
)

// Field numbers of the binary layout. Header entries are nested messages with
// key=1 and value=2, the same shape protobuf uses for map fields.
const (
	fieldID        protowire.Number = 1
	fieldTopic     protowire.Number = 2
	fieldPayload   protowire.Number = 3
	fieldKey       protowire.Number = 4
	fieldHeader    protowire.Number = 5
	fieldTenantID  protowire.Number = 6
	fieldTimestamp protowire.Number = 7

	fieldHeaderKey   protowire.Number = 1
	fieldHeaderValue protowire.Number = 2
)

// BinaryCodec encodes events in the protobuf wire format. Any protobuf
// runtime can read it with the matching message definition.
type BinaryCodec struct{}

func (BinaryCodec) Name() string        { return CodecBinary }
func (BinaryCodec) ContentType() string { return ContentTypeBinary }

func (BinaryCodec) Encode(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	size := len(e.ID) + len(e.Topic) + len(e.Payload) + len(e.Key) + len(e.TenantID) + 32
	b := make([]byte, 0, size)

	b = appendString(b, fieldID, e.ID)
	b = appendString(b, fieldTopic, e.Topic)
	// payload is always written so an empty payload stays distinguishable
	// from a missing one
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	b = appendString(b, fieldKey, e.Key)
	for _, k := range sortedKeys(e.Headers) {
		var entry []byte
		entry = appendString(entry, fieldHeaderKey, k)
		entry = appendString(entry, fieldHeaderValue, e.Headers[k])
		b = protowire.AppendTag(b, fieldHeader, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	b = appendString(b, fieldTenantID, e.TenantID)
	if !e.Timestamp.IsZero() {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, uint64(e.Timestamp.UnixNano()))
	}
	return b, nil
}

func (BinaryCodec) Decode(data []byte) (Event, error) {
	var (
		e          Event
		hasPayload bool
	)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Event{}, errspkg.NewCodecError("decode binary tag", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldTimestamp && typ == protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(data)
			if m < 0 {
				return Event{}, errspkg.NewCodecError("decode binary timestamp", protowire.ParseError(m))
			}
			e.Timestamp = time.Unix(0, int64(v)).UTC()
			data = data[m:]
		case typ == protowire.BytesType && num >= fieldID && num <= fieldTenantID:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return Event{}, errspkg.NewCodecError("decode binary field", protowire.ParseError(m))
			}
			if err := e.setField(num, v, &hasPayload); err != nil {
				return Event{}, err
			}
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return Event{}, errspkg.NewCodecError("skip binary field", protowire.ParseError(m))
			}
			data = data[m:]
		}
	}

	if e.Topic == "" {
		return Event{}, errspkg.NewCodecError("topic is required", nil)
	}
	if !hasPayload {
		return Event{}, errspkg.NewCodecError("payload is required", nil)
	}
	if e.ID == "" {
		return Event{}, errspkg.NewCodecError("id is required", nil)
	}
	return e, nil
}

func (e *Event) setField(num protowire.Number, v []byte, hasPayload *bool) error {
	switch num {
	case fieldID:
		e.ID = string(v)
	case fieldTopic:
		e.Topic = string(v)
	case fieldPayload:
		e.Payload = cloneBytes(v)
		*hasPayload = true
	case fieldKey:
		e.Key = string(v)
	case fieldTenantID:
		e.TenantID = string(v)
	case fieldHeader:
		k, val, err := decodeHeader(v)
		if err != nil {
			return err
		}
		if e.Headers == nil {
			e.Headers = metadata.Metadata{}
		}
		e.Headers[k] = val
	}
	return nil
}

func decodeHeader(data []byte) (string, string, error) {
	var key, value string
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", "", errspkg.NewCodecError("decode header tag", protowire.ParseError(n))
		}
		data = data[n:]
		if typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return "", "", errspkg.NewCodecError("skip header field", protowire.ParseError(m))
			}
			data = data[m:]
			continue
		}
		v, m := protowire.ConsumeBytes(data)
		if m < 0 {
			return "", "", errspkg.NewCodecError("decode header field", protowire.ParseError(m))
		}
		switch num {
		case fieldHeaderKey:
			key = string(v)
		case fieldHeaderValue:
			value = string(v)
		}
		data = data[m:]
	}
	return key, value, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func sortedKeys(m metadata.Metadata) []string {
	return slices.Sorted(maps.Keys(m))
}

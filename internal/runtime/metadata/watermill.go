package metadata

import (
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
)

// transportPrefix marks the keys the channel owns on the wire.
const transportPrefix = "sagaflow_"

// Envelope is the routing information written next to the application headers
// of a transport message.
type Envelope struct {
	EventID      string
	PartitionKey string
	ContentType  string
	TenantID     string
	Attempt      string
}

// ToWatermill merges headers with the envelope. Envelope fields win over
// application headers that reuse a transport key; empty fields are omitted.
func ToWatermill(headers Metadata, env Envelope) message.Metadata {
	wm := make(message.Metadata, len(headers)+4)
	for k, v := range headers {
		wm[k] = v
	}
	for k, v := range map[string]string{
		KeyEventID:      env.EventID,
		KeyPartitionKey: env.PartitionKey,
		KeyContentType:  env.ContentType,
		KeyTenantID:     env.TenantID,
		KeyAttempt:      env.Attempt,
	} {
		if v != "" {
			wm[k] = v
		}
	}
	return wm
}

// FromWatermill splits transport metadata into the application headers and
// the envelope. The returned headers never contain transport keys.
func FromWatermill(md message.Metadata) (Metadata, Envelope) {
	env := Envelope{
		EventID:      md.Get(KeyEventID),
		PartitionKey: md.Get(KeyPartitionKey),
		ContentType:  md.Get(KeyContentType),
		TenantID:     md.Get(KeyTenantID),
		Attempt:      md.Get(KeyAttempt),
	}
	headers := make(Metadata, len(md))
	for k, v := range md {
		if !IsTransportKey(k) {
			headers[k] = v
		}
	}
	return headers, env
}

// IsTransportKey reports whether key is reserved for the channel.
func IsTransportKey(key string) bool {
	return strings.HasPrefix(key, transportPrefix)
}

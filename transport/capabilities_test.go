package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilities_SupportsReliableDelivery(t *testing.T) {
	tests := []struct {
		name string
		caps Capabilities
		want bool
	}{
		{"ack and nack", Capabilities{SupportsAck: true, SupportsNack: true}, true},
		{"ack only", Capabilities{SupportsAck: true}, false},
		{"neither", Capabilities{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.caps.SupportsReliableDelivery())
		})
	}
}

func TestCapabilities_RecommendAckAfterProcessing(t *testing.T) {
	assert.True(t, RabbitMQCapabilities.RecommendAckAfterProcessing())
	assert.True(t, AWSCapabilities.RecommendAckAfterProcessing())
	assert.False(t, ChannelCapabilities.RecommendAckAfterProcessing(), "in-memory delivery is lost on crash anyway")
	assert.False(t, KafkaCapabilities.RecommendAckAfterProcessing())
}

func TestPredefinedCapabilities(t *testing.T) {
	groups := map[string]bool{
		"channel":        ChannelCapabilities.SupportsConsumerGroups,
		"kafka":          KafkaCapabilities.SupportsConsumerGroups,
		"rabbitmq":       RabbitMQCapabilities.SupportsConsumerGroups,
		"nats":           NATSCapabilities.SupportsConsumerGroups,
		"nats-jetstream": NATSJetStreamCapabilities.SupportsConsumerGroups,
		"aws":            AWSCapabilities.SupportsConsumerGroups,
		"http":           HTTPCapabilities.SupportsConsumerGroups,
	}
	want := map[string]bool{
		"channel": false, "kafka": true, "rabbitmq": true, "nats": true,
		"nats-jetstream": true, "aws": true, "http": false,
	}
	assert.Equal(t, want, groups)
	assert.Equal(t, int64(262144), AWSCapabilities.MaxMessageSize)
}

func TestGetCapabilitiesUnknown(t *testing.T) {
	caps := NewRegistry().GetCapabilities("nope")
	assert.Equal(t, Capabilities{Name: "nope"}, caps)
}

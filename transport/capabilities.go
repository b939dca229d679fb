package transport

// Capabilities describes what a broker offers natively. The consumer runtime
// consults it to decide what it has to provide itself.
type Capabilities struct {
	// SupportsConsumerGroups means the broker load-balances a topic across
	// the members of a named group. Without it every process receives every
	// event and member selection happens in-process only.
	SupportsConsumerGroups bool

	// SupportsOrdering means deliveries for one partition arrive in order.
	SupportsOrdering bool

	// SupportsPartitioning means the broker routes by the partition key.
	SupportsPartitioning bool

	// SupportsAck and SupportsNack report explicit acknowledgement and
	// redelivery on negative acknowledgement.
	SupportsAck  bool
	SupportsNack bool

	// SupportsTracing means metadata headers travel with the message.
	SupportsTracing bool

	// Durable means published events survive a broker or process restart.
	Durable bool

	// MaxMessageSize is the maximum message size in bytes (0 = unknown).
	MaxMessageSize int64

	Name string
}

// SupportsReliableDelivery reports at-least-once delivery (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// RecommendAckAfterProcessing reports whether deferring the ack until a
// delivery reaches its terminal outcome buys crash safety on this broker.
func (c Capabilities) RecommendAckAfterProcessing() bool {
	return c.Durable && c.SupportsReliableDelivery()
}

// Predefined capability sets for the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:                   "kafka",
		SupportsConsumerGroups: true,
		SupportsOrdering:       true,
		SupportsPartitioning:   true,
		SupportsTracing:        true,
		SupportsAck:            true,
		Durable:                true,
		MaxMessageSize:         1048576, // broker default
	}

	RabbitMQCapabilities = Capabilities{
		Name:                   "rabbitmq",
		SupportsConsumerGroups: true,
		SupportsOrdering:       true,
		SupportsTracing:        true,
		SupportsAck:            true,
		SupportsNack:           true,
		Durable:                true,
	}

	NATSCapabilities = Capabilities{
		Name:                   "nats",
		SupportsConsumerGroups: true,
		SupportsTracing:        true,
		MaxMessageSize:         1048576,
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:                   "nats-jetstream",
		SupportsConsumerGroups: true,
		SupportsOrdering:       true,
		SupportsTracing:        true,
		SupportsAck:            true,
		SupportsNack:           true,
		Durable:                true,
		MaxMessageSize:         1048576,
	}

	AWSCapabilities = Capabilities{
		Name:                   "aws",
		SupportsConsumerGroups: true,
		SupportsTracing:        true,
		SupportsAck:            true,
		SupportsNack:           true,
		Durable:                true,
		MaxMessageSize:         262144, // SQS limit
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities returns the capabilities registered for transportName, or a
// zero value carrying only the name when it is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}

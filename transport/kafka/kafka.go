// Package kafka carries events over Kafka. Each sagaflow consumer group is a
// Kafka consumer group, and events are partitioned by their partition key so
// every event of one key lands on the same partition in order.
package kafka

import (
	"context"
	"errors"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/metadata"
	"github.com/drblury/sagaflow/transport"
)

const TransportName = "kafka"

var (
	// The factories are replaced in tests.
	PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return kafka.NewPublisher(cfg, logger)
	}
	SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return kafka.NewSubscriber(cfg, logger)
	}
)

func init() {
	Register()
}

func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}

// PartitionKey picks the Kafka message key: the partition key header set by
// the event channel, or the message UUID for keyless events.
func PartitionKey(_ string, msg *message.Message) (string, error) {
	if key := msg.Metadata.Get(metadata.KeyPartitionKey); key != "" {
		return key, nil
	}
	return msg.UUID, nil
}

// ProducerConfig waits for all in-sync replicas so an acknowledged publish
// survives a broker failover.
func ProducerConfig() *sarama.Config {
	c := kafka.DefaultSaramaSyncPublisherConfig()
	c.Producer.RequiredAcks = sarama.WaitForAll
	c.Producer.Retry.Max = 5
	return c
}

// ConsumerConfig starts new groups at the oldest offset, so a group created
// after events were published still sees them.
func ConsumerConfig() *sarama.Config {
	c := kafka.DefaultSaramaSubscriberConfig()
	c.Consumer.Offsets.Initial = sarama.OffsetOldest
	return c
}

// Build creates the publisher and a lazily built subscriber per group.
// GetKafkaConsumerGroup, when set, prefixes every group name.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, errspkg.NewTransportError("connect", "", errors.New("kafka: brokers are required"))
	}
	prefix := cfg.GetKafkaConsumerGroup()
	marshaler := kafka.NewWithPartitioningMarshaler(PartitionKey)

	publisher, err := PublisherFactory(kafka.PublisherConfig{
		Brokers:               brokers,
		Marshaler:             marshaler,
		OverwriteSaramaConfig: ProducerConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, errspkg.NewTransportError("build publisher", "", err)
	}

	return transport.Transport{
		Publisher: publisher,
		Subscribers: transport.NewGroupSubscribers(func(group string) (message.Subscriber, error) {
			return SubscriberFactory(kafka.SubscriberConfig{
				Brokers:               brokers,
				Unmarshaler:           marshaler,
				ConsumerGroup:         transport.GroupName(prefix, group),
				OverwriteSaramaConfig: ConsumerConfig(),
			}, logger)
		}),
	}, nil
}

// Package rabbitmq carries events over RabbitMQ topic exchanges. Each
// consumer group owns a durable queue named <topic>_<group>, so groups see
// independent copies of every event while the members of a group compete on
// one queue.
package rabbitmq

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/transport"
)

const TransportName = "rabbitmq"

// Prefetch bounds unacknowledged deliveries per group queue consumer.
var Prefetch = 64

var (
	// The factories are replaced in tests.
	ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
		return amqp.NewConnection(cfg, logger)
	}
	PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
		return amqp.NewPublisherWithConnection(cfg, logger, conn)
	}
	SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
		return amqp.NewSubscriberWithConnection(cfg, logger, conn)
	}
)

func init() {
	Register()
}

func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// Build dials one reconnecting connection and shares it between the
// publisher and every group subscriber. Closing the publisher closes the
// connection.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	uri := cfg.GetRabbitMQURL()
	if uri == "" {
		return transport.Transport{}, errspkg.NewTransportError("connect", "", errors.New("rabbitmq: URL is required"))
	}

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   uri,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, errspkg.NewTransportError("connect", "", err)
	}

	publisher, err := PublisherFactory(GroupConfig(uri, ""), logger, conn)
	if err != nil {
		_ = conn.Close()
		return transport.Transport{}, errspkg.NewTransportError("build publisher", "", err)
	}

	return transport.Transport{
		Publisher: &sharedConnPublisher{Publisher: publisher, conn: conn},
		Subscribers: transport.NewGroupSubscribers(func(group string) (message.Subscriber, error) {
			return SubscriberFactory(GroupConfig(uri, group), logger, conn)
		}),
	}, nil
}

// GroupConfig returns the durable pub/sub config for group. The queue is
// named <topic>_<group>, or just <topic> without a group.
func GroupConfig(uri, group string) amqp.Config {
	name := amqp.GenerateQueueNameTopicName
	if group != "" {
		name = amqp.GenerateQueueNameTopicNameWithSuffix(group)
	}
	c := amqp.NewDurablePubSubConfig(uri, name)
	c.Consume.Qos.PrefetchCount = Prefetch
	return c
}

type sharedConnPublisher struct {
	message.Publisher
	conn *amqp.ConnectionWrapper
}

func (p *sharedConnPublisher) Close() error {
	return errors.Join(p.Publisher.Close(), p.conn.Close())
}

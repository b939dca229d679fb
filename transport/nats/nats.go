// Package nats carries events over NATS Core. A consumer group is a NATS
// queue group, so the members of one group compete for each event. NATS Core
// does not persist messages; events published while no member of a group is
// connected are lost to that group. Use the jetstream transport for
// durability.
package nats

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/transport"
)

const TransportName = "nats"

const (
	reconnectWait = 2 * time.Second
	ackWait       = 30 * time.Second
	closeTimeout  = 10 * time.Second
)

var (
	// The factories are replaced in tests.
	PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return nats.NewPublisher(cfg, logger)
	}
	SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return nats.NewSubscriber(cfg, logger)
	}
)

func init() {
	Register()
}

func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}

// ConnectionOptions names the connection after its role and keeps it
// reconnecting forever, logging every disconnect and reconnect.
func ConnectionOptions(role string, logger watermill.LoggerAdapter) []natsgo.Option {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	fields := watermill.LogFields{"connection": "sagaflow-" + role}
	return []natsgo.Option{
		natsgo.Name("sagaflow-" + role),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(reconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS connection lost", err, fields)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS connection restored", fields.Add(watermill.LogFields{"server": nc.ConnectedUrl()}))
		}),
	}
}

// Build creates the publisher and a lazily built queue group subscriber per
// consumer group.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return transport.Transport{}, errspkg.NewTransportError("connect", "", errors.New("nats: URL is required"))
	}
	marshaler := &nats.NATSMarshaler{}
	core := nats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(nats.PublisherConfig{
		URL:         url,
		NatsOptions: ConnectionOptions("publisher", logger),
		Marshaler:   marshaler,
		JetStream:   core,
	}, logger)
	if err != nil {
		return transport.Transport{}, errspkg.NewTransportError("build publisher", "", err)
	}

	return transport.Transport{
		Publisher: publisher,
		Subscribers: transport.NewGroupSubscribers(func(group string) (message.Subscriber, error) {
			return SubscriberFactory(nats.SubscriberConfig{
				URL:              url,
				QueueGroupPrefix: group,
				SubscribersCount: 1,
				AckWaitTimeout:   ackWait,
				CloseTimeout:     closeTimeout,
				NatsOptions:      ConnectionOptions("group-"+group, logger),
				Unmarshaler:      marshaler,
				JetStream:        core,
			}, logger)
		}),
	}, nil
}

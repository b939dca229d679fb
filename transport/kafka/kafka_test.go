package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/metadata"
	"github.com/drblury/sagaflow/transport"
	"github.com/drblury/sagaflow/transport/transporttest"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	transport.DefaultRegistry = transport.NewRegistry()
	defer func() { transport.DefaultRegistry = original }()

	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "kafka", caps.Name)
	assert.True(t, caps.SupportsConsumerGroups)
	assert.True(t, caps.SupportsPartitioning)
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func TestPartitionKey(t *testing.T) {
	msg := message.NewMessage("uuid-1", nil)
	key, err := PartitionKey("orders", msg)
	require.NoError(t, err)
	assert.Equal(t, "uuid-1", key)

	msg.Metadata.Set(metadata.KeyPartitionKey, "order-7")
	key, err = PartitionKey("orders", msg)
	require.NoError(t, err)
	assert.Equal(t, "order-7", key)
}

func TestBuild(t *testing.T) {
	t.Run("builds one subscriber per consumer group", func(t *testing.T) {
		originalPub, originalSub := PublisherFactory, SubscriberFactory
		defer func() { PublisherFactory, SubscriberFactory = originalPub, originalSub }()

		pub := &transporttest.Publisher{}
		var groups []string
		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
			assert.NotNil(t, cfg.Marshaler)
			assert.Equal(t, sarama.WaitForAll, cfg.OverwriteSaramaConfig.Producer.RequiredAcks)
			return pub, nil
		}
		SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			groups = append(groups, cfg.ConsumerGroup)
			assert.Equal(t, sarama.OffsetOldest, cfg.OverwriteSaramaConfig.Consumer.Offsets.Initial)
			return &transporttest.Subscriber{Group: cfg.ConsumerGroup}, nil
		}

		cfg := &transporttest.Config{KafkaBrokers: []string{"localhost:9092"}, KafkaConsumerGroup: "prod"}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Same(t, pub, tr.Publisher)

		_, err = tr.Subscribers.Get("billing")
		require.NoError(t, err)
		_, err = tr.Subscribers.Get("billing")
		require.NoError(t, err)
		_, err = tr.Subscribers.Get("audit")
		require.NoError(t, err)

		assert.Equal(t, []string{"prod.billing", "prod.audit"}, groups)
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		originalPub := PublisherFactory
		defer func() { PublisherFactory = originalPub }()

		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"localhost:9092"}}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
		assert.ErrorIs(t, err, errspkg.ErrTransport)
	})

	t.Run("surfaces subscriber errors on first use", func(t *testing.T) {
		originalPub, originalSub := PublisherFactory, SubscriberFactory
		defer func() { PublisherFactory, SubscriberFactory = originalPub, originalSub }()

		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return &transporttest.Publisher{}, nil
		}
		SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		tr, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"localhost:9092"}}, watermill.NopLogger{})
		require.NoError(t, err)
		_, err = tr.Subscribers.Get("billing")
		assert.ErrorContains(t, err, "subscriber error")
	})

	t.Run("requires brokers", func(t *testing.T) {
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "brokers are required")
	})
}

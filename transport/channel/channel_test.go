package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/sagaflow/transport"
	"github.com/drblury/sagaflow/transport/transporttest"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	transport.DefaultRegistry = transport.NewRegistry()
	defer func() { transport.DefaultRegistry = original }()

	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "channel", caps.Name)
	assert.True(t, caps.SupportsOrdering)
	assert.False(t, caps.SupportsConsumerGroups)
	assert.Equal(t, transport.ChannelCapabilities, Capabilities())
}

func TestBuildDeliversAcrossGroups(t *testing.T) {
	tr, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	defer tr.Close()

	subA, err := tr.Subscribers.Get("a")
	require.NoError(t, err)
	subB, err := tr.Subscribers.Get("b")
	require.NoError(t, err)
	assert.Same(t, subA, subB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out1, err := subA.Subscribe(ctx, "orders")
	require.NoError(t, err)
	out2, err := subB.Subscribe(ctx, "orders")
	require.NoError(t, err)

	published := make(chan error, 1)
	go func() { published <- tr.Publisher.Publish("orders", message.NewMessage("id-1", []byte("x"))) }()

	for _, out := range []<-chan *message.Message{out1, out2} {
		select {
		case msg := <-out:
			assert.Equal(t, "id-1", msg.UUID)
			msg.Ack()
		case <-time.After(time.Second):
			t.Fatal("message not delivered to every subscription")
		}
	}
	require.NoError(t, <-published, "publish returns once every subscription acked")
}

func TestBuildUsesFactory(t *testing.T) {
	original := Factory
	defer func() { Factory = original }()

	pub := &transporttest.Publisher{}
	sub := &transporttest.Subscriber{}
	var got gochannel.Config
	Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		got = cfg
		return pub, sub
	}

	tr, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, int64(OutputBuffer), got.OutputChannelBuffer)
	assert.True(t, got.BlockPublishUntilSubscriberAck)
	assert.Same(t, pub, tr.Publisher)

	shared, err := tr.Subscribers.Get("any")
	require.NoError(t, err)
	assert.Same(t, sub, shared)
}

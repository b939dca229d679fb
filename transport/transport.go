// Package transport defines the broker abstraction behind the sagaflow event
// channel. Each implementation (kafka, rabbitmq, aws, ...) lives in its own
// sub-package and registers a Builder with the transport registry.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport is what a Builder produces: one publisher plus a source of
// subscribers bound to consumer groups.
type Transport struct {
	Publisher   message.Publisher
	Subscribers *GroupSubscribers
}

// Close closes the publisher and every subscriber handed out.
func (t Transport) Close() error {
	var errs []error
	if t.Subscribers != nil {
		errs = append(errs, t.Subscribers.Close())
	}
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	return errors.Join(errs...)
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports, without
// depending on the full config package.
type Config interface {
	GetPubSubSystem() string

	// Kafka. The consumer group doubles as a prefix for every group name.
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	GetRabbitMQURL() string

	GetNATSURL() string

	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// GroupName joins an optional deployment prefix with a consumer group.
func GroupName(prefix, group string) string {
	if prefix == "" {
		return group
	}
	if group == "" {
		return prefix
	}
	return prefix + "." + group
}

// GroupSubscribers hands out one subscriber per consumer group. Brokers with
// native groups build a dedicated subscriber per group; brokers without them
// share a single subscriber and leave member selection to the runtime.
type GroupSubscribers struct {
	mu     sync.Mutex
	build  func(group string) (message.Subscriber, error)
	shared message.Subscriber
	subs   map[string]message.Subscriber
	closed bool
}

// NewGroupSubscribers builds subscribers lazily with build, one per group.
func NewGroupSubscribers(build func(group string) (message.Subscriber, error)) *GroupSubscribers {
	return &GroupSubscribers{build: build, subs: make(map[string]message.Subscriber)}
}

// SharedSubscriber returns sub for every group.
func SharedSubscriber(sub message.Subscriber) *GroupSubscribers {
	return &GroupSubscribers{shared: sub, subs: make(map[string]message.Subscriber)}
}

// Get returns the subscriber for group, building it on first use.
func (g *GroupSubscribers) Get(group string) (message.Subscriber, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, errors.New("transport: subscribers are closed")
	}
	if g.shared != nil {
		return g.shared, nil
	}
	if sub, ok := g.subs[group]; ok {
		return sub, nil
	}
	if g.build == nil {
		return nil, errors.New("transport: no subscriber available")
	}
	sub, err := g.build(group)
	if err != nil {
		return nil, err
	}
	g.subs[group] = sub
	return sub, nil
}

// Groups lists the groups a dedicated subscriber was built for.
func (g *GroupSubscribers) Groups() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.subs))
	for group := range g.subs {
		out = append(out, group)
	}
	return out
}

// Close closes every subscriber once.
func (g *GroupSubscribers) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true

	var errs []error
	if g.shared != nil {
		errs = append(errs, g.shared.Close())
	}
	for _, sub := range g.subs {
		errs = append(errs, sub.Close())
	}
	g.subs = map[string]message.Subscriber{}
	return errors.Join(errs...)
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

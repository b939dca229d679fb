package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/sagaflow/internal/runtime/clock"
	"github.com/drblury/sagaflow/internal/runtime/dlq"
	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/event"
	loggingpkg "github.com/drblury/sagaflow/internal/runtime/logging"
	"github.com/drblury/sagaflow/internal/runtime/metadata"
	"github.com/drblury/sagaflow/transport"
)

const (
	// DefaultGroup is used when Subscribe is called without a group.
	DefaultGroup = "default"

	DefaultMaxInFlight     = 64
	DefaultShutdownTimeout = 30 * time.Second
)

// Handler processes one event. Returning nil acknowledges the delivery; see
// errors.ClassifyError for how other results are treated.
type Handler func(ctx context.Context, evt event.Event) error

// ChannelConfig wires a Channel. Only Transport is required.
type ChannelConfig struct {
	Transport    transport.Transport
	Capabilities transport.Capabilities

	// Codec encodes published events. Defaults to compact JSON.
	Codec event.Codec
	// Codecs resolves decoders by content type. Codec is always registered.
	Codecs *event.Registry

	// DeadLetters records dead-lettered deliveries for inspection and replay.
	DeadLetters *dlq.Store
	DLQMetrics  *DLQMetrics
	Metrics     *ConsumerMetrics

	Logger loggingpkg.ServiceLogger
	Clock  clock.Clock

	// Retry is the policy for subscriptions that do not set their own.
	Retry RetryPolicy
	// MaxInFlight bounds the partition keys a member works on at once. Each
	// member queues at most 16 deliveries per slot across all keys.
	MaxInFlight int
	// HandlerTimeout bounds a single handler attempt when > 0.
	HandlerTimeout time.Duration
	// ShutdownTimeout bounds how long Close drains queued deliveries.
	ShutdownTimeout time.Duration
	// AckAfterProcessing is the default ack mode of new subscriptions.
	AckAfterProcessing bool

	// Middlewares wrap every attempt; nil selects DefaultMiddlewares.
	Middlewares     []MiddlewareRegistration
	Hooks           JobHooks
	ErrorClassifier ErrorClassifier
}

// SubscribeOptions tunes a single subscription.
type SubscribeOptions struct {
	// Name identifies the handler in logs and inspection. Defaults to
	// "<group>:<topic>".
	Name  string
	Retry RetryPolicy
	// MaxInFlight overrides the channel default for this member.
	MaxInFlight int
	// AckAfterProcessing defers the transport ack to the terminal outcome.
	AckAfterProcessing bool
	// Hooks run around every attempt of this handler, after the channel hooks.
	Hooks JobHooks
}

// Channel publishes events through a transport and runs the consumer runtime
// for subscribed handlers.
type Channel struct {
	conf ChannelConfig

	publisher   message.Publisher
	subscribers *transport.GroupSubscribers

	codec      event.Codec
	codecs     *event.Registry
	deadLetter *dlq.Store
	dlqMetrics *DLQMetrics
	metrics    *ConsumerMetrics
	logger     loggingpkg.ServiceLogger
	clock      clock.Clock
	classifier ErrorClassifier
	retry      RetryPolicy
	resources  *resourceTracker

	middlewares []message.HandlerMiddleware
	// hooksAt is where job hooks join the chain: inside everything but the
	// recoverer, so panics still reach OnJobError.
	hooksAt int

	intakeCtx    context.Context
	cancelIntake context.CancelFunc
	workCtx      context.Context
	cancelWork   context.CancelFunc

	intake  sync.WaitGroup
	workers sync.WaitGroup

	mu     sync.Mutex
	subs   map[subscriptionKey]*subscription
	closed bool
}

type subscriptionKey struct {
	topic string
	group string
}

// NewChannel builds a Channel over conf.Transport and resolves the
// middleware chain.
func NewChannel(conf ChannelConfig) (*Channel, error) {
	if conf.Transport.Publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if conf.MaxInFlight <= 0 {
		conf.MaxInFlight = DefaultMaxInFlight
	}
	if conf.ShutdownTimeout <= 0 {
		conf.ShutdownTimeout = DefaultShutdownTimeout
	}
	if conf.Codec == nil {
		conf.Codec = event.JSONCodec{}
	}
	if conf.Codecs == nil {
		conf.Codecs = event.NewRegistry()
	}
	conf.Codecs.Register(conf.Codec)
	if conf.ErrorClassifier == nil {
		conf.ErrorClassifier = defaultErrorClassifier
	}

	c := &Channel{
		conf:        conf,
		publisher:   conf.Transport.Publisher,
		subscribers: conf.Transport.Subscribers,
		codec:       conf.Codec,
		codecs:      conf.Codecs,
		deadLetter:  conf.DeadLetters,
		dlqMetrics:  conf.DLQMetrics,
		metrics:     conf.Metrics,
		logger:      loggingpkg.ForComponent(conf.Logger, "channel"),
		clock:       clock.OrReal(conf.Clock),
		classifier:  conf.ErrorClassifier,
		retry:       conf.Retry.withDefaults(),
		resources:   newResourceTracker(conf.Clock),
		subs:        make(map[subscriptionKey]*subscription),
	}
	c.intakeCtx, c.cancelIntake = context.WithCancel(context.Background())
	c.workCtx, c.cancelWork = context.WithCancel(context.Background())

	registrations := conf.Middlewares
	if registrations == nil {
		registrations = DefaultMiddlewares()
	}
	c.hooksAt = -1
	for _, reg := range registrations {
		if reg.Name == "recoverer" && c.hooksAt < 0 {
			c.hooksAt = len(c.middlewares)
		}
		mw, err := c.buildMiddleware(reg)
		if err != nil {
			c.cancelIntake()
			c.cancelWork()
			return nil, err
		}
		if mw != nil {
			c.middlewares = append(c.middlewares, mw)
		}
	}
	if c.hooksAt < 0 {
		c.hooksAt = len(c.middlewares)
	}

	if conf.DLQMetrics != nil {
		conf.DLQMetrics.useClock(c.clock)
		if err := conf.DLQMetrics.Register(); err != nil {
			c.cancelIntake()
			c.cancelWork()
			return nil, fmt.Errorf("register dlq metrics: %w", err)
		}
	}
	return c, nil
}

// Capabilities reports what the underlying transport offers.
func (c *Channel) Capabilities() transport.Capabilities {
	return c.conf.Capabilities
}

// Codec returns the codec used by Publish.
func (c *Channel) Codec() event.Codec {
	return c.codec
}

// Publish encodes evt and hands it to the transport. The message UUID is the
// event id and the metadata carries the partition key, tenant and content
// type next to the event headers.
func (c *Channel) Publish(ctx context.Context, evt event.Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errspkg.ErrClosed
	}

	msg, err := c.newMessage(evt)
	if err != nil {
		return err
	}
	if ctx != nil {
		msg.SetContext(ctx)
		injectTraceContext(ctx, msg)
	}

	err = c.publisher.Publish(evt.Topic, msg)
	c.metrics.published(evt.Topic, err)
	if err != nil {
		return errspkg.NewTransportError("publish", evt.Topic, err)
	}
	return nil
}

func (c *Channel) newMessage(evt event.Event) (*message.Message, error) {
	payload, err := c.codec.Encode(evt)
	if err != nil {
		return nil, err
	}

	msg := message.NewMessage(evt.ID, payload)
	msg.Metadata = metadata.ToWatermill(evt.Headers, metadata.Envelope{
		EventID:      evt.ID,
		PartitionKey: evt.PartitionKey(),
		ContentType:  c.codec.ContentType(),
		TenantID:     evt.TenantID,
	})
	return msg, nil
}

// Subscribe registers handler for topic within group. Every event on topic
// reaches exactly one member of each group; calling Subscribe again with the
// same topic and group adds a member. Members are chosen by a stable hash of
// the partition key, so events sharing a key are handled in order by one
// member.
func (c *Channel) Subscribe(topic, group string, handler Handler, opts SubscribeOptions) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if group == "" {
		group = DefaultGroup
	}
	if c.subscribers == nil {
		return fmt.Errorf("subscribe %q: transport has no subscribers", topic)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errspkg.ErrClosed
	}

	key := subscriptionKey{topic: topic, group: group}
	sub, ok := c.subs[key]
	if !ok {
		subscriber, err := c.subscribers.Get(group)
		if err != nil {
			return errspkg.NewTransportError("subscribe", topic, err)
		}
		messages, err := subscriber.Subscribe(c.intakeCtx, topic)
		if err != nil {
			return errspkg.NewTransportError("subscribe", topic, err)
		}
		sub = &subscription{channel: c, topic: topic, group: group}
		c.subs[key] = sub
		c.syncDeadLetterCount(topic)

		c.intake.Add(1)
		go func() {
			defer c.intake.Done()
			sub.run(messages)
		}()
	}

	m := c.newMember(sub, len(sub.snapshotMembers()), handler, opts)
	sub.addMember(m)

	c.logger.Info("Handler subscribed", loggingpkg.LogFields{
		loggingpkg.FieldHandler: m.name,
		loggingpkg.FieldTopic:   topic,
		loggingpkg.FieldGroup:   group,
		"member":                m.index,
		"max_retries":           m.retry.MaxRetries,
		"ack_after":             m.ackAfter,
	})
	return nil
}

// Handlers lists every subscribed handler, sorted by topic, group and member.
func (c *Channel) Handlers() []HandlerInfo {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	var out []HandlerInfo
	for _, sub := range subs {
		for _, m := range sub.snapshotMembers() {
			out = append(out, m.info())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Member < out[j].Member
	})
	return out
}

// DeadLetters returns the dead letter store, or nil when none is wired.
func (c *Channel) DeadLetters() *dlq.Store {
	return c.deadLetter
}

// ReplayDeadLetter republishes the original event of a dead letter entry onto
// its original topic and removes the entry.
func (c *Channel) ReplayDeadLetter(ctx context.Context, topic, id string) error {
	if c.deadLetter == nil {
		return fmt.Errorf("replay %s/%s: %w", topic, id, errspkg.ErrStoreRequired)
	}
	entry, err := c.deadLetter.Get(ctx, topic, id)
	if err != nil {
		return err
	}
	if entry.OriginalEvent == nil {
		return fmt.Errorf("replay %s/%s: entry holds an undecodable payload: %w", topic, id, errspkg.ErrUnprocessable)
	}
	if err := c.Publish(ctx, *entry.OriginalEvent); err != nil {
		return err
	}
	if err := c.deadLetter.Delete(ctx, topic, id); err != nil {
		return err
	}
	if c.dlqMetrics != nil {
		c.dlqMetrics.replayed(topic)
	}
	c.logger.Info("Dead letter replayed", loggingpkg.LogFields{
		loggingpkg.FieldTopic:   topic,
		loggingpkg.FieldEventID: entry.OriginalEvent.ID,
		"dead_letter_id":        id,
	})
	return nil
}

func (c *Channel) syncDeadLetterCount(topic string) {
	if c.dlqMetrics == nil || c.deadLetter == nil {
		return
	}
	if err := c.dlqMetrics.Sync(c.intakeCtx, c.deadLetter, topic); err != nil {
		c.logger.Error("Counting dead letters failed", err, loggingpkg.LogFields{loggingpkg.FieldTopic: topic})
	}
}

// PurgeDeadLetters removes every dead letter entry recorded for topic.
func (c *Channel) PurgeDeadLetters(ctx context.Context, topic string) (int, error) {
	if c.deadLetter == nil {
		return 0, fmt.Errorf("purge %s: %w", topic, errspkg.ErrStoreRequired)
	}
	n, err := c.deadLetter.Purge(ctx, topic)
	if err != nil {
		return n, err
	}
	if c.dlqMetrics != nil {
		c.dlqMetrics.purged(topic, n)
	}
	return n, nil
}

// Close stops intake, lets queued deliveries finish for up to
// ShutdownTimeout, then cancels the remaining handlers and closes the
// transport.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancelIntake()
	c.intake.Wait()

	drained := make(chan struct{})
	go func() {
		c.workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(c.conf.ShutdownTimeout):
		c.logger.Info("Shutdown timeout reached, cancelling handlers", loggingpkg.LogFields{
			"timeout": c.conf.ShutdownTimeout.String(),
		})
		c.cancelWork()
		<-drained
	}
	c.cancelWork()

	if err := c.conf.Transport.Close(); err != nil {
		return errors.Join(errspkg.ErrTransport, err)
	}
	return nil
}

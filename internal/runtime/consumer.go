package runtime

import (
	"context"
	"errors"
	"hash/fnv"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/sagaflow/internal/runtime/dlq"
	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/event"
	"github.com/drblury/sagaflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/sagaflow/internal/runtime/logging"
	"github.com/drblury/sagaflow/internal/runtime/metadata"
	"github.com/drblury/sagaflow/internal/runtime/stats"
)

// subscription is the single transport subscription of one topic and group.
// Its members share the deliveries by partition key.
type subscription struct {
	channel *Channel
	topic   string
	group   string

	mu      sync.RWMutex
	members []*member
}

func (s *subscription) addMember(m *member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members = append(s.members, m)
}

func (s *subscription) snapshotMembers() []*member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*member, len(s.members))
	copy(out, s.members)
	return out
}

// pick selects the member responsible for key.
func (s *subscription) pick(key string) *member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.members) == 0 {
		return nil
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.members[h.Sum32()%uint32(len(s.members))]
}

// run reads the transport until the subscription ends.
func (s *subscription) run(messages <-chan *message.Message) {
	ctx := s.channel.intakeCtx
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			s.dispatch(msg)
		}
	}
}

// dispatch decodes msg and queues it on the owning member. Undecodable
// messages are dead-lettered right away.
func (s *subscription) dispatch(msg *message.Message) {
	c := s.channel
	_, env := metadata.FromWatermill(msg.Metadata)

	d := &delivery{msg: msg, topic: s.topic, receivedAt: c.clock.Now()}
	evt, err := c.codecs.Decode(env.ContentType, msg.Payload)
	if err != nil {
		d.decodeErr = err
		d.key = env.PartitionKey
		if d.key == "" {
			d.key = msg.UUID
		}
	} else {
		d.evt = &evt
		d.key = evt.PartitionKey()
	}

	m := s.pick(d.key)
	if m == nil {
		msg.Nack()
		return
	}
	d.member = m

	if d.decodeErr != nil {
		m.stats.OnEnqueue(m.activeKeys())
		c.metrics.queued(s.topic, s.group, 1)
		c.logger.Error("Dropping undecodable message to dead letter", d.decodeErr, loggingpkg.LogFields{
			loggingpkg.FieldTopic:   s.topic,
			loggingpkg.FieldGroup:   s.group,
			loggingpkg.FieldEventID: msg.UUID,
		})
		m.deadLetter(d, d.decodeErr, 0)
		return
	}

	if !m.enqueue(c.intakeCtx, d) {
		msg.Nack()
		return
	}
	if !m.ackAfter {
		msg.Ack()
	}
}

// member is one handler within a group.
type member struct {
	channel *Channel
	sub     *subscription
	index   int
	name    string
	retry   RetryPolicy

	ackAfter     bool
	subscribedAt time.Time
	handle       message.HandlerFunc
	stats        *HandlerStats

	// slots holds one token per key being worked on, queued one token per
	// delivery waiting or running. A key's backlog only ever holds one slot.
	slots  chan struct{}
	queued chan struct{}

	mu     sync.Mutex
	queues map[string][]*delivery
}

type delivery struct {
	msg        *message.Message
	member     *member
	topic      string
	key        string
	evt        *event.Event
	decodeErr  error
	receivedAt time.Time
}

type eventKey struct{}

// queuedPerSlot sizes the backlog of a member relative to its in-flight
// budget.
const queuedPerSlot = 16

func (c *Channel) newMember(sub *subscription, index int, handler Handler, opts SubscribeOptions) *member {
	name := opts.Name
	if name == "" {
		name = sub.group + ":" + sub.topic
	}
	maxInFlight := opts.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = c.conf.MaxInFlight
	}

	mws := c.middlewares
	if hooks := c.conf.Hooks.Merge(opts.Hooks); !hooks.empty() {
		mws = make([]message.HandlerMiddleware, 0, len(c.middlewares)+1)
		mws = append(mws, c.middlewares[:c.hooksAt]...)
		mws = append(mws, jobHooksMiddleware(hooks))
		mws = append(mws, c.middlewares[c.hooksAt:]...)
	}

	base := func(msg *message.Message) ([]*message.Message, error) {
		evt, _ := msg.Context().Value(eventKey{}).(event.Event)
		return nil, handler(msg.Context(), evt)
	}

	return &member{
		channel:      c,
		sub:          sub,
		index:        index,
		name:         name,
		retry:        opts.Retry.merge(c.retry).withDefaults(),
		ackAfter:     opts.AckAfterProcessing || c.conf.AckAfterProcessing,
		subscribedAt: c.clock.Now(),
		handle:       chain(base, mws),
		stats:        stats.NewHandlerStats(c.clock),
		slots:        make(chan struct{}, maxInFlight),
		queued:       make(chan struct{}, maxInFlight*queuedPerSlot),
		queues:       make(map[string][]*delivery),
	}
}

func (m *member) info() HandlerInfo {
	return HandlerInfo{
		Name:               m.name,
		Topic:              m.sub.topic,
		Group:              m.sub.group,
		Member:             m.index,
		MaxRetries:         m.retry.MaxRetries,
		AckAfterProcessing: m.ackAfter,
		SubscribedAt:       m.subscribedAt,
		Stats:              m.stats,
	}
}

func (m *member) activeKeys() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues)
}

// enqueue appends d to its key queue. A key without a queue first takes a
// slot of the in-flight budget and gets a worker. enqueue blocks while the
// budget or the backlog is exhausted and reports false when ctx ends first.
// Only the subscription intake calls it, so keys are created by one
// goroutine and removed only by their worker.
func (m *member) enqueue(ctx context.Context, d *delivery) bool {
	select {
	case m.queued <- struct{}{}:
	case <-ctx.Done():
		return false
	}

	holding := false
	for {
		m.mu.Lock()
		q, active := m.queues[d.key]
		if active || holding {
			m.queues[d.key] = append(q, d)
			keys := len(m.queues)
			if !active {
				m.channel.workers.Add(1)
			}
			m.mu.Unlock()

			if active && holding {
				<-m.slots
			}
			m.stats.OnEnqueue(keys)
			m.channel.metrics.queued(m.sub.topic, m.sub.group, 1)
			if !active {
				go m.work(d.key)
			}
			return true
		}
		m.mu.Unlock()

		select {
		case m.slots <- struct{}{}:
			holding = true
		case <-ctx.Done():
			<-m.queued
			return false
		}
	}
}

// work drains the queue of key. It exits once the queue is empty, so idle
// keys hold no goroutine.
func (m *member) work(key string) {
	defer m.channel.workers.Done()
	for {
		m.mu.Lock()
		q := m.queues[key]
		if len(q) == 0 {
			delete(m.queues, key)
			m.mu.Unlock()
			<-m.slots
			return
		}
		d := q[0]
		q[0] = nil
		m.queues[key] = q[1:]
		m.mu.Unlock()

		m.process(d)
		<-m.queued
	}
}

// process runs the attempts of one delivery until it reaches a terminal
// outcome.
func (m *member) process(d *delivery) {
	c := m.channel
	policy := m.retry
	bo := policy.newBackOff()

	for attempt := 1; ; attempt++ {
		if err := c.workCtx.Err(); err != nil {
			m.interrupted(d, err, attempt-1)
			return
		}

		err := m.attempt(d, attempt)
		outcome, delay := errspkg.ClassifyError(err)
		if err != nil && c.workCtx.Err() != nil && errors.Is(err, context.Canceled) {
			m.interrupted(d, err, attempt)
			return
		}

		switch outcome {
		case errspkg.OutcomeAck, errspkg.OutcomeSkip:
			m.finish(d, outcome)
			return
		case errspkg.OutcomeDeadLetter:
			m.deadLetter(d, err, attempt)
			return
		}

		if policy.Disabled || attempt > policy.MaxRetries {
			m.deadLetter(d, err, attempt)
			return
		}

		wait := bo.NextBackOff()
		if delay > 0 {
			wait = delay
		}
		m.stats.OnRetry()
		c.metrics.retry(m.sub.topic, m.sub.group)
		c.logger.Debug("Retrying delivery", loggingpkg.Delivery(m.name, m.sub.topic, m.sub.group, d.evt.ID, attempt).
			With("backoff", wait.String()).
			With("error", err.Error()))

		select {
		case <-c.workCtx.Done():
			m.interrupted(d, c.workCtx.Err(), attempt)
			return
		case <-c.clock.After(wait):
		}
	}
}

// attempt invokes the middleware chain and handler once.
func (m *member) attempt(d *delivery, n int) error {
	c := m.channel
	delivery := Delivery{
		Handler:      m.name,
		Topic:        m.sub.topic,
		Group:        m.sub.group,
		EventID:      d.evt.ID,
		PartitionKey: d.key,
		Attempt:      n,
		MaxRetries:   m.retry.MaxRetries,
	}

	msg := message.NewMessage(d.msg.UUID, d.msg.Payload)
	msg.Metadata = maps.Clone(d.msg.Metadata)
	if msg.Metadata == nil {
		msg.Metadata = message.Metadata{}
	}
	msg.Metadata.Set(metadata.KeyAttempt, strconv.Itoa(n))

	ctx := withDelivery(c.workCtx, delivery)
	ctx = context.WithValue(ctx, eventKey{}, d.evt.Clone())
	msg.SetContext(ctx)

	start := time.Now()
	_, err := m.handle(msg)
	m.stats.OnAttempt(time.Since(start), err, c.classifier(err))
	if err != nil && isRecoveredPanic(err) {
		c.logger.Error("Handler panicked", err, loggingpkg.Delivery(m.name, m.sub.topic, m.sub.group, d.evt.ID, n))
	}
	return err
}

// interrupted handles a delivery cut short by shutdown. With deferred acks
// the broker redelivers it; otherwise it is dead-lettered so it is not lost.
func (m *member) interrupted(d *delivery, cause error, attempts int) {
	if m.ackAfter {
		m.stats.OnOutcome(errspkg.OutcomeRetry, m.activeKeys())
		m.channel.metrics.queued(m.sub.topic, m.sub.group, -1)
		m.channel.metrics.outcome(m.sub.topic, m.sub.group, "nack")
		d.msg.Nack()
		return
	}
	m.deadLetter(d, cause, attempts)
}

func (m *member) finish(d *delivery, outcome errspkg.Outcome) {
	m.stats.OnOutcome(outcome, m.activeKeys())
	m.channel.metrics.queued(m.sub.topic, m.sub.group, -1)
	m.channel.metrics.outcome(m.sub.topic, m.sub.group, outcome.String())
	if m.ackAfter {
		d.msg.Ack()
	}
}

// deadLetter records d in the dead letter store and publishes it on the
// dead letter topic, unless d already came from one. The original delivery
// is acknowledged afterwards.
func (m *member) deadLetter(d *delivery, cause error, attempts int) {
	c := m.channel
	topic := m.sub.topic
	ctx := context.WithoutCancel(c.workCtx)

	if cause == nil {
		cause = errspkg.ErrDeadLetter
	}
	entry := dlq.Entry{
		OriginalTopic: topic,
		Group:         m.sub.group,
		Error:         panicText(cause),
		Attempts:      attempts,
	}
	if d.evt != nil {
		original := d.evt.Clone()
		entry.OriginalEvent = &original
	} else {
		entry.RawPayload = append([]byte(nil), d.msg.Payload...)
	}

	if c.deadLetter != nil {
		recorded, err := c.deadLetter.Record(ctx, entry)
		if err != nil {
			c.logger.Error("Recording dead letter failed", err, loggingpkg.LogFields{loggingpkg.FieldTopic: topic})
		} else {
			entry = recorded
		}
	}
	if entry.ID == "" {
		entry.ID = ids.CreateULID()
		entry.FailedAt = c.clock.Now().UTC()
	}

	if !dlq.IsDeadLetterTopic(topic) {
		if err := c.publishDeadLetter(ctx, entry); err != nil {
			c.logger.Error("Publishing dead letter failed", err, loggingpkg.LogFields{
				loggingpkg.FieldTopic: dlq.Topic(topic),
				"dead_letter_id":      entry.ID,
			})
		}
	}

	if c.dlqMetrics != nil {
		c.dlqMetrics.deadLettered(topic, m.name, attempts, c.clock.Now().Sub(d.receivedAt))
	}

	eventID := d.msg.UUID
	c.logger.Error("Delivery dead-lettered", cause,
		loggingpkg.Delivery(m.name, topic, m.sub.group, eventID, attempts).With("dead_letter_id", entry.ID))

	m.stats.OnOutcome(errspkg.OutcomeDeadLetter, m.activeKeys())
	c.metrics.queued(topic, m.sub.group, -1)
	c.metrics.outcome(topic, m.sub.group, errspkg.OutcomeDeadLetter.String())
	d.msg.Ack()
}

func (c *Channel) publishDeadLetter(ctx context.Context, entry dlq.Entry) error {
	evt, err := entry.Event()
	if err != nil {
		return err
	}
	msg, err := c.newMessage(evt)
	if err != nil {
		return err
	}
	msg.SetContext(ctx)
	if err := c.publisher.Publish(evt.Topic, msg); err != nil {
		c.metrics.published(evt.Topic, err)
		return errspkg.NewTransportError("publish", evt.Topic, err)
	}
	c.metrics.published(evt.Topic, nil)
	return nil
}

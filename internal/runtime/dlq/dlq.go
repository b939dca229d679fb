// Package dlq stores dead-lettered deliveries so they can be inspected,
// replayed or purged after the consumer runtime gave up on them.
package dlq

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/drblury/sagaflow/internal/runtime/clock"
	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/event"
	"github.com/drblury/sagaflow/internal/runtime/ids"
	"github.com/drblury/sagaflow/internal/runtime/jsoncodec"
	"github.com/drblury/sagaflow/internal/runtime/kv"
	"github.com/drblury/sagaflow/internal/runtime/metadata"
)

// Suffix is appended to a topic to name its dead letter topic.
const Suffix = ".DLQ"

const keyPrefix = "dlq/"

// Topic returns the dead letter topic for topic.
func Topic(topic string) string { return topic + Suffix }

// IsDeadLetterTopic reports whether topic already is a dead letter topic.
func IsDeadLetterTopic(topic string) bool { return strings.HasSuffix(topic, Suffix) }

// Entry describes one delivery that was moved aside. OriginalEvent is nil when
// the message could not be decoded; RawPayload then holds the bytes received.
type Entry struct {
	ID            string       `json:"id"`
	OriginalTopic string       `json:"original_topic"`
	Group         string       `json:"group,omitempty"`
	OriginalEvent *event.Event `json:"original_event,omitempty"`
	RawPayload    []byte       `json:"raw_payload,omitempty"`
	Error         string       `json:"error"`
	Attempts      int          `json:"attempts"`
	FailedAt      time.Time    `json:"failed_at"`
}

// PartitionKey keeps a dead letter on the same key as the event it replaces.
func (e Entry) PartitionKey() string {
	if e.OriginalEvent != nil {
		return e.OriginalEvent.PartitionKey()
	}
	return e.ID
}

// Event wraps the entry as an event for the dead letter topic.
func (e Entry) Event() (event.Event, error) {
	payload, err := jsoncodec.Marshal(e)
	if err != nil {
		return event.Event{}, fmt.Errorf("encode dead letter %s: %w", e.ID, err)
	}
	opts := []event.Option{
		event.WithKey(e.PartitionKey()),
		event.WithHeader(metadata.KeyOriginalTopic, e.OriginalTopic),
		event.WithTimestamp(e.FailedAt),
	}
	if e.OriginalEvent != nil && e.OriginalEvent.TenantID != "" {
		opts = append(opts, event.WithTenant(e.OriginalEvent.TenantID))
	}
	return event.New(Topic(e.OriginalTopic), payload, opts...), nil
}

// EntryFromEvent decodes an event received on a dead letter topic.
func EntryFromEvent(ev event.Event) (Entry, error) {
	var entry Entry
	if err := jsoncodec.Unmarshal(ev.Payload, &entry); err != nil {
		return Entry{}, errspkg.NewCodecError("decode dead letter entry", err)
	}
	return entry, nil
}

// Store persists entries in the kv store under dlq/<topic>/<id>.
type Store struct {
	kv    kv.Store
	clock clock.Clock
	ttl   time.Duration
}

// Option configures a Store.
type Option func(*Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = clock.OrReal(c) }
}

// WithRetention expires entries after ttl. Zero keeps them until purged.
func WithRetention(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// NewStore returns a Store over store.
func NewStore(store kv.Store, opts ...Option) *Store {
	s := &Store{kv: store, clock: clock.Real{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func topicPrefix(topic string) string { return keyPrefix + topic + "/" }

func storageKey(topic, id string) string { return topicPrefix(topic) + id }

// Record stores entry and returns it with ID and FailedAt filled in.
func (s *Store) Record(ctx context.Context, entry Entry) (Entry, error) {
	if entry.OriginalTopic == "" {
		return Entry{}, errspkg.ErrTopicRequired
	}
	if entry.FailedAt.IsZero() {
		entry.FailedAt = s.clock.Now()
	}
	if entry.ID == "" {
		entry.ID = ids.CreateULIDAt(entry.FailedAt)
	}
	data, err := jsoncodec.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("encode dead letter: %w", err)
	}
	if err := s.kv.Put(ctx, storageKey(entry.OriginalTopic, entry.ID), data, s.ttl); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Get loads one entry.
func (s *Store) Get(ctx context.Context, topic, id string) (Entry, error) {
	rec, found, err := s.kv.Get(ctx, storageKey(topic, id))
	if err != nil {
		return Entry{}, err
	}
	if !found {
		return Entry{}, fmt.Errorf("dead letter %s/%s: %w", topic, id, errspkg.ErrNotFound)
	}
	var entry Entry
	if err := jsoncodec.Unmarshal(rec.Value, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode dead letter %s/%s: %w", topic, id, err)
	}
	return entry, nil
}

// List returns up to limit entries for topic, oldest first. limit <= 0
// returns all of them.
func (s *Store) List(ctx context.Context, topic string, limit int) ([]Entry, error) {
	prefix := topicPrefix(topic)
	records, err := s.kv.List(ctx, prefix, 0)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		// skip nested topics such as "a/b" when listing "a"
		if strings.Contains(strings.TrimPrefix(rec.Key, prefix), "/") {
			continue
		}
		var entry Entry
		if err := jsoncodec.Unmarshal(rec.Value, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) == limit {
			break
		}
	}
	return entries, nil
}

// Count returns the number of stored entries for topic.
func (s *Store) Count(ctx context.Context, topic string) (int, error) {
	entries, err := s.List(ctx, topic, 0)
	return len(entries), err
}

// Delete removes one entry.
func (s *Store) Delete(ctx context.Context, topic, id string) error {
	return s.kv.Delete(ctx, storageKey(topic, id))
}

// Purge removes every entry for topic and returns how many were removed.
func (s *Store) Purge(ctx context.Context, topic string) (int, error) {
	entries, err := s.List(ctx, topic, 0)
	if err != nil {
		return 0, err
	}
	for i, entry := range entries {
		if err := s.Delete(ctx, topic, entry.ID); err != nil {
			return i, err
		}
	}
	return len(entries), nil
}

// Package events fans unsolicited worker notifications out to subscribers.
//
// Each subscriber owns a bounded buffer; a slow subscriber loses its oldest
// events rather than blocking the decode loop or other subscribers.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"toolbridge/internal/logging"
)

// Event is one notification delivered to subscribers. Topic is the worker
// method name that carried it.
type Event struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     uint64          `json:"seq"`
	Time    time.Time       `json:"time"`
}

// Subscription is one subscriber's forward-only event sequence.
type Subscription struct {
	id      string
	topic   string
	ch      chan Event
	dropped atomic.Uint64
	b       *Broadcaster
	once    sync.Once
}

// Events returns the subscriber's channel. It is closed on Unsubscribe or
// broadcaster shutdown.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped reports how many events were discarded because the subscriber's
// buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Topic returns the topic this subscription was created for.
func (s *Subscription) Topic() string { return s.topic }

// Unsubscribe stops delivery immediately and releases the buffer.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.b.remove(s.id)
	})
}

// Broadcaster delivers notifications keyed by topic. An empty subscription
// topic receives every event.
type Broadcaster struct {
	mu           sync.Mutex
	subs         map[string]*Subscription
	buffer       int
	seq          uint64
	closed       bool
	droppedTotal atomic.Uint64
	logger       *slog.Logger
}

// New constructs a broadcaster whose subscribers buffer up to buffer events.
func New(buffer int, logger *slog.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
		logger: logging.WithComponent(logger, "events"),
	}
}

// Subscribe registers a new subscriber for topic. Subscribing to the empty
// topic delivers all events.
func (b *Broadcaster) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		id:    uuid.NewString(),
		topic: topic,
		ch:    make(chan Event, b.buffer),
		b:     b,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers an event to every matching subscriber without ever
// blocking: a full buffer drops that subscriber's oldest event.
func (b *Broadcaster) Publish(topic string, payload json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.seq++
	evt := Event{Topic: topic, Payload: payload, Seq: b.seq, Time: time.Now().UTC()}

	for _, sub := range b.subs {
		if sub.topic != "" && sub.topic != topic {
			continue
		}
		select {
		case sub.ch <- evt:
			continue
		default:
		}
		// Buffer full: evict the oldest event to make room.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- evt:
		default:
		}
		sub.dropped.Add(1)
		b.droppedTotal.Add(1)
	}
}

// DroppedTotal reports events discarded across all subscribers since start.
func (b *Broadcaster) DroppedTotal() uint64 { return b.droppedTotal.Load() }

// SubscriberCount reports the number of active subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close terminates every subscription. Further publishes are discarded.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	b.logger.Debug("broadcaster closed")
}

func (b *Broadcaster) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}

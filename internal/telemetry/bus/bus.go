// Package bus distributes live telemetry and diagnosis events to
// subscribers.
//
// Delivery is at-most-once. Every subscription owns a bounded buffer;
// when a slow consumer lets it fill, the oldest buffered events are
// dropped and counted, and the publisher never blocks. Durable delivery
// belongs to the store, not the bus.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/espwatch/espwatch/internal/logging"
	"github.com/espwatch/espwatch/internal/telemetry/types"
)

var log = logging.Component("bus")

// Event kinds.
const (
	KindTelemetry = "telemetry"
	KindDiagnosis = "diagnosis"
)

// Event is one published bus event. Payload is a *types.Reading for
// telemetry events and a *types.Diagnosis for diagnosis events.
type Event struct {
	Topic       string `json:"topic"`
	Kind        string `json:"kind"`
	EntityID    string `json:"entity_id"`
	Payload     any    `json:"payload"`
	PublishedMs int64  `json:"published_ms"`
}

// TelemetryTopic returns the topic for one entity's readings.
func TelemetryTopic(entityID string) string {
	return KindTelemetry + ":" + entityID
}

// DiagnosisTopic returns the topic for one entity's diagnoses.
func DiagnosisTopic(entityID string) string {
	return KindDiagnosis + ":" + entityID
}

// Bus fans events out to subscriptions.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int

	published atomic.Int64
	dropped   atomic.Int64
}

// New creates a bus with the given per-subscriber buffer size.
func New(subscriberBuffer int) *Bus {
	if subscriberBuffer <= 0 {
		subscriberBuffer = 256
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		buffer: subscriberBuffer,
	}
}

// Subscription is one consumer's bounded event stream.
type Subscription struct {
	id      uint64
	pattern string
	ch      chan Event
	bus     *Bus
	dropped atomic.Int64
	closed  atomic.Bool
}

// Subscribe registers a consumer for topics matching pattern:
//
//	"telemetry:WELL-1"  one entity's readings
//	"diagnosis:WELL-1"  one entity's diagnoses
//	"telemetry:*"       all readings
//	"diagnosis:*"       all diagnoses
//	"*"                 everything
func (b *Bus) Subscribe(pattern string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		pattern: pattern,
		ch:      make(chan Event, b.buffer),
		bus:     b,
	}
	b.subs[sub.id] = sub

	log.Debug("subscriber added", "id", sub.id, "pattern", pattern)
	return sub
}

// Events returns the subscription's event channel. The channel is closed
// by Close, never by the bus.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Pattern returns the subscription's topic pattern.
func (s *Subscription) Pattern() string {
	return s.pattern
}

// Dropped returns how many events this subscription has lost to buffer
// overflow.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close removes the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()

	close(s.ch)
	log.Debug("subscriber removed", "id", s.id, "dropped", s.dropped.Load())
}

// PublishReading publishes a reading on its entity topic.
func (b *Bus) PublishReading(rd *types.Reading) {
	b.publish(Event{
		Topic:       TelemetryTopic(rd.EntityID),
		Kind:        KindTelemetry,
		EntityID:    rd.EntityID,
		Payload:     rd,
		PublishedMs: time.Now().UnixMilli(),
	})
}

// PublishDiagnosis publishes a diagnosis on its entity topic.
func (b *Bus) PublishDiagnosis(d *types.Diagnosis) {
	b.publish(Event{
		Topic:       DiagnosisTopic(d.EntityID),
		Kind:        KindDiagnosis,
		EntityID:    d.EntityID,
		Payload:     d,
		PublishedMs: time.Now().UnixMilli(),
	})
}

// publish fans one event out to matching subscriptions without blocking.
func (b *Bus) publish(ev Event) {
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !topicMatches(sub.pattern, ev) {
			continue
		}
		sub.offer(ev)
	}
}

// offer enqueues an event, evicting the oldest buffered event when full.
func (s *Subscription) offer(ev Event) {
	if s.closed.Load() {
		return
	}

	select {
	case s.ch <- ev:
		return
	default:
	}

	// Buffer full: drop the oldest to make room. If a concurrent consume
	// already made room, the second send just succeeds.
	select {
	case <-s.ch:
		s.dropped.Add(1)
		s.bus.dropped.Add(1)
	default:
	}

	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
		s.bus.dropped.Add(1)
	}
}

// topicMatches reports whether a subscription pattern matches an event.
func topicMatches(pattern string, ev Event) bool {
	switch pattern {
	case "*":
		return true
	case ev.Kind + ":*":
		return true
	default:
		return pattern == ev.Topic
	}
}

// Stats returns bus-wide counters.
func (b *Bus) Stats() (subscribers int, published, dropped int64) {
	b.mu.RLock()
	subscribers = len(b.subs)
	b.mu.RUnlock()
	return subscribers, b.published.Load(), b.dropped.Load()
}

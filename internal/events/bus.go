// Package events carries committed domain events to realtime consumers.
// The transactional outbox is the durable path; this bus is the live
// path the fanout worker pushes into once a row is claimed.
package events

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/hustlexp/backend/internal/domain"
)

// Emitter publishes CloudEvents. Satisfied by the in-memory Bus and by
// the Pub/Sub mirror.
type Emitter interface {
	Emit(eventType, source, subject string, data json.RawMessage)
}

// CloudEvent is the CloudEvents 1.0 envelope used on the live path.
type CloudEvent struct {
	SpecVersion string          `json:"specversion"`
	Type        string          `json:"type"`
	Source      string          `json:"source"`
	ID          string          `json:"id"`
	Time        time.Time       `json:"time"`
	Subject     string          `json:"subject,omitempty"`
	Data        json.RawMessage `json:"data"`
}

func NewCloudEvent(eventType, source, subject string, data json.RawMessage) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          domain.NewID(),
		Time:        time.Now().UTC(),
		Subject:     subject,
		Data:        data,
	}
}

func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// Bus is an in-process pub/sub bus. Subscribers get a buffered channel;
// a subscriber that stops draining loses events rather than blocking the
// publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *CloudEvent
	allSubs     []chan *CloudEvent
	logger      *log.Logger
	bufferSize  int
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *CloudEvent),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving events of the given types, or
// every event when no types are named.
func (b *Bus) Subscribe(eventTypes ...string) chan *CloudEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *CloudEvent, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
		return ch
	}
	for _, et := range eventTypes {
		b.subscribers[et] = append(b.subscribers[et], ch)
	}
	return ch
}

// Unsubscribe removes a channel from all subscriptions and closes it.
func (b *Bus) Unsubscribe(ch chan *CloudEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		b.subscribers[et] = without(subs, ch)
	}
	b.allSubs = without(b.allSubs, ch)
	close(ch)
}

func without(subs []chan *CloudEvent, ch chan *CloudEvent) []chan *CloudEvent {
	filtered := subs[:0]
	for _, s := range subs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// Publish fans a prebuilt event out to matching subscribers.
func (b *Bus) Publish(event *CloudEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, ch := range b.subscribers[event.Type] {
		delivered += send(ch, event)
	}
	for _, ch := range b.allSubs {
		delivered += send(ch, event)
	}
	if delivered == 0 && len(b.allSubs)+len(b.subscribers[event.Type]) > 0 {
		b.logger.Printf("event %s (%s): all subscriber buffers full", event.ID, event.Type)
	}
}

// Emit builds the envelope and publishes it.
func (b *Bus) Emit(eventType, source, subject string, data json.RawMessage) {
	b.Publish(NewCloudEvent(eventType, source, subject, data))
}

func send(ch chan *CloudEvent, event *CloudEvent) int {
	select {
	case ch <- event:
		return 1
	default:
		return 0
	}
}

var _ Emitter = (*Bus)(nil)

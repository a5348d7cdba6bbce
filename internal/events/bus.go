// Package events is the in-process pub/sub spine of a node. Handlers
// and background loops emit lifecycle events; dashboards and websocket
// clients subscribe. Delivery is best-effort: a slow subscriber loses
// events rather than blocking the publisher.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted across the mesh node lifecycle.
const (
	TypeTaskSubmitted   = "mesh.task.submitted"
	TypeTaskClaimed     = "mesh.task.claimed"
	TypeTaskSettled     = "mesh.task.settled"
	TypeTaskEscalated   = "mesh.task.escalated"
	TypePeerJoined      = "mesh.peer.joined"
	TypePeerBlacklisted = "mesh.peer.blacklisted"
	TypeModelSwapped    = "mesh.model.swapped"
	TypeCreditPosted    = "mesh.credit.posted"
	TypeSandboxRejected = "mesh.sandbox.rejected"
)

// Emitter is the publishing side of the bus.
type Emitter interface {
	Emit(eventType, subject string, data map[string]any)
}

// Event is the envelope delivered to subscribers and streamed to
// websocket clients.
type Event struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Source  string         `json:"source"`
	Subject string         `json:"subject,omitempty"`
	Time    time.Time      `json:"time"`
	Data    map[string]any `json:"data,omitempty"`
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// SSEFormat renders the event as one Server-Sent Events record.
func (e *Event) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", e.Type, data, e.ID)), nil
}

// Bus fans events out to subscribers. Channels are buffered; a full
// channel drops the event for that subscriber.
type Bus struct {
	mu     sync.RWMutex
	byType map[string][]chan *Event
	all    []chan *Event
	source string
	logger *log.Logger
	buffer int
}

// NewBus creates a bus. source identifies this node in every envelope.
func NewBus(source string) *Bus {
	return &Bus{
		byType: make(map[string][]chan *Event),
		source: source,
		logger: log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		buffer: 100,
	}
}

// Subscribe returns a channel receiving the named event types, or every
// event when none are given.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.buffer)
	if len(eventTypes) == 0 {
		b.all = append(b.all, ch)
		return ch
	}
	for _, et := range eventTypes {
		b.byType[et] = append(b.byType[et], ch)
	}
	return ch
}

// Unsubscribe detaches and closes a subscriber channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.byType {
		b.byType[et] = dropChannel(subs, ch)
	}
	b.all = dropChannel(b.all, ch)
	close(ch)
}

func dropChannel(subs []chan *Event, ch chan *Event) []chan *Event {
	out := subs[:0]
	for _, s := range subs {
		if s != ch {
			out = append(out, s)
		}
	}
	return out
}

// Publish delivers to every matching subscriber without blocking.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.byType[event.Type] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range b.all {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit builds and publishes an event in one call.
func (b *Bus) Emit(eventType, subject string, data map[string]any) {
	b.Publish(&Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Source:  b.source,
		Subject: subject,
		Time:    time.Now(),
		Data:    data,
	})
}

// SubscriberCount reports active subscriptions, for the status surface.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := len(b.all)
	for _, subs := range b.byType {
		count += len(subs)
	}
	return count
}

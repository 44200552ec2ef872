// Package events carries in-process pipeline notifications and the
// append-only audit log.
package events

import (
	"fmt"
	"sync"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	EventTaskSubmitted  EventType = "task_submitted"
	EventTaskTransition EventType = "task_transition"
	EventTaskDispatched EventType = "task_dispatched"
	EventLeaseExpired   EventType = "lease_expired"
	EventStaleReport    EventType = "stale_report"
	EventGateDecided    EventType = "gate_decided"
	EventRemediation    EventType = "remediation"
	EventTaskEscalated  EventType = "task_escalated"
	EventTaskDelivered  EventType = "task_delivered"
	EventTaskCancelled  EventType = "task_cancelled"
)

// Event represents a pipeline event for one task.
type Event struct {
	Type      EventType
	TaskID    string
	Timestamp time.Time
	Data      map[string]any
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// PanicHandler is told about a subscriber that panicked.
type PanicHandler func(eventType EventType, err error)

const allEvents EventType = "*"

// Bus is a non-blocking event bus. Events are delivered asynchronously via
// buffered channels; a full subscriber channel drops the event for that
// subscriber only.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	onPanic     PanicHandler
	closed      bool
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// OnPanic installs a hook for recovered subscriber panics.
func (b *Bus) OnPanic(h PanicHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPanic = h
}

// Subscribe registers fn for one event type and returns an unsubscribe func.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go b.deliver(ch, fn)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// SubscribeAll registers fn for every event type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	return b.Subscribe(allEvents, fn)
}

func (b *Bus) deliver(ch chan Event, fn Subscriber) {
	for event := range ch {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.mu.RLock()
					h := b.onPanic
					b.mu.RUnlock()
					if h != nil {
						h(event.Type, fmt.Errorf("subscriber panic: %v", r))
					}
				}
			}()
			fn(event)
		}()
	}
}

// Publish sends an event to the subscribers of its type and to wildcard
// subscribers without blocking.
func (b *Bus) Publish(eventType EventType, taskID string, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	event := Event{
		Type:      eventType,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, subs := range [][]chan Event{b.subscribers[eventType], b.subscribers[allEvents]} {
		for _, ch := range subs {
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}

package channel

import (
	"sync"
	"sync/atomic"
	"time"
)

type EventType string

const (
	EventQR             EventType = "qr"
	EventReady          EventType = "ready"
	EventAuthFailure    EventType = "auth_failure"
	EventSessionUpdated EventType = "session_updated"
	EventMessage        EventType = "message"
)

// EventFromWebhook maps a gateway webhook dataType to an event type.
func EventFromWebhook(dataType string) (EventType, bool) {
	switch dataType {
	case "qr":
		return EventQR, true
	case "ready":
		return EventReady, true
	case "authenticated":
		return EventSessionUpdated, true
	case "auth_failure":
		return EventAuthFailure, true
	case "message":
		return EventMessage, true
	}
	return "", false
}

type Event struct {
	Type      EventType
	SessionID string
	Data      string
	Time      time.Time
}

// Bus is an in-memory fanout. Publish never blocks; a subscriber whose
// buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: map[uint64]chan Event{}}
}

func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		func() {
			// unsubscribe may close ch concurrently
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

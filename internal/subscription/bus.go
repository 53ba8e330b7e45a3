// Package subscription implements the per-key change-event bus
// (spec §4.2 "Subscription bus"): each record id gets its own ordered
// delivery queue so observers see mutations to that key in the order
// they were applied, regardless of how many keys are changing
// concurrently elsewhere in the store.
package subscription

import (
	"sync"

	"github.com/cuemby/graphdb-core/internal/codec"
	"github.com/cuemby/graphdb-core/internal/common"
)

// Event describes a single observable state transition for a key.
// Record is nil when the key was deleted (tombstoned).
type Event struct {
	ID     common.RecordID
	Record *Record
}

// Record is the observer-facing view of a record's current state.
type Record struct {
	ID        common.RecordID
	Payload   codec.Payload
	TypeTag   string
	Tags      []string
	Embedding []float32
}

// Handler receives events for a subscribed key, one at a time, in order.
type Handler func(Event)

const handlerQueueDepth = 64

type keyHub struct {
	mu      sync.Mutex
	nextID  int
	queues  map[int]chan Event
	closers map[int]chan struct{}
}

// Bus dispatches per-key events to subscribed handlers.
type Bus struct {
	mu   sync.Mutex
	hubs map[common.RecordID]*keyHub
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{hubs: make(map[common.RecordID]*keyHub)}
}

// Subscribe registers handler for events on id and returns an
// idempotent unsubscribe function — calling it more than once, or
// after the bus has already dropped the key, is a no-op.
func (b *Bus) Subscribe(id common.RecordID, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	hub, ok := b.hubs[id]
	if !ok {
		hub = &keyHub{queues: make(map[int]chan Event), closers: make(map[int]chan struct{})}
		b.hubs[id] = hub
	}
	b.mu.Unlock()

	hub.mu.Lock()
	subID := hub.nextID
	hub.nextID++
	queue := make(chan Event, handlerQueueDepth)
	closeCh := make(chan struct{})
	hub.queues[subID] = queue
	hub.closers[subID] = closeCh
	hub.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-queue:
				if !ok {
					return
				}
				handler(ev)
			case <-closeCh:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			hub.mu.Lock()
			if ch, ok := hub.closers[subID]; ok {
				close(ch)
				delete(hub.closers, subID)
				delete(hub.queues, subID)
			}
			empty := len(hub.queues) == 0
			hub.mu.Unlock()

			if empty {
				b.mu.Lock()
				if current, ok := b.hubs[id]; ok && current == hub {
					delete(b.hubs, id)
				}
				b.mu.Unlock()
			}
		})
	}
}

// Publish delivers ev to every subscriber of ev.ID, preserving FIFO
// order per key. Publish never blocks on a slow handler: each
// subscriber has its own buffered queue, fed by its own goroutine.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	hub, ok := b.hubs[ev.ID]
	b.mu.Unlock()
	if !ok {
		return
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()
	for subID, queue := range hub.queues {
		select {
		case queue <- ev:
		default:
			// Subscriber's queue is saturated; drop rather than block
			// Publish — a slow observer must not stall the store.
			_ = subID
		}
	}
}

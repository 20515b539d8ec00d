package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is an external occurrence that can trigger event schedules.
//
// Publish never blocks. Subscribers use buffered channels and a slow
// subscriber drops events rather than stalling the publisher.
type Event struct {
	ID      string         `json:"id,omitempty"`
	Type    string         `json:"event_type"`
	Source  string         `json:"event_source,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Time    time.Time      `json:"timestamp"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// Last returns the most recent event published for eventType.
	Last(eventType string) (Event, bool)
	// Dropped counts deliveries lost to full subscriber buffers.
	Dropped() uint64
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}, last: map[string]Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	last    map[string]Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	b.last[e.Type] = e
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.Unlock()

	for _, ch := range chs {
		// a concurrent unsubscribe may close ch, recover from the send panic
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
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

func (b *memBus) Last(eventType string) (Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.last[eventType]
	return e, ok
}

func (b *memBus) Dropped() uint64 {
	return b.dropped.Load()
}

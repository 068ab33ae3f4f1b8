// Package eventbus is a small in-memory fanout used to decouple the dispatch
// pipeline from whoever wants to observe it (status reporting, logging).
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers get buffered channels; slow subscribers drop events.
//   - Event payloads should be small value types.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topic names an event type.
type Topic string

const (
	TopicCycleStarted   Topic = "cycle.started"
	TopicCycleCompleted Topic = "cycle.completed"
	TopicDispatchSent   Topic = "dispatch.sent"
	TopicDispatchFailed Topic = "dispatch.failed"
	TopicDispatchDedup  Topic = "dispatch.deduped"
	TopicDigestEnqueued Topic = "digest.enqueued"
	TopicDigestFlushed  Topic = "digest.flushed"
)

type Event struct {
	Topic Topic
	Time  time.Time
	Data  any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// Dropped reports how many events were discarded due to slow subscribers.
	Dropped() uint64
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold the lock during sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. A concurrently closed channel would panic
		// on send, so recover and treat it as a drop.
		func() {
			defer func() {
				if recover() != nil {
					b.dropped.Add(1)
				}
			}()
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

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

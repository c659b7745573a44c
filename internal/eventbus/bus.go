// Package eventbus fans engine events (pulse.active, pulse.idle, pulse.stalled,
// dispatch.delivered) out to in-process subscribers without ever blocking the
// publisher.
package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one notification. Data should be small and JSON-friendly.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	// Publish never blocks. A subscriber whose buffer is full misses the event.
	Publish(e Event)
	// Subscribe delivers events whose Type is in types, or every event when
	// types is empty. unsubscribe closes ch and may be called more than once.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	// Dropped counts deliveries skipped because a subscriber was full.
	Dropped() uint64
}

const defaultBuffer = 8

func New() Bus { return &memBus{} }

// Nop discards everything; its subscriptions are closed immediately.
func Nop() Bus { return nopBus{} }

type subscription struct {
	ch    chan Event
	types []string
}

func (s *subscription) matches(typ string) bool {
	return len(s.types) == 0 || slices.Contains(s.types, typ)
}

// memBus sends while holding the read lock. Sends are non-blocking, and
// unsubscribe takes the write lock before closing, so a send never races a close.
type memBus struct {
	mu      sync.RWMutex
	subs    []*subscription
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.matches(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscription{ch: make(chan Event, buffer), types: slices.Clone(types)}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			b.subs = slices.DeleteFunc(b.subs, func(x *subscription) bool { return x == s })
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

type nopBus struct{}

func (nopBus) Publish(Event) {}

func (nopBus) Subscribe(int, ...string) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

func (nopBus) Dropped() uint64 { return 0 }

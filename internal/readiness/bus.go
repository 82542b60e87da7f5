package readiness

import (
	"sync"

	"vodworks/internal/media"
)

// StatusEvent is the best-effort push a worker emits after a confirmed store
// write. Delivery may be dropped under load; the notifier's poll loop is the
// safety net.
type StatusEvent struct {
	VideoID    string
	Quality    media.Quality
	Status     media.JobStatus
	OutputPath string
}

// Bus fans status events out to active subscribers.
type Bus interface {
	Publish(event StatusEvent)
	Subscribe() BusSubscription
}

// BusSubscription is an active event stream.
type BusSubscription interface {
	Events() <-chan StatusEvent
	Close()
}

// NewBus initialises an in-process fan-out bus.
func NewBus(buffer int) Bus {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryBus{
		subs:   make(map[*memoryBusSubscription]struct{}),
		buffer: buffer,
	}
}

type memoryBus struct {
	mu     sync.RWMutex
	subs   map[*memoryBusSubscription]struct{}
	buffer int
}

func (b *memoryBus) Publish(event StatusEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			// Drop instead of blocking. Subscribers that fall behind
			// still converge through the notifier's poll fallback.
		}
	}
}

func (b *memoryBus) Subscribe() BusSubscription {
	sub := &memoryBusSubscription{
		bus: b,
		ch:  make(chan StatusEvent, b.buffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

type memoryBusSubscription struct {
	once sync.Once
	bus  *memoryBus
	ch   chan StatusEvent
}

func (s *memoryBusSubscription) Events() <-chan StatusEvent {
	return s.ch
}

func (s *memoryBusSubscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

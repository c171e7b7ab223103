package bus

import (
	"log/slog"
	"sync"
	"time"

	"ticketbridge/internal/domain"
)

const defaultSubscriberBuffer = 64

// Broadcaster fans events out to any number of subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[int]chan domain.Event
	nextID int
	buffer int
	closed bool
	logger *slog.Logger
}

// New creates a Broadcaster whose subscriber channels hold bufferSize events.
func New(bufferSize int, logger *slog.Logger) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	return &Broadcaster{
		subs:   make(map[int]chan domain.Event),
		buffer: bufferSize,
		logger: logger,
	}
}

func (b *Broadcaster) Publish(ev domain.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("event subscriber lagging, event dropped", "subscriber", id, "type", ev.Type)
		}
	}
}

// Subscribe returns a channel of future events and a func that releases it.
// The channel is closed by the release func or by Close.
func (b *Broadcaster) Subscribe() (<-chan domain.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan domain.Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

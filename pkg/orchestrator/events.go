package orchestrator

import (
	"sync"

	"github.com/rs/zerolog"
)

// subscriberBuffer sizes each subscriber channel. Slow subscribers drop
// events rather than stall agent turns.
const subscriberBuffer = 64

// Broadcaster fans orchestrator events out to subscriber channels. Each
// subscriber gets its own buffered channel; there is no shared callback
// state between streams.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
	logger zerolog.Logger
}

// NewBroadcaster creates an event broadcaster.
func NewBroadcaster(logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[int]chan Event),
		logger: logger,
	}
}

// Subscribe attaches a new event channel. The returned cancel detaches it
// and closes the channel.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug().
				Int("subscriber", id).
				Str("kind", string(ev.Kind)).
				Str("agent_id", ev.AgentID).
				Msg("Dropping event for slow subscriber")
		}
	}
}

// Close detaches and closes every subscriber channel.
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

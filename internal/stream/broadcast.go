package stream

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/r3e-network/acteon/internal/action"
)

// Broadcaster fans out Events to any number of subscribers over bounded
// channels. A slow subscriber never blocks a publisher or other
// subscribers: a full channel drops the event and increments a counter,
// since a stalled stream consumer must never stall the dispatch path.
type Broadcaster struct {
	bufferSize int

	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	dropped prometheus.Counter
}

// NewBroadcaster constructs a Broadcaster whose per-subscriber channel
// holds bufferSize pending events.
func NewBroadcaster(bufferSize int) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Broadcaster{
		bufferSize: bufferSize,
		subs:       make(map[int]chan Event),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acteon_stream_events_dropped_total",
			Help: "Stream events dropped because a subscriber's channel was full.",
		}),
	}
}

// Collector exposes the dropped-event counter for a Prometheus registry.
func (b *Broadcaster) Collector() prometheus.Collector { return b.dropped }

// Subscribe registers a new subscriber and returns its event channel and
// an unsubscribe function. The channel is closed once unsubscribe runs.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.bufferSize)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish fans ev out to every live subscriber, dropping it for any
// subscriber whose buffer is full.
func (b *Broadcaster) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = action.NewID("evt")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Inc()
		}
	}
}

// SubscriberCount reports the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

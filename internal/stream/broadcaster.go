package stream

import (
	"sync"
	"sync/atomic"

	"github.com/mr1hm/go-civictrack/internal/feed"
)

const subscriberBuffer = 16

// Broadcaster fans feed updates out to live subscribers such as SSE
// clients. It implements feed.Sink.
type Broadcaster struct {
	subscribers map[uint64]chan feed.Update
	nextID      atomic.Uint64
	dropped     atomic.Uint64
	mu          sync.RWMutex
	closed      bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[uint64]chan feed.Update),
	}
}

// Subscribe registers a subscriber. The returned channel is closed on
// Unsubscribe or Close.
func (b *Broadcaster) Subscribe() (uint64, <-chan feed.Update) {
	id := b.nextID.Add(1)
	ch := make(chan feed.Update, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.subscribers[id] = ch
	}
	b.mu.Unlock()

	return id, ch
}

func (b *Broadcaster) Unsubscribe(id uint64) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) Publish(u feed.Update) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- u:
		default:
			// Skip slow subscribers
			b.dropped.Add(1)
		}
	}
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries were skipped because a subscriber
// was not keeping up.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels, causing streams to exit gracefully
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

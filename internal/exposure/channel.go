package exposure

import (
	"context"
	"sync"
	"sync/atomic"
)

// Channel is where novel exposures are published. Publish reports whether
// at least one subscriber received the event.
type Channel interface {
	HasSubscribers() bool
	Publish(e Event) bool
}

// Broadcaster fans events out to in-process subscribers. A subscriber that
// falls behind misses events rather than blocking evaluation.
type Broadcaster struct {
	buffer int

	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	closed bool
	done   chan struct{}

	dropped atomic.Int64
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{
		buffer: buffer,
		subs:   make(map[chan Event]struct{}),
		done:   make(chan struct{}),
	}
}

// Subscribe returns a channel that receives events until ctx is done or the
// broadcaster is closed.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			b.unsubscribe(ch)
		case <-b.done:
		}
	}()
	return ch
}

func (b *Broadcaster) unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *Broadcaster) HasSubscribers() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs) > 0
}

func (b *Broadcaster) Publish(e Event) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := false
	for ch := range b.subs {
		select {
		case ch <- e:
			delivered = true
		default:
			b.dropped.Add(1)
		}
	}
	return delivered
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for ch := range b.subs {
		close(ch)
	}
	b.subs = map[chan Event]struct{}{}
}

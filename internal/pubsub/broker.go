package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 64

// Filter decides whether a subscriber receives an event. A nil filter accepts everything.
type Filter[T any] func(Event[T]) bool

// Broker delivers events to buffered subscriber channels. Publishing never
// blocks: a subscriber whose buffer is full misses the event, the drop is
// counted and the OnDrop hook sees it.
type Broker[T any] struct {
	subs       map[chan Event[T]]Filter[T]
	mu         sync.RWMutex
	done       chan struct{}
	bufferSize int
	dropped    atomic.Uint64
	seq        atomic.Uint64
	onDrop     func(Event[T])
}

// NewBroker creates a new broker with the default buffer size (64).
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBufferSize)
}

// NewBrokerWithBuffer creates a new broker with a custom buffer size.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	if size < 1 {
		size = 1
	}
	return &Broker[T]{
		subs:       make(map[chan Event[T]]Filter[T]),
		done:       make(chan struct{}),
		bufferSize: size,
	}
}

// OnDrop registers a hook called for every event a slow subscriber misses.
// It runs on the publisher goroutine and must not block.
func (b *Broker[T]) OnDrop(fn func(Event[T])) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Subscribe creates a new subscription channel receiving every event.
// The channel is automatically closed when ctx is cancelled.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	return b.SubscribeMatching(ctx, nil)
}

// SubscribeMatching creates a subscription that only receives events accepted by filter.
// The channel is automatically closed when ctx is cancelled.
func (b *Broker[T]) SubscribeMatching(ctx context.Context, filter Filter[T]) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan Event[T])
		close(ch)
		return ch
	default:
	}

	sub := make(chan Event[T], b.bufferSize)
	b.subs[sub] = filter

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()

		select {
		case <-b.done:
			return // Already closed
		default:
		}

		delete(b.subs, sub)
		close(sub)
	}()

	return sub
}

// Publish stamps and delivers an event, returning what was sent.
func (b *Broker[T]) Publish(eventType EventType, payload T) Event[T] {
	event := b.Stamp(eventType, payload)
	b.Send(event)
	return event
}

// Stamp builds the next event in sequence without delivering it. Callers that
// must act on an event before subscribers see it pair Stamp with Send.
func (b *Broker[T]) Stamp(eventType EventType, payload T) Event[T] {
	return Event[T]{
		Seq:       b.seq.Add(1),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Send delivers a stamped event to all matching subscribers. A full
// subscriber misses it.
func (b *Broker[T]) Send(event Event[T]) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	for sub, filter := range b.subs {
		if filter != nil && !filter(event) {
			continue
		}
		select {
		case sub <- event:
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(event)
			}
		}
	}
}

// Close shuts down the broker and all subscriber channels.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return // Already closed
	default:
	}

	close(b.done)
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Broker[T]) Dropped() uint64 {
	return b.dropped.Load()
}

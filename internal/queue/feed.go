package queue

import (
	"context"
	"sync"

	"github.com/simreg/regq/internal/pubsub"
	"github.com/simreg/regq/internal/registrations/domain"
)

// ClearedEvent is published once after every record has been deleted.
// Its payload is nil.
const ClearedEvent = pubsub.ClearedEvent

// RecordEvent carries a snapshot of the record after the change.
type RecordEvent = pubsub.Event[*domain.Record]

// Feed publishes record changes. Subscribers receive snapshots over a lossy,
// non-blocking broker; listeners registered with OnPublish run synchronously
// on the publishing goroutine and see every event.
type Feed struct {
	broker *pubsub.Broker[*domain.Record]

	mu        sync.RWMutex
	listeners []func(RecordEvent)
}

// NewFeed creates a feed with the broker's default buffer.
func NewFeed() *Feed {
	return &Feed{broker: pubsub.NewBroker[*domain.Record]()}
}

// NewFeedWithBuffer sets the per-subscriber buffer size.
func NewFeedWithBuffer(size int) *Feed {
	return &Feed{broker: pubsub.NewBrokerWithBuffer[*domain.Record](size)}
}

// Publish announces a change. rec is cloned so later mutation does not leak
// into delivered events.
func (f *Feed) Publish(eventType pubsub.EventType, rec *domain.Record) {
	if f == nil {
		return
	}
	var snapshot *domain.Record
	if rec != nil {
		snapshot = rec.Clone()
	}

	event := f.broker.Stamp(eventType, snapshot)

	f.mu.RLock()
	listeners := f.listeners
	f.mu.RUnlock()
	for _, fn := range listeners {
		fn(event)
	}

	f.broker.Send(event)
}

// OnPublish registers a synchronous listener. It must not block.
func (f *Feed) OnPublish(fn func(RecordEvent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

// OnDrop is called for each event a slow subscriber missed.
func (f *Feed) OnDrop(fn func(RecordEvent)) {
	f.broker.OnDrop(fn)
}

// Subscribe returns every event until ctx is done.
func (f *Feed) Subscribe(ctx context.Context) <-chan RecordEvent {
	return f.broker.Subscribe(ctx)
}

// SubscribeMatching returns events accepted by pred.
func (f *Feed) SubscribeMatching(ctx context.Context, pred func(RecordEvent) bool) <-chan RecordEvent {
	return f.broker.SubscribeMatching(ctx, pred)
}

// SubscribeStatus returns events whose record is in one of statuses.
// Cleared events are always delivered.
func (f *Feed) SubscribeStatus(ctx context.Context, statuses ...domain.Status) <-chan RecordEvent {
	if len(statuses) == 0 {
		return f.Subscribe(ctx)
	}
	return f.SubscribeMatching(ctx, func(e RecordEvent) bool {
		if e.Type == ClearedEvent || e.Payload == nil {
			return true
		}
		for _, s := range statuses {
			if e.Payload.Status() == s {
				return true
			}
		}
		return false
	})
}

// Dropped reports how many events subscribers have missed.
func (f *Feed) Dropped() uint64 {
	return f.broker.Dropped()
}

// Close shuts down every subscription.
func (f *Feed) Close() {
	f.broker.Close()
}

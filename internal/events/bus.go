package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultQueueSize is the per-subscriber queue bound. A subscriber that
// falls more than this many events behind starts losing its oldest events.
const DefaultQueueSize = 256

// Handler receives events on the subscriber's own dispatch goroutine.
// Handlers must not block for long; they delay only their own subscription.
type Handler func(*Event)

// Bus is a single-process, topic-addressed publish/subscribe fabric.
//
// Delivery contract: publishers never block (lossy per-subscriber, oldest
// events evicted first), FIFO per publisher per subscriber, at-most-once
// within a process lifetime.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
	log    zerolog.Logger
}

type subscriber struct {
	id      uint64
	types   map[EventType]struct{} // nil = all types
	ch      chan *Event
	stop    chan struct{}
	done    chan struct{}
	dropped atomic.Uint64
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[uint64]*subscriber),
		log:  log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for the given event types. With no types the
// handler receives every event ("*"). The returned function unsubscribes;
// it is safe to call more than once.
func (b *Bus) Subscribe(handler Handler, types ...EventType) func() {
	return b.SubscribeBuffered(DefaultQueueSize, handler, types...)
}

// SubscribeBuffered is Subscribe with an explicit queue bound, for
// subscribers that need more (the WebSocket broadcaster) or deliberately
// less (tests exercising the drop policy) headroom.
func (b *Bus) SubscribeBuffered(queueSize int, handler Handler, types ...EventType) func() {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	sub := &subscriber{
		ch:   make(chan *Event, queueSize),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.done)
		return func() {}
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.dispatch(handler)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub.id)
			b.mu.Unlock()
			close(sub.stop)
		})
	}
}

// dispatch delivers queued events to the handler until unsubscribed.
func (s *subscriber) dispatch(handler Handler) {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case e := <-s.ch:
			handler(e)
		}
	}
}

// push enqueues without ever blocking the publisher. When the queue is
// full the oldest queued event is evicted first.
func (s *subscriber) push(e *Event) {
	select {
	case s.ch <- e:
		return
	default:
	}
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

// Publish stamps and fans an event out to all matching subscribers.
func (b *Bus) Publish(module string, data EventData) {
	b.PublishEvent(&Event{
		Type:      data.EventType(),
		Timestamp: time.Now(),
		Module:    module,
		Data:      data,
	})
}

// PublishCorrelated is Publish with a correlation id, used by the control
// path to tie ControlActionRequested to its ControlActionCompleted.
func (b *Bus) PublishCorrelated(module, correlationID string, data EventData) {
	b.PublishEvent(&Event{
		Type:          data.EventType(),
		Timestamp:     time.Now(),
		Module:        module,
		CorrelationID: correlationID,
		Data:          data,
	})
}

// PublishEvent fans a pre-built event out to all matching subscribers.
func (b *Bus) PublishEvent(e *Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.types != nil {
			if _, ok := sub.types[e.Type]; !ok {
				continue
			}
		}
		sub.push(e)
	}
}

// Dropped returns the total number of events evicted across all current
// subscribers since they subscribed.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var total uint64
	for _, sub := range b.subs {
		total += sub.dropped.Load()
	}
	return total
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops accepting publications and gives subscribers a bounded grace
// period to drain their queues before discarding the rest.
func (b *Bus) Close(grace time.Duration) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[uint64]*subscriber)
	b.mu.Unlock()

	deadline := time.After(grace)
	for _, sub := range subs {
		// Let the dispatch goroutine catch up, then stop it.
		for len(sub.ch) > 0 {
			select {
			case <-deadline:
				b.log.Warn().Int("remaining", len(sub.ch)).Msg("Discarding undelivered events at shutdown")
				goto stop
			case <-time.After(time.Millisecond):
			}
		}
	stop:
		close(sub.stop)
		<-sub.done
	}
}

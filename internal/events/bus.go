// File: internal/events/bus.go
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler consumes an event. Dispatch is synchronous on the publisher's
// goroutine: cache invalidators and state updaters must have completed before
// the operation that triggered the event returns. Returned errors are counted
// and logged, never propagated.
type Handler func(Event) error

// Filter optionally narrows a subscription. A nil filter accepts everything.
type Filter func(Event) bool

type subscriber struct {
	id        string
	eventType Type
	handler   Handler
	filter    Filter
}

// Metrics is a point-in-time snapshot of bus counters.
type Metrics struct {
	TotalEvents       uint64
	EventsByType      map[Type]uint64
	FailedHandlers    uint64
	AvgDispatchMillis float64
}

// Bus is a typed pub/sub hub with bounded history. Delivery within one event
// type follows publish (sequence) order; ordering across types is undefined.
type Bus struct {
	logger *zap.Logger

	sequence atomic.Uint64

	mu          sync.RWMutex
	subscribers map[Type][]*subscriber
	history     []Timestamped
	maxHistory  int

	// deliverMu guards the per-type delivery locks. Each type's lock spans
	// sequence assignment through dispatch so two publishers of the same
	// type cannot deliver out of sequence order.
	deliverMu sync.Mutex
	deliver   map[Type]*sync.Mutex

	metricsMu      sync.Mutex
	totalEvents    uint64
	eventsByType   map[Type]uint64
	failedHandlers uint64
	avgDispatchMs  float64
}

// NewBus creates a Bus retaining at most maxHistory published events. A
// maxHistory of zero keeps no history but still updates metrics.
func NewBus(logger *zap.Logger, maxHistory int) *Bus {
	if maxHistory < 0 {
		maxHistory = 0
	}
	return &Bus{
		logger:       logger.Named("event_bus"),
		subscribers:  make(map[Type][]*subscriber),
		history:      make([]Timestamped, 0, maxHistory),
		maxHistory:   maxHistory,
		deliver:      make(map[Type]*sync.Mutex),
		eventsByType: make(map[Type]uint64),
	}
}

// Publish assigns the next sequence id, records the event in history, updates
// metrics, and dispatches synchronously to every matching subscriber. A
// failing or panicking handler is counted and skipped; remaining handlers
// still run. Same-type publishes serialize end to end, so a subscriber
// always observes events of one type in increasing sequence order; handlers
// must not publish an event of the type they handle.
func (b *Bus) Publish(event Event) {
	start := time.Now()

	if event.Timestamp.IsZero() {
		event.Timestamp = start.UTC()
	}

	lock := b.typeLock(event.Type)
	lock.Lock()
	seq := b.sequence.Add(1)

	b.mu.Lock()
	if b.maxHistory > 0 {
		if len(b.history) >= b.maxHistory {
			// Drop the oldest entry.
			copy(b.history, b.history[1:])
			b.history = b.history[:len(b.history)-1]
		}
		b.history = append(b.history, Timestamped{
			Event:    event,
			WallTime: start.UTC(),
			Sequence: seq,
		})
	}
	subs := make([]*subscriber, len(b.subscribers[event.Type]))
	copy(subs, b.subscribers[event.Type])
	b.mu.Unlock()

	var failed uint64
	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		if err := b.invoke(sub, event); err != nil {
			failed++
			b.logger.Warn("Event handler failed",
				zap.String("subscription_id", sub.id),
				zap.String("event_type", string(event.Type)),
				zap.Error(err))
		}
	}
	lock.Unlock()

	elapsed := float64(time.Since(start).Microseconds()) / 1000.0

	b.metricsMu.Lock()
	b.totalEvents++
	b.eventsByType[event.Type]++
	b.failedHandlers += failed
	n := float64(b.totalEvents)
	b.avgDispatchMs = (b.avgDispatchMs*(n-1) + elapsed) / n
	b.metricsMu.Unlock()
}

// typeLock returns the delivery lock for one event type, creating it on
// first publish of that type.
func (b *Bus) typeLock(t Type) *sync.Mutex {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()
	l, ok := b.deliver[t]
	if !ok {
		l = &sync.Mutex{}
		b.deliver[t] = l
	}
	return l
}

// invoke runs one handler, converting a panic into an error so a misbehaving
// subscriber cannot abort dispatch.
func (b *Bus) invoke(sub *subscriber, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &handlerPanicError{value: r}
		}
	}()
	return sub.handler(event)
}

// Subscribe registers a handler for one event type and returns the
// subscription id used to unsubscribe.
func (b *Bus) Subscribe(eventType Type, handler Handler, filter Filter) string {
	sub := &subscriber{
		id:        uuid.New().String(),
		eventType: eventType,
		handler:   handler,
		filter:    filter,
	}

	b.mu.Lock()
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	b.mu.Unlock()

	b.logger.Debug("Subscriber registered",
		zap.String("subscription_id", sub.id),
		zap.String("event_type", string(eventType)))
	return sub.id
}

// Unsubscribe removes the subscription with the given id. Unknown ids are
// ignored.
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for i, sub := range subs {
			if sub.id == subscriptionID {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				if len(b.subscribers[eventType]) == 0 {
					delete(b.subscribers, eventType)
				}
				return
			}
		}
	}
}

// History returns up to limit most recent events, oldest first. A limit of
// zero or less returns the full retained history.
func (b *Bus) History(limit int) []Timestamped {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Timestamped, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

// ClearHistory drops all retained events. Metrics are unaffected.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	b.history = b.history[:0]
	b.mu.Unlock()
}

// Metrics returns a snapshot of the bus counters.
func (b *Bus) Metrics() Metrics {
	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()

	byType := make(map[Type]uint64, len(b.eventsByType))
	for t, c := range b.eventsByType {
		byType[t] = c
	}
	return Metrics{
		TotalEvents:       b.totalEvents,
		EventsByType:      byType,
		FailedHandlers:    b.failedHandlers,
		AvgDispatchMillis: b.avgDispatchMs,
	}
}

type handlerPanicError struct {
	value any
}

func (e *handlerPanicError) Error() string {
	return "event handler panicked"
}

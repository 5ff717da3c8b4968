// Package events is the in-process event bus that makes the sync engine
// observable without the engine owning any presentation concern.
//
// Delivery is synchronous, best-effort and ordered: Publish calls every
// matching handler in subscription order before returning, so events from
// one sync pass arrive in the order they happened. A panicking handler is
// recovered and logged; it never breaks the publisher.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tether/internal/record"
)

// Type names a lifecycle notification.
type Type string

const (
	// SyncStarted fires when a sync pass enters Draining.
	SyncStarted Type = "sync:started"
	// SyncCompleted fires when a pass returns to Idle.
	SyncCompleted Type = "sync:completed"
	// SyncInterrupted fires when a pass ends in Failed (network unreachable
	// or cancelled). The queue is left consistent.
	SyncInterrupted Type = "sync:interrupted"
	// SyncFailed fires once per mutation that reaches terminal failure.
	SyncFailed Type = "sync:failed"

	MutationQueued    Type = "mutation:queued"
	MutationCompleted Type = "mutation:completed"
	MutationRetrying  Type = "mutation:retrying"
	MutationDiscarded Type = "mutation:discarded"

	ConflictDetected Type = "conflict:detected"
	ConflictResolved Type = "conflict:resolved"

	CacheEvicted Type = "cache:evicted"

	QuotaWarning  Type = "quota:warning"
	QuotaCritical Type = "quota:critical"
)

// Event is the tagged union delivered to subscribers. Which payload field
// is set depends on Type. Events are transient and never persisted.
type Event struct {
	Type      Type
	Timestamp time.Time

	Mutation *record.QueuedMutation
	Conflict *record.Conflict
	Quota    *record.StorageQuota
	Err      error

	// Keys lists affected cache keys (cache:evicted).
	Keys []string
}

// Handler receives published events.
type Handler func(Event)

type subscription struct {
	id      int
	handler Handler
}

// Bus fans events out to subscribers.
// A nil *Bus is valid and discards everything, so components can treat the
// bus as optional.
type Bus struct {
	mu     sync.RWMutex
	byType map[Type][]subscription
	all    []subscription
	nextID int
	now    func() time.Time
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithClock sets the time source used to stamp events.
func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) {
		b.now = now
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		byType: make(map[Type][]subscription),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h for events of type t.
// The returned function removes the subscription; calling it twice is safe.
func (b *Bus) Subscribe(t Type, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.byType[t] = append(b.byType[t], subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.byType[t] = removeSub(b.byType[t], id)
	}
}

// SubscribeAll registers h for every event type.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = removeSub(b.all, id)
	}
}

// Publish delivers ev to type subscribers, then to catch-all subscribers.
// Timestamp is filled from the bus clock when zero.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}

	b.mu.RLock()
	targets := make([]subscription, 0, len(b.byType[ev.Type])+len(b.all))
	targets = append(targets, b.byType[ev.Type]...)
	targets = append(targets, b.all...)
	b.mu.RUnlock()

	for _, sub := range targets {
		deliver(sub.handler, ev)
	}
}

func deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				"event", string(ev.Type),
				"panic", r,
			)
		}
	}()
	h(ev)
}

func removeSub(subs []subscription, id int) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

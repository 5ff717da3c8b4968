package events

import "sync"

// Recorder collects every event published on a bus.
// Used by tests and the scenario harness to assert on event traces.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	stop   func()
}

// NewRecorder subscribes a recorder to all events on b.
func NewRecorder(b *Bus) *Recorder {
	r := &Recorder{}
	r.stop = b.SubscribeAll(func(ev Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	})
	return r
}

// Events returns a copy of the recorded events in publish order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// Reset forgets recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Close unsubscribes the recorder.
func (r *Recorder) Close() {
	r.stop()
}

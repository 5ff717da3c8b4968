package harness

import (
	"github.com/roach88/tether/internal/events"
)

// TraceEvent is the deterministic projection of one published event.
// Timestamps are left out; Seq orders the trace.
type TraceEvent struct {
	Seq      int      `json:"seq"`
	Type     string   `json:"type"`
	Mutation string   `json:"mutation,omitempty"`
	Conflict string   `json:"conflict,omitempty"`
	Key      string   `json:"key,omitempty"`
	Keys     []string `json:"keys,omitempty"`
	Retry    int      `json:"retry,omitempty"`
	Failed   bool     `json:"failed,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace holds every event published during the run, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds assertion failure messages.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// traceOf projects recorded events into trace events numbered from 1.
func traceOf(evs []events.Event) []TraceEvent {
	out := make([]TraceEvent, 0, len(evs))
	for i, ev := range evs {
		te := TraceEvent{
			Seq:    i + 1,
			Type:   string(ev.Type),
			Keys:   ev.Keys,
			Failed: ev.Err != nil,
		}
		if m := ev.Mutation; m != nil {
			te.Mutation = m.ID
			te.Key = m.RecordKey()
			te.Retry = m.RetryCount
		}
		if c := ev.Conflict; c != nil {
			te.Conflict = c.ID
			te.Mutation = c.MutationID
			te.Key = c.RecordKey()
		}
		out = append(out, te)
	}
	return out
}

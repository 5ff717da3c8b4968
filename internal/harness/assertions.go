package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/tether/internal/cache"
	"github.com/roach88/tether/internal/conflict"
	"github.com/roach88/tether/internal/queue"
	"github.com/roach88/tether/internal/record"
	"github.com/roach88/tether/internal/transport/memserver"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s", ev.Seq, ev.Type)
			if ev.Mutation != "" {
				fmt.Fprintf(&buf, " mutation=%s", ev.Mutation)
			}
			if ev.Conflict != "" {
				fmt.Fprintf(&buf, " conflict=%s", ev.Conflict)
			}
			if ev.Key != "" {
				fmt.Fprintf(&buf, " key=%s", ev.Key)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// AssertionContext holds the final state assertions read.
type AssertionContext struct {
	Ctx      context.Context
	Server   *memserver.Server
	Cache    *cache.Store
	Queue    *queue.Queue
	Resolver *conflict.Resolver
}

// EvaluateAssertions runs every assertion and returns failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result.Trace, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

func evaluate(trace []TraceEvent, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertEventCount:
		return assertEventCount(trace, a)
	case AssertEventOrder:
		return assertEventOrder(trace, a)
	case AssertServerRecord:
		return assertServerRecord(actx.Server, a)
	case AssertCacheEntry:
		return assertCacheEntry(actx.Cache, a)
	case AssertQueue:
		return assertQueue(actx.Queue, a)
	case AssertConflicts:
		return assertConflicts(actx.Resolver, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertEventCount checks the event type appears exactly Count times.
func assertEventCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Type == a.Event {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertEventCount,
			Expected: fmt.Sprintf("%s published %d times", a.Event, a.Count),
			Actual:   fmt.Sprintf("published %d times", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertEventOrder checks the event types appear in order. Intervening
// events are allowed and a type may repeat.
func assertEventOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, ev := range trace {
		if next < len(a.Events) && ev.Type == a.Events[next] {
			next++
		}
	}
	if next < len(a.Events) {
		return &AssertionError{
			Type:     AssertEventOrder,
			Expected: fmt.Sprintf("events in order: %v", a.Events),
			Actual:   fmt.Sprintf("matched %d of %d, missing %s", next, len(a.Events), a.Events[next]),
			Trace:    trace,
		}
	}
	return nil
}

func assertServerRecord(server *memserver.Server, a Assertion) error {
	key := record.RecordKey(a.Table, a.ID)
	rec, ok := server.Record(a.Table, a.ID)
	live := ok && !rec.Deleted

	if a.Absent {
		if live {
			return &AssertionError{
				Type:     AssertServerRecord,
				Expected: fmt.Sprintf("%s absent on server", key),
				Actual:   fmt.Sprintf("version %d %s", rec.Version, rec.Data),
			}
		}
		return nil
	}
	if !live {
		return &AssertionError{
			Type:     AssertServerRecord,
			Expected: fmt.Sprintf("%s on server", key),
			Actual:   "absent",
		}
	}
	return compareRecord(AssertServerRecord, key, a, rec.Version, rec.Data)
}

func assertCacheEntry(c *cache.Store, a Assertion) error {
	key := record.RecordKey(a.Table, a.ID)
	entry, ok := c.Peek(key)

	if a.Absent {
		if ok {
			return &AssertionError{
				Type:     AssertCacheEntry,
				Expected: fmt.Sprintf("%s not cached", key),
				Actual:   fmt.Sprintf("version %d %s", entry.Version, entry.Data),
			}
		}
		return nil
	}
	if !ok {
		return &AssertionError{
			Type:     AssertCacheEntry,
			Expected: fmt.Sprintf("%s cached", key),
			Actual:   "not cached",
		}
	}
	if err := compareRecord(AssertCacheEntry, key, a, entry.Version, entry.Data); err != nil {
		return err
	}
	if a.Synced != nil && *a.Synced != (entry.SyncedAt != nil) {
		return &AssertionError{
			Type:     AssertCacheEntry,
			Expected: fmt.Sprintf("%s synced=%t", key, *a.Synced),
			Actual:   fmt.Sprintf("synced=%t", entry.SyncedAt != nil),
		}
	}
	return nil
}

// compareRecord checks version and data when the assertion sets them.
func compareRecord(typ, key string, a Assertion, version int64, data record.Payload) error {
	if a.Version != 0 && a.Version != version {
		return &AssertionError{
			Type:     typ,
			Expected: fmt.Sprintf("%s at version %d", key, a.Version),
			Actual:   fmt.Sprintf("version %d", version),
		}
	}
	if a.Data != nil {
		want, err := payloadOf(a.Data)
		if err != nil {
			return err
		}
		if !want.Equal(data) {
			return &AssertionError{
				Type:     typ,
				Expected: fmt.Sprintf("%s data %s", key, want),
				Actual:   fmt.Sprintf("data %s", data),
			}
		}
	}
	return nil
}

var queueStats = map[string]func(queue.Stats) int{
	"total":      func(s queue.Stats) int { return s.Total },
	"pending":    func(s queue.Stats) int { return s.Pending },
	"processing": func(s queue.Stats) int { return s.Processing },
	"failed":     func(s queue.Stats) int { return s.Failed },
	"suspended":  func(s queue.Stats) int { return s.Suspended },
	"backoff":    func(s queue.Stats) int { return s.Backoff },
}

func validStat(name string) bool {
	_, ok := queueStats[name]
	return ok
}

func assertQueue(q *queue.Queue, a Assertion) error {
	stats := q.Stats()
	var mismatches []string
	for name, want := range a.Queue {
		if got := queueStats[name](stats); got != want {
			mismatches = append(mismatches, fmt.Sprintf("%s=%d (want %d)", name, got, want))
		}
	}
	if len(mismatches) > 0 {
		slices.Sort(mismatches)
		return &AssertionError{
			Type:     AssertQueue,
			Expected: fmt.Sprintf("queue stats %v", a.Queue),
			Actual:   strings.Join(mismatches, ", "),
		}
	}
	return nil
}

func assertConflicts(r *conflict.Resolver, a Assertion) error {
	if open := r.OpenCount(); open != a.Count {
		return &AssertionError{
			Type:     AssertConflicts,
			Expected: fmt.Sprintf("%d open conflicts", a.Count),
			Actual:   fmt.Sprintf("%d open", open),
		}
	}
	return nil
}

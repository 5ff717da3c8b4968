package harness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tether/internal/cache"
	"github.com/roach88/tether/internal/conflict"
	"github.com/roach88/tether/internal/queue"
	"github.com/roach88/tether/internal/record"
	"github.com/roach88/tether/internal/transport/memserver"
)

func trace(types ...string) []TraceEvent {
	out := make([]TraceEvent, 0, len(types))
	for i, typ := range types {
		out = append(out, TraceEvent{Seq: i + 1, Type: typ})
	}
	return out
}

func TestAssertEventCount(t *testing.T) {
	tr := trace("mutation:queued", "sync:started", "mutation:queued")

	assert.NoError(t, assertEventCount(tr, Assertion{Event: "mutation:queued", Count: 2}))
	assert.NoError(t, assertEventCount(tr, Assertion{Event: "sync:failed", Count: 0}))

	err := assertEventCount(tr, Assertion{Event: "sync:started", Count: 2})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertEventCount, ae.Type)
	assert.Contains(t, err.Error(), "published 1 times")
	assert.Contains(t, err.Error(), "[3] mutation:queued")
}

func TestAssertEventOrder(t *testing.T) {
	tr := trace("mutation:queued", "sync:started", "mutation:retrying", "sync:completed", "sync:started", "sync:completed")

	tests := []struct {
		name   string
		events []string
		ok     bool
	}{
		{"subsequence", []string{"mutation:queued", "mutation:retrying", "sync:completed"}, true},
		{"repeats", []string{"sync:started", "sync:started", "sync:completed"}, true},
		{"out of order", []string{"sync:completed", "mutation:queued"}, false},
		{"missing", []string{"conflict:detected"}, false},
		{"too many repeats", []string{"sync:completed", "sync:completed", "sync:completed"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertEventOrder(tr, Assertion{Events: tt.events})
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestAssertServerRecord(t *testing.T) {
	s := memserver.New()
	s.Seed("rfis", "r1", 3, record.MustPayload(map[string]any{"title": "a", "n": 1}))

	assert.NoError(t, assertServerRecord(s, Assertion{Table: "rfis", ID: "r1", Version: 3}))
	assert.NoError(t, assertServerRecord(s, Assertion{Table: "rfis", ID: "r1", Data: map[string]any{"n": 1, "title": "a"}}),
		"key order does not matter")
	assert.NoError(t, assertServerRecord(s, Assertion{Table: "rfis", ID: "r2", Absent: true}))

	assert.Error(t, assertServerRecord(s, Assertion{Table: "rfis", ID: "r1", Version: 4}))
	assert.Error(t, assertServerRecord(s, Assertion{Table: "rfis", ID: "r1", Data: map[string]any{"title": "b"}}))
	assert.Error(t, assertServerRecord(s, Assertion{Table: "rfis", ID: "r1", Absent: true}))
	assert.Error(t, assertServerRecord(s, Assertion{Table: "rfis", ID: "r2"}))
}

func TestAssertCacheEntry(t *testing.T) {
	ctx := context.Background()
	c := cache.New()
	_, err := c.Put(ctx, "rfis/r1", "rfis", record.MustPayload(map[string]any{"title": "a"}), time.Minute, cache.FromServer(2))
	require.NoError(t, err)
	_, err = c.Put(ctx, "rfis/r2", "rfis", record.MustPayload(map[string]any{"title": "b"}), time.Minute)
	require.NoError(t, err)

	yes, no := true, false
	assert.NoError(t, assertCacheEntry(c, Assertion{Table: "rfis", ID: "r1", Version: 2, Synced: &yes}))
	assert.NoError(t, assertCacheEntry(c, Assertion{Table: "rfis", ID: "r2", Synced: &no}))
	assert.NoError(t, assertCacheEntry(c, Assertion{Table: "rfis", ID: "r3", Absent: true}))

	assert.Error(t, assertCacheEntry(c, Assertion{Table: "rfis", ID: "r2", Synced: &yes}))
	assert.Error(t, assertCacheEntry(c, Assertion{Table: "rfis", ID: "r1", Absent: true}))
	assert.Error(t, assertCacheEntry(c, Assertion{Table: "rfis", ID: "r3"}))
}

func TestAssertQueue(t *testing.T) {
	ctx := context.Background()
	q := queue.New()
	_, err := q.Enqueue(ctx, queue.Request{Type: record.MutationCreate, Table: "rfis", RecordID: "a", Data: record.MustPayload(map[string]any{})})
	require.NoError(t, err)

	assert.NoError(t, assertQueue(q, Assertion{Queue: map[string]int{"total": 1, "pending": 1, "failed": 0}}))

	err = assertQueue(q, Assertion{Queue: map[string]int{"total": 0, "pending": 0}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pending=1 (want 0), total=1 (want 0)")
}

func TestAssertConflicts(t *testing.T) {
	r := conflict.New(cache.New(), queue.New())
	assert.NoError(t, assertConflicts(r, Assertion{Count: 0}))
	assert.Error(t, assertConflicts(r, Assertion{Count: 1}))
}

func TestEvaluateAssertions_NumbersFailures(t *testing.T) {
	actx := &AssertionContext{
		Ctx:      context.Background(),
		Server:   memserver.New(),
		Cache:    cache.New(),
		Queue:    queue.New(),
		Resolver: conflict.New(cache.New(), queue.New()),
	}
	result := &Result{Trace: trace("sync:started", "sync:completed")}

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertEventCount, Event: "sync:started", Count: 1},
		{Type: AssertConflicts, Count: 2},
		{Type: AssertServerRecord, Table: "rfis", ID: "x"},
	}, actx)
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "assertion 1:")
	assert.Contains(t, errs[1], "assertion 2:")
}

// Package queue implements the durable, ordered log of pending local writes.
//
// Mutations drain in (priority desc, seq asc) order, subject to the
// per-record serialization rule: a mutation is eligible only when every
// earlier live mutation on the same (table, recordId) has finished, where
// "live" is anything not terminally failed. That makes transmission strictly
// ordered per record while unrelated records proceed independently.
//
// The queue exclusively owns QueuedMutation records. Every transition is
// written to the Backend before the in-memory view changes.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/tether/internal/events"
	"github.com/roach88/tether/internal/record"
)

// Backend is the durable storage behind the queue.
// Implemented by store.Store.
type Backend interface {
	SaveMutation(ctx context.Context, m record.QueuedMutation) error
	DeleteMutation(ctx context.Context, id string) error
	ReplaceMutation(ctx context.Context, oldID string, m record.QueuedMutation) error
	LoadMutations(ctx context.Context) ([]record.QueuedMutation, error)
}

// Request describes a mutation to enqueue.
type Request struct {
	Type     record.MutationType
	Table    string
	Data     record.Payload
	RecordID string
	Priority record.Priority

	// BaseVersion is the cached version the write was based on.
	BaseVersion int64
}

// Validate rejects malformed requests before they reach durable state.
func (r Request) Validate() error {
	if !r.Type.Valid() {
		return record.NewValidationError("type", "unknown mutation type %q", r.Type)
	}
	if r.Table == "" {
		return record.NewValidationError("table", "table is required")
	}
	switch r.Type {
	case record.MutationCreate:
		if r.Data.IsZero() {
			return record.NewValidationError("data", "create requires data")
		}
	case record.MutationUpdate, record.MutationDelete:
		if r.RecordID == "" {
			return record.NewValidationError("record_id", "%s requires a record id", r.Type)
		}
	}
	if !r.Data.IsZero() && !r.Data.Valid() {
		return record.NewValidationError("data", "payload is not valid JSON")
	}
	if r.Priority != "" && !r.Priority.Valid() {
		return record.NewValidationError("priority", "unknown priority %q", r.Priority)
	}
	return nil
}

// Stats summarizes queue contents.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
	Suspended  int `json:"suspended"`

	// Backoff counts pending mutations still waiting on NextAttemptAt.
	Backoff int `json:"backoff"`

	OldestPending time.Time `json:"oldest_pending,omitempty"`
}

// Queue is the mutation queue.
//
// Thread-safety: all methods are safe for concurrent use. The lock covers
// local storage I/O only and is never held while events are delivered.
type Queue struct {
	mu        sync.Mutex
	mutations map[string]record.QueuedMutation

	// claimed maps a record key to the id of its processing mutation.
	claimed map[string]string

	backend Backend
	bus     *events.Bus
	ids     record.IDGenerator
	seq     *Sequence
	policy  RetryPolicy
	now     func() time.Time

	signal chan struct{} // Signals a mutation became pending (buffered, size 1)
}

// Option configures a Queue.
type Option func(*Queue)

// WithBackend makes the queue durable.
func WithBackend(b Backend) Option {
	return func(q *Queue) {
		q.backend = b
	}
}

// WithBus publishes mutation lifecycle events.
func WithBus(b *events.Bus) Option {
	return func(q *Queue) {
		q.bus = b
	}
}

// WithIDGenerator overrides mutation id assignment.
func WithIDGenerator(g record.IDGenerator) Option {
	return func(q *Queue) {
		q.ids = g
	}
}

// WithRetryPolicy overrides the retry ceiling and backoff curve.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(q *Queue) {
		q.policy = p.normalized()
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// New creates an empty in-memory queue. Use Open to load a durable one.
func New(opts ...Option) *Queue {
	q := &Queue{
		mutations: make(map[string]record.QueuedMutation),
		claimed:   make(map[string]string),
		ids:       record.UUIDv7Generator{},
		seq:       NewSequence(),
		policy:    DefaultRetryPolicy(),
		now:       time.Now,
		signal:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Open creates a queue and loads the persisted log.
//
// Mutations found processing were interrupted by a crash; they go back to
// pending without a retry charge. The server may therefore see them twice.
func Open(ctx context.Context, opts ...Option) (*Queue, error) {
	q := New(opts...)
	if q.backend == nil {
		return q, nil
	}

	loaded, err := q.backend.LoadMutations(ctx)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}

	var maxSeq int64
	recovered := 0
	for _, m := range loaded {
		if m.Status == record.StatusProcessing {
			m.Status = record.StatusPending
			m.ClaimedAt = time.Time{}
			if err := q.backend.SaveMutation(ctx, m); err != nil {
				return nil, fmt.Errorf("open queue: recover %s: %w", m.ID, err)
			}
			recovered++
		}
		q.mutations[m.ID] = m
		maxSeq = max(maxSeq, m.Seq)
	}
	q.seq = NewSequenceAt(maxSeq)

	slog.Debug("queue loaded",
		"mutations", len(loaded),
		"recovered", recovered,
		"seq", maxSeq,
	)
	if len(q.mutations) > 0 {
		q.notify()
	}
	return q, nil
}

// Enqueue validates req and appends it to the durable log as pending.
func (q *Queue) Enqueue(ctx context.Context, req Request) (record.QueuedMutation, error) {
	if err := req.Validate(); err != nil {
		return record.QueuedMutation{}, err
	}
	if req.Priority == "" {
		req.Priority = record.PriorityNormal
	}

	q.mu.Lock()
	m := record.QueuedMutation{
		ID:          q.ids.Generate(),
		Type:        req.Type,
		Table:       req.Table,
		Data:        req.Data.Clone(),
		RecordID:    req.RecordID,
		Timestamp:   q.now(),
		Status:      record.StatusPending,
		Priority:    req.Priority,
		Seq:         q.seq.Next(),
		BaseVersion: req.BaseVersion,
	}
	if err := q.save(ctx, m); err != nil {
		q.mu.Unlock()
		return record.QueuedMutation{}, err
	}
	q.mutations[m.ID] = m
	q.mu.Unlock()

	slog.Debug("mutation queued",
		"id", m.ID,
		"type", m.Type,
		"table", m.Table,
		"record_id", m.RecordID,
		"priority", m.Priority,
		"seq", m.Seq,
	)
	q.publish(events.MutationQueued, m, nil)
	q.notify()
	return m.Clone(), nil
}

// DequeueNext claims the next eligible mutation, transitioning it to
// processing. Returns false when nothing is eligible.
func (q *Queue) DequeueNext(ctx context.Context) (record.QueuedMutation, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	next, ok := q.nextEligible(q.now())
	if !ok {
		return record.QueuedMutation{}, false, nil
	}

	next.Status = record.StatusProcessing
	next.ClaimedAt = q.now()
	if err := q.save(ctx, next); err != nil {
		return record.QueuedMutation{}, false, err
	}
	q.mutations[next.ID] = next
	if key := next.RecordKey(); key != "" {
		q.claimed[key] = next.ID
	}
	return next.Clone(), true, nil
}

// nextEligible must be called with q.mu held.
func (q *Queue) nextEligible(now time.Time) (record.QueuedMutation, bool) {
	ordered := q.sortedBySeq()

	// heads holds the first live mutation per record key.
	heads := make(map[string]string)
	for _, m := range ordered {
		key := m.RecordKey()
		if key == "" || m.Status == record.StatusFailed {
			continue
		}
		if _, seen := heads[key]; !seen {
			heads[key] = m.ID
		}
	}

	var best record.QueuedMutation
	found := false
	for _, m := range ordered {
		if m.Status != record.StatusPending {
			continue
		}
		if !m.NextAttemptAt.IsZero() && m.NextAttemptAt.After(now) {
			continue
		}
		if key := m.RecordKey(); key != "" {
			if heads[key] != m.ID {
				continue
			}
			if _, busy := q.claimed[key]; busy {
				continue
			}
		}
		if !found || m.Priority.Rank() > best.Priority.Rank() {
			best, found = m, true
		}
	}
	return best, found
}

// MarkCompleted removes a mutation after the server acknowledged it.
// Completing an id that is already gone is a no-op.
func (q *Queue) MarkCompleted(ctx context.Context, id string) error {
	q.mu.Lock()
	m, ok := q.mutations[id]
	if !ok {
		q.mu.Unlock()
		return nil
	}
	if q.backend != nil {
		if err := q.backend.DeleteMutation(ctx, id); err != nil {
			q.mu.Unlock()
			return fmt.Errorf("complete %s: %w", id, err)
		}
	}
	delete(q.mutations, id)
	q.release(m)
	q.mu.Unlock()

	m.Status = record.StatusCompleted
	slog.Debug("mutation completed", "id", id, "seq", m.Seq)
	q.publish(events.MutationCompleted, m, nil)

	// Completion may unblock the next mutation on the same record.
	q.notify()
	return nil
}

// MarkFailed records a transient failure.
//
// RetryCount is incremented first. Reaching the ceiling makes the mutation
// terminally failed and publishes exactly one sync:failed; otherwise it
// returns to pending behind an exponential backoff gate.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) (record.QueuedMutation, error) {
	return q.fail(ctx, id, cause, false)
}

// MarkFailedPermanent records a failure that retrying cannot fix (e.g. the
// server rejected the request as malformed). The mutation becomes terminally
// failed regardless of its retry count.
func (q *Queue) MarkFailedPermanent(ctx context.Context, id string, cause error) (record.QueuedMutation, error) {
	return q.fail(ctx, id, cause, true)
}

func (q *Queue) fail(ctx context.Context, id string, cause error, permanent bool) (record.QueuedMutation, error) {
	if cause == nil {
		cause = errors.New("unknown failure")
	}

	q.mu.Lock()
	m, ok := q.mutations[id]
	if !ok {
		q.mu.Unlock()
		return record.QueuedMutation{}, &NotFoundError{ID: id}
	}
	if m.Status != record.StatusProcessing && m.Status != record.StatusPending {
		q.mu.Unlock()
		return record.QueuedMutation{}, &StateError{ID: id, Op: "fail", Status: m.Status}
	}

	now := q.now()
	m.RetryCount++
	m.ClaimedAt = time.Time{}
	terminal := permanent || q.policy.Exhausted(m.RetryCount)
	if terminal {
		m.Status = record.StatusFailed
		m.Error = cause.Error()
		m.NextAttemptAt = time.Time{}
	} else {
		m.Status = record.StatusPending
		m.Error = ""
		m.NextAttemptAt = now.Add(q.policy.Backoff(m.RetryCount))
	}
	if err := q.save(ctx, m); err != nil {
		q.mu.Unlock()
		return record.QueuedMutation{}, err
	}
	q.mutations[id] = m
	q.release(m)
	q.mu.Unlock()

	if terminal {
		slog.Error("mutation failed terminally",
			"id", id,
			"table", m.Table,
			"record_id", m.RecordID,
			"retry_count", m.RetryCount,
			"error", cause,
		)
		q.publish(events.SyncFailed, m, cause)
		// A terminal failure no longer blocks its record.
		q.notify()
	} else {
		slog.Warn("mutation failed, will retry",
			"id", id,
			"retry_count", m.RetryCount,
			"next_attempt_at", m.NextAttemptAt,
			"error", cause,
		)
		q.publish(events.MutationRetrying, m, cause)
	}
	return m.Clone(), nil
}

// Requeue returns a processing mutation to pending without charging a
// retry. Used when a pass is interrupted before the server could answer
// (network unreachable, cancellation).
func (q *Queue) Requeue(ctx context.Context, id string) error {
	q.mu.Lock()
	m, ok := q.mutations[id]
	if !ok {
		q.mu.Unlock()
		return &NotFoundError{ID: id}
	}
	if m.Status != record.StatusProcessing {
		q.mu.Unlock()
		return nil
	}
	m.Status = record.StatusPending
	m.ClaimedAt = time.Time{}
	if err := q.save(ctx, m); err != nil {
		q.mu.Unlock()
		return err
	}
	q.mutations[id] = m
	q.release(m)
	q.mu.Unlock()

	q.notify()
	return nil
}

// Suspend parks a processing mutation behind an unresolved conflict. A
// suspended mutation keeps blocking later mutations on its record.
func (q *Queue) Suspend(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.mutations[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	if m.Status != record.StatusProcessing && m.Status != record.StatusPending {
		return &StateError{ID: id, Op: "suspend", Status: m.Status}
	}
	m.Status = record.StatusSuspended
	m.ClaimedAt = time.Time{}
	if err := q.save(ctx, m); err != nil {
		return err
	}
	q.mutations[id] = m
	q.release(m)

	slog.Warn("mutation suspended pending conflict resolution",
		"id", id,
		"table", m.Table,
		"record_id", m.RecordID,
	)
	return nil
}

// Replace swaps mutation id for a new pending mutation built from req,
// keeping its queue position (seq) so it still drains before any later
// write to the same record. Used by conflict resolution.
func (q *Queue) Replace(ctx context.Context, id string, req Request) (record.QueuedMutation, error) {
	if err := req.Validate(); err != nil {
		return record.QueuedMutation{}, err
	}

	q.mu.Lock()
	old, ok := q.mutations[id]
	if !ok {
		q.mu.Unlock()
		return record.QueuedMutation{}, &NotFoundError{ID: id}
	}
	if req.Priority == "" {
		req.Priority = old.Priority
	}

	m := record.QueuedMutation{
		ID:          q.ids.Generate(),
		Type:        req.Type,
		Table:       req.Table,
		Data:        req.Data.Clone(),
		RecordID:    req.RecordID,
		Timestamp:   q.now(),
		Status:      record.StatusPending,
		Priority:    req.Priority,
		Seq:         old.Seq,
		BaseVersion: req.BaseVersion,
	}
	if q.backend != nil {
		if err := q.backend.ReplaceMutation(ctx, id, m); err != nil {
			q.mu.Unlock()
			return record.QueuedMutation{}, fmt.Errorf("replace %s: %w", id, err)
		}
	}
	delete(q.mutations, id)
	q.release(old)
	q.mutations[m.ID] = m
	q.mu.Unlock()

	slog.Info("mutation replaced",
		"old_id", id,
		"new_id", m.ID,
		"seq", m.Seq,
		"base_version", m.BaseVersion,
	)
	q.publish(events.MutationQueued, m, nil)
	q.notify()
	return m.Clone(), nil
}

// Discard removes a mutation without sending it. Processing mutations
// cannot be discarded; the in-flight request must finish first.
func (q *Queue) Discard(ctx context.Context, id string) error {
	q.mu.Lock()
	m, ok := q.mutations[id]
	if !ok {
		q.mu.Unlock()
		return &NotFoundError{ID: id}
	}
	if m.Status == record.StatusProcessing {
		q.mu.Unlock()
		return &StateError{ID: id, Op: "discard", Status: m.Status}
	}
	if q.backend != nil {
		if err := q.backend.DeleteMutation(ctx, id); err != nil {
			q.mu.Unlock()
			return fmt.Errorf("discard %s: %w", id, err)
		}
	}
	delete(q.mutations, id)
	q.mu.Unlock()

	slog.Info("mutation discarded", "id", id, "status", m.Status)
	q.publish(events.MutationDiscarded, m, nil)
	q.notify()
	return nil
}

// Resubmit gives a terminally failed mutation another full set of retries.
// It takes a fresh seq, so it drains after writes made since it failed.
func (q *Queue) Resubmit(ctx context.Context, id string) (record.QueuedMutation, error) {
	q.mu.Lock()
	m, ok := q.mutations[id]
	if !ok {
		q.mu.Unlock()
		return record.QueuedMutation{}, &NotFoundError{ID: id}
	}
	if m.Status != record.StatusFailed {
		q.mu.Unlock()
		return record.QueuedMutation{}, &StateError{ID: id, Op: "resubmit", Status: m.Status}
	}
	m.Status = record.StatusPending
	m.RetryCount = 0
	m.Error = ""
	m.NextAttemptAt = time.Time{}
	m.Seq = q.seq.Next()
	if err := q.save(ctx, m); err != nil {
		q.mu.Unlock()
		return record.QueuedMutation{}, err
	}
	q.mutations[id] = m
	q.mu.Unlock()

	slog.Info("mutation resubmitted", "id", id, "seq", m.Seq)
	q.publish(events.MutationQueued, m, nil)
	q.notify()
	return m.Clone(), nil
}

// ReclaimStale forces processing mutations claimed longer than maxAge back
// to pending and returns their ids. Reclaiming never charges a retry.
func (q *Queue) ReclaimStale(ctx context.Context, maxAge time.Duration) ([]string, error) {
	q.mu.Lock()
	now := q.now()
	var reclaimed []string
	for _, m := range q.sortedBySeq() {
		if m.Status != record.StatusProcessing || now.Sub(m.ClaimedAt) <= maxAge {
			continue
		}
		m.Status = record.StatusPending
		m.ClaimedAt = time.Time{}
		if err := q.save(ctx, m); err != nil {
			q.mu.Unlock()
			return reclaimed, err
		}
		q.mutations[m.ID] = m
		q.release(m)
		reclaimed = append(reclaimed, m.ID)
	}
	q.mu.Unlock()

	if len(reclaimed) > 0 {
		slog.Warn("reclaimed stuck mutations", "count", len(reclaimed), "ids", reclaimed)
		q.notify()
	}
	return reclaimed, nil
}

// Get returns the mutation with id.
func (q *Queue) Get(id string) (record.QueuedMutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.mutations[id]
	if !ok {
		return record.QueuedMutation{}, false
	}
	return m.Clone(), true
}

// List returns every mutation in seq order.
func (q *Queue) List() []record.QueuedMutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	ordered := q.sortedBySeq()
	for i := range ordered {
		ordered[i] = ordered[i].Clone()
	}
	return ordered
}

// ListFailed returns terminally failed mutations in seq order. They stay
// until discarded or resubmitted.
func (q *Queue) ListFailed() []record.QueuedMutation {
	var out []record.QueuedMutation
	for _, m := range q.List() {
		if m.Status == record.StatusFailed {
			out = append(out, m)
		}
	}
	return out
}

// Stats summarizes the queue.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	st := Stats{Total: len(q.mutations)}
	for _, m := range q.mutations {
		switch m.Status {
		case record.StatusPending:
			st.Pending++
			if !m.NextAttemptAt.IsZero() && m.NextAttemptAt.After(now) {
				st.Backoff++
			}
			if st.OldestPending.IsZero() || m.Timestamp.Before(st.OldestPending) {
				st.OldestPending = m.Timestamp
			}
		case record.StatusProcessing:
			st.Processing++
		case record.StatusFailed:
			st.Failed++
		case record.StatusSuspended:
			st.Suspended++
		}
	}
	return st
}

// NextAttempt returns the earliest backoff deadline among pending
// mutations, if any is waiting.
func (q *Queue) NextAttempt() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next time.Time
	for _, m := range q.mutations {
		if m.Status != record.StatusPending || m.NextAttemptAt.IsZero() {
			continue
		}
		if next.IsZero() || m.NextAttemptAt.Before(next) {
			next = m.NextAttemptAt
		}
	}
	return next, !next.IsZero()
}

// HasLater reports whether a live mutation on m's record was enqueued after
// m. The engine uses it to avoid overwriting newer optimistic cache data
// with an older server acknowledgment.
func (q *Queue) HasLater(m record.QueuedMutation) bool {
	key := m.RecordKey()
	if key == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, other := range q.mutations {
		if other.ID == m.ID || other.Status == record.StatusFailed {
			continue
		}
		if other.RecordKey() == key && other.Seq > m.Seq {
			return true
		}
	}
	return false
}

// Rebase moves pending mutations queued after m on the same record onto
// version. Only mutations sharing m's BaseVersion move: those were chained
// on the same server state as m, so once m lands at version they continue
// from it. A later mutation carrying a different base was written against
// other state and keeps it, so the server re-checks it.
func (q *Queue) Rebase(ctx context.Context, m record.QueuedMutation, version int64) error {
	key := m.RecordKey()
	if key == "" {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, other := range q.sortedBySeq() {
		if other.RecordKey() != key || other.Seq <= m.Seq || other.Status != record.StatusPending {
			continue
		}
		if other.BaseVersion != m.BaseVersion || other.BaseVersion == version {
			continue
		}
		other.BaseVersion = version
		if err := q.save(ctx, other); err != nil {
			return err
		}
		q.mutations[other.ID] = other
		slog.Debug("mutation rebased", "id", other.ID, "base_version", version)
	}
	return nil
}

// LastLive returns the most recently enqueued live mutation on key.
func (q *Queue) LastLive(key string) (record.QueuedMutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var last record.QueuedMutation
	found := false
	for _, m := range q.mutations {
		if m.Status == record.StatusFailed || m.RecordKey() != key {
			continue
		}
		if !found || m.Seq > last.Seq {
			last, found = m, true
		}
	}
	if !found {
		return record.QueuedMutation{}, false
	}
	return last.Clone(), true
}

// Ready reports whether DequeueNext would return a mutation now.
func (q *Queue) Ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.nextEligible(q.now())
	return ok
}

// HasLive reports whether any live mutation targets (table, recordID).
func (q *Queue) HasLive(table, recordID string) bool {
	return q.HasLiveKey(record.RecordKey(table, recordID))
}

// HasLiveKey reports whether any live mutation targets the record key.
// Suitable as a cache pin: a record with a live mutation holds an
// unacknowledged optimistic write.
func (q *Queue) HasLiveKey(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.mutations {
		if m.Status != record.StatusFailed && m.RecordKey() == key {
			return true
		}
	}
	return false
}

// Len returns the number of mutations in the log.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.mutations)
}

// Wait returns a channel that signals when a mutation may have become
// eligible. Use with select for context-aware waiting:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-q.Wait():
//	    // start a pass
//	}
func (q *Queue) Wait() <-chan struct{} {
	return q.signal
}

// notify signals availability (non-blocking - buffer of 1 coalesces
// multiple signals).
func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// save must be called with q.mu held.
func (q *Queue) save(ctx context.Context, m record.QueuedMutation) error {
	if q.backend == nil {
		return nil
	}
	if err := q.backend.SaveMutation(ctx, m); err != nil {
		return fmt.Errorf("persist mutation %s: %w", m.ID, err)
	}
	return nil
}

// release drops the processing claim held by m, if any.
// Must be called with q.mu held.
func (q *Queue) release(m record.QueuedMutation) {
	key := m.RecordKey()
	if key == "" {
		return
	}
	if q.claimed[key] == m.ID {
		delete(q.claimed, key)
	}
}

// sortedBySeq must be called with q.mu held.
func (q *Queue) sortedBySeq() []record.QueuedMutation {
	out := make([]record.QueuedMutation, 0, len(q.mutations))
	for _, m := range q.mutations {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b record.QueuedMutation) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		default:
			return 0
		}
	})
	return out
}

func (q *Queue) publish(t events.Type, m record.QueuedMutation, err error) {
	snapshot := m.Clone()
	q.bus.Publish(events.Event{Type: t, Mutation: &snapshot, Err: err})
}

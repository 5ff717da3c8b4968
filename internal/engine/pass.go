package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/tether/internal/cache"
	"github.com/roach88/tether/internal/events"
	"github.com/roach88/tether/internal/record"
	"github.com/roach88/tether/internal/transport"
)

// Sync runs one sync pass, or joins the pass already running and returns
// its result. The joined pass runs under the context of the caller that
// started it.
//
// Returns ErrOffline without touching the queue while offline. A pass that
// ends in Failed returns a *PassError alongside the partial result.
func (e *Engine) Sync(ctx context.Context) (PassResult, error) {
	if !e.Online() {
		return PassResult{}, ErrOffline
	}
	v, err, shared := e.passes.Do("pass", func() (any, error) {
		return e.pass(ctx)
	})
	if shared {
		slog.Debug("sync joined active pass")
	}
	res, _ := v.(PassResult)
	return res, err
}

// outcome is the result of transmitting one mutation.
type outcome struct {
	completed  bool
	retried    bool
	failed     bool
	requeued   bool
	conflictID string
}

func (e *Engine) pass(ctx context.Context) (PassResult, error) {
	res := PassResult{StartedAt: e.now()}
	e.setState(StateDraining)
	e.bus.Publish(events.Event{Type: events.SyncStarted})
	slog.Info("sync pass started", "pending", e.queue.Stats().Pending)

	if err := e.drain(ctx, &res); err != nil {
		return e.interrupt(res, err)
	}

	e.setState(StateReconciling)
	if len(res.ConflictIDs) > 0 {
		n, err := e.resolver.Reconcile(ctx, res.ConflictIDs)
		res.Resolved = n
		if err != nil {
			return e.interrupt(res, &PassError{Phase: StateReconciling, Err: err})
		}
	}

	res.FinishedAt = e.now()
	e.finish(res)
	e.setState(StateIdle)
	slog.Info("sync pass completed",
		"sent", res.Sent,
		"completed", res.Completed,
		"retried", res.Retried,
		"failed", res.Failed,
		"conflicts", res.Conflicts,
		"resolved", res.Resolved,
	)
	e.bus.Publish(events.Event{Type: events.SyncCompleted})
	return res, nil
}

func (e *Engine) interrupt(res PassResult, err error) (PassResult, error) {
	if !IsPassError(err) {
		err = &PassError{Phase: StateDraining, Err: err}
	}
	e.setState(StateFailed)
	res.FinishedAt = e.now()
	res.Interrupted = true
	res.Error = err.Error()
	e.finish(res)

	slog.Warn("sync pass interrupted", "error", err, "sent", res.Sent, "requeued", res.Requeued)
	e.bus.Publish(events.Event{Type: events.SyncInterrupted, Err: err})
	e.setState(StateIdle)
	return res, err
}

func (e *Engine) finish(res PassResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastPass = &res
}

// drain transmits in rounds of up to e.concurrency claimed mutations.
// Claimed mutations always finish their round, so cancellation and an
// unreachable network are only acted on between rounds.
func (e *Engine) drain(ctx context.Context, res *PassResult) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := e.claim(ctx)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		// A plain Group: one failed send must not cancel its siblings.
		outcomes := make([]outcome, len(batch))
		var g errgroup.Group
		g.SetLimit(e.concurrency)
		for i, m := range batch {
			g.Go(func() error {
				o, err := e.transmit(ctx, m)
				outcomes[i] = o
				if err != nil {
					return &PassError{Phase: StateDraining, MutationID: m.ID, Err: err}
				}
				return nil
			})
		}
		stop := g.Wait()

		res.Sent += len(batch)
		for _, o := range outcomes {
			tally(res, o)
		}
		if stop != nil {
			return stop
		}
	}
}

// claim dequeues up to e.concurrency mutations. The queue never hands out
// two mutations for the same record, so a round touches distinct records.
func (e *Engine) claim(ctx context.Context) ([]record.QueuedMutation, error) {
	var batch []record.QueuedMutation
	for len(batch) < e.concurrency {
		m, ok, err := e.queue.DequeueNext(ctx)
		if err != nil {
			// Give back what was claimed so nothing is left processing.
			for _, claimed := range batch {
				if rerr := e.queue.Requeue(context.WithoutCancel(ctx), claimed.ID); rerr != nil {
					slog.Error("requeue after claim failure", "id", claimed.ID, "error", rerr)
				}
			}
			return nil, fmt.Errorf("dequeue: %w", err)
		}
		if !ok {
			break
		}
		batch = append(batch, m)
	}
	return batch, nil
}

func tally(res *PassResult, o outcome) {
	switch {
	case o.completed:
		res.Completed++
	case o.conflictID != "":
		res.Conflicts++
		if !slices.Contains(res.ConflictIDs, o.conflictID) {
			res.ConflictIDs = append(res.ConflictIDs, o.conflictID)
		}
	case o.retried:
		res.Retried++
	case o.failed:
		res.Failed++
	case o.requeued:
		res.Requeued++
	}
}

// transmit sends one claimed mutation and settles it in the queue. The send
// is detached from ctx cancellation and bounded by the send timeout only.
// A non-nil error ends the pass.
func (e *Engine) transmit(ctx context.Context, m record.QueuedMutation) (outcome, error) {
	local := context.WithoutCancel(ctx)
	sendCtx, cancel := context.WithTimeout(local, e.sendTimeout)
	rec, err := e.transport.Send(sendCtx, m)
	cancel()

	slog.Debug("mutation sent",
		"id", m.ID,
		"type", m.Type,
		"table", m.Table,
		"record_id", m.RecordID,
		"base_version", m.BaseVersion,
		"error", err,
	)

	if err == nil {
		return e.acknowledge(local, m, rec)
	}

	if vc, ok := transport.AsVersionConflict(err); ok {
		return e.conflicted(local, m, vc)
	}

	if errors.Is(err, transport.ErrNetworkUnreachable) {
		if rerr := e.queue.Requeue(local, m.ID); rerr != nil {
			return outcome{}, errors.Join(err, rerr)
		}
		return outcome{requeued: true}, err
	}

	if transport.IsRetryable(err) {
		failed, ferr := e.queue.MarkFailed(local, m.ID, err)
		if ferr != nil {
			return outcome{}, ferr
		}
		if failed.Status == record.StatusFailed {
			return outcome{failed: true}, nil
		}
		return outcome{retried: true}, nil
	}

	if _, ferr := e.queue.MarkFailedPermanent(local, m.ID, err); ferr != nil {
		return outcome{}, ferr
	}
	return outcome{failed: true}, nil
}

// acknowledge applies the server's record to the cache, then completes the
// mutation. A crash in between re-sends the mutation, which the server must
// treat idempotently by mutation id.
func (e *Engine) acknowledge(ctx context.Context, m record.QueuedMutation, rec transport.ServerRecord) (outcome, error) {
	if err := e.applyServerRecord(ctx, m, rec); err != nil {
		// The server has the write; a cache failure must not resend it.
		slog.Warn("cache update after acknowledgment failed", "id", m.ID, "error", err)
	}
	if err := e.queue.MarkCompleted(ctx, m.ID); err != nil {
		return outcome{}, err
	}
	return outcome{completed: true}, nil
}

// applyServerRecord writes the acknowledged state into the cache with
// SyncedAt = now. When later local writes to the record are still queued,
// the cache keeps their optimistic data and only records the acknowledged
// version; the later writes are rebased onto it.
func (e *Engine) applyServerRecord(ctx context.Context, m record.QueuedMutation, rec transport.ServerRecord) error {
	if rec.Table == "" {
		rec.Table = m.Table
	}
	if rec.RecordID == "" {
		rec.RecordID = m.RecordID
	}
	if rec.RecordID == "" {
		return nil
	}

	key := rec.Key()
	if e.queue.HasLater(m) {
		if rec.Version > 0 {
			if err := e.cache.MarkSynced(ctx, key, rec.Version); err != nil {
				return err
			}
		}
		return e.queue.Rebase(ctx, m, rec.Version)
	}

	switch {
	case m.Type == record.MutationDelete || rec.Deleted:
		return e.cache.Remove(ctx, key)
	case rec.Data.IsZero() && rec.Version > 0:
		return e.cache.MarkSynced(ctx, key, rec.Version)
	case rec.Data.IsZero():
		return e.cache.BumpVersion(ctx, key)
	default:
		_, err := e.cache.Put(ctx, key, rec.Table, rec.Data, 0, cache.FromServer(rec.Version))
		return err
	}
}

// conflicted routes a version conflict to the resolver and suspends the
// mutation until the conflict is resolved.
func (e *Engine) conflicted(ctx context.Context, m record.QueuedMutation, vc *transport.VersionConflictError) (outcome, error) {
	remote := vc.Current.Snapshot()
	if remote.Version <= m.BaseVersion {
		// The server refused without being ahead of us; retry as transient.
		if _, err := e.queue.MarkFailed(ctx, m.ID, vc); err != nil {
			return outcome{}, err
		}
		return outcome{retried: true}, nil
	}

	c, found, err := e.resolver.Detect(ctx, m, e.localSnapshot(m), remote)
	if err != nil {
		return outcome{}, err
	}
	if !found {
		// The server already holds this payload (our own earlier write
		// echoed back), so the intent is satisfied.
		slog.Debug("conflict response matches local payload", "id", m.ID, "remote_version", remote.Version)
		return e.acknowledge(ctx, m, vc.Current)
	}

	if err := e.queue.Suspend(ctx, m.ID); err != nil {
		return outcome{}, err
	}
	return outcome{conflictID: c.ID}, nil
}

// localSnapshot is the unsynced write m carries. The payload is always
// m's own, since the cache may already hold a later edit.
func (e *Engine) localSnapshot(m record.QueuedMutation) record.Snapshot {
	version := m.BaseVersion
	if entry, ok := e.cache.Peek(m.RecordKey()); ok {
		version = entry.Version
	}
	if m.Type == record.MutationDelete {
		return record.Snapshot{Version: version}
	}
	return record.Snapshot{Version: version, Data: m.Data.Clone()}
}

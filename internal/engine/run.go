package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Run drives sync passes until ctx is cancelled, together with the
// watchdog. A pass starts when a mutation becomes eligible, when the
// engine goes online, when a backoff deadline passes, and on every sync
// interval.
//
// Returns ctx.Err() on cancellation, after the active pass (if any) has
// stopped between transmissions.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting",
		"concurrency", e.concurrency,
		"sync_interval", e.interval,
		"stuck_after", e.stuckAfter,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.loop(ctx) })
	g.Go(func() error { return e.RunWatchdog(ctx) })
	err := g.Wait()

	slog.Info("engine stopping", "reason", err)
	return err
}

func (e *Engine) loop(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	backoff := time.NewTimer(time.Hour)
	defer backoff.Stop()

	e.trigger(ctx, "start")
	for {
		// Re-arm the backoff timer for the earliest retry deadline.
		backoff.Stop()
		if next, ok := e.queue.NextAttempt(); ok {
			backoff.Reset(max(next.Sub(e.now()), 0))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.trigger(ctx, "interval")
		case <-e.queue.Wait():
			e.trigger(ctx, "queue")
		case <-e.onlineSignal:
			e.trigger(ctx, "online")
		case <-backoff.C:
			e.trigger(ctx, "backoff")
		}
	}
}

// trigger runs a pass if one could make progress.
func (e *Engine) trigger(ctx context.Context, reason string) {
	if !e.Online() || !e.queue.Ready() {
		return
	}
	slog.Debug("sync triggered", "reason", reason)
	if _, err := e.Sync(ctx); err != nil && !errors.Is(err, ErrOffline) {
		// Already logged by the pass; the next trigger retries.
		slog.Debug("triggered pass ended early", "reason", reason, "error", err)
	}
}

// RunWatchdog reclaims mutations stuck processing longer than the stuck
// threshold until ctx is cancelled. Run starts it automatically.
func (e *Engine) RunWatchdog(ctx context.Context) error {
	ticker := time.NewTicker(max(e.stuckAfter/2, time.Second))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.Reclaim(ctx); err != nil {
				slog.Error("watchdog reclaim failed", "error", err)
			}
		}
	}
}

// Reclaim forces mutations processing longer than the stuck threshold
// back to pending and returns their ids.
func (e *Engine) Reclaim(ctx context.Context) ([]string, error) {
	return e.queue.ReclaimStale(ctx, e.stuckAfter)
}

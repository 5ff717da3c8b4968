package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/tether/internal/cache"
	"github.com/roach88/tether/internal/events"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine until interrupted",
		Long: `Run the sync engine in the foreground.

The engine drains the queue whenever a mutation becomes eligible, on every
sync interval and after backoff deadlines. The watchdog reclaims mutations
stuck in processing, and the quota monitor evicts cache entries under
storage pressure.

Example:
  tether run --config ./tether.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(rootOpts, cmd)
		},
	}

	return cmd
}

func runEngine(opts *RootOptions, cmd *cobra.Command) error {
	configureLogging(cmd, opts, slog.LevelInfo)

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	unsubscribe := evictOnPressure(ctx, a)
	defer unsubscribe()

	fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Press Ctrl-C to stop.")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.engine.Run(ctx) })
	g.Go(func() error { return a.monitor.Run(ctx, cfg.Quota.PollInterval) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "engine error", err)
	}
	slog.Info("engine stopped gracefully")
	return nil
}

// evictOnPressure frees cache space whenever the monitor escalates to
// warning or critical.
func evictOnPressure(ctx context.Context, a *app) func() {
	handler := func(ev events.Event) {
		if ev.Quota == nil {
			return
		}
		q := *ev.Quota
		keys, err := a.cache.Evict(ctx, cache.Criteria{
			Quota:     q,
			NeedBytes: max(q.Total/10-q.Available, 0),
		})
		if err != nil {
			slog.Error("quota eviction failed", "error", err)
			return
		}
		slog.Info("quota eviction", "level", ev.Type, "evicted", len(keys))
	}
	offWarning := a.bus.Subscribe(events.QuotaWarning, handler)
	offCritical := a.bus.Subscribe(events.QuotaCritical, handler)
	return func() {
		offWarning()
		offCritical()
	}
}

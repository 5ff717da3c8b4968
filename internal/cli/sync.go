package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tether/internal/engine"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass",
		Long: `Drain every eligible queued mutation against the server, then apply
the configured conflict policy to conflicts the pass detected.

Mutations still inside their backoff window are left for a later pass.

Exit codes:
  0 - Pass completed (some mutations may have been retried or failed)
  1 - Pass interrupted (server unreachable or local storage error)
  2 - Command error`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(rootOpts, cmd)
		},
	}

	return cmd
}

func runSync(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)
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

	formatter.VerboseLog("Syncing %d queued mutation(s) against %s", a.queue.Len(), cfg.Server.URL)
	res, err := a.engine.Sync(ctx)
	if err != nil {
		if engine.IsPassError(err) {
			_ = formatter.Error(ErrCodeSyncFailed, err.Error(), res)
			return WrapExitError(ExitFailure, "sync pass interrupted", err)
		}
		return WrapExitError(ExitCommandError, "sync failed", err)
	}

	return formatter.Success(res, func(w io.Writer) {
		printPass(w, res)
	})
}

func printPass(w io.Writer, res engine.PassResult) {
	fmt.Fprintf(w, "Sent %d: %d completed, %d retrying, %d failed, %d requeued\n",
		res.Sent, res.Completed, res.Retried, res.Failed, res.Requeued)
	if res.Conflicts > 0 {
		fmt.Fprintf(w, "Conflicts: %d detected, %d auto-resolved (%s)\n",
			res.Conflicts, res.Resolved, strings.Join(res.ConflictIDs, ", "))
	}
	if res.Interrupted {
		fmt.Fprintf(w, "Interrupted: %s\n", res.Error)
	}
}

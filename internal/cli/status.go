package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tether/internal/engine"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "status",
		Short:         "Show queue, conflict and cache counts",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}

	return cmd
}

// StatusReport is the status command's output.
type StatusReport struct {
	engine.Status
	Database   string `json:"database"`
	UsageBytes int64  `json:"usage_bytes"`
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	usage, err := a.store.Usage(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read database usage", err)
	}
	report := StatusReport{
		Status:     a.engine.Status(),
		Database:   cfg.Database.Path,
		UsageBytes: usage,
	}

	return formatter.Success(report, func(w io.Writer) {
		q := report.Queue
		fmt.Fprintf(w, "Database:   %s (%d bytes)\n", report.Database, report.UsageBytes)
		fmt.Fprintf(w, "Queue:      %d total, %d pending (%d in backoff), %d processing, %d failed, %d suspended\n",
			q.Total, q.Pending, q.Backoff, q.Processing, q.Failed, q.Suspended)
		if !q.OldestPending.IsZero() {
			fmt.Fprintf(w, "Oldest:     %s\n", q.OldestPending.Format(time.RFC3339))
		}
		fmt.Fprintf(w, "Conflicts:  %d open\n", report.OpenConflicts)
		fmt.Fprintf(w, "Cache:      %d entries\n", report.CacheEntries)
	})
}

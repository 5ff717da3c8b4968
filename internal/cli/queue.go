package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tether/internal/engine"
	"github.com/roach88/tether/internal/queue"
	"github.com/roach88/tether/internal/record"
	"github.com/roach88/tether/internal/transport"
)

// WriteOptions holds flags for the write command.
type WriteOptions struct {
	*RootOptions
	Priority string
	TTL      time.Duration
}

// NewWriteCommand creates the write command.
func NewWriteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WriteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "write <create|update|delete> <table> [id] [json]",
		Short: "Queue an optimistic write",
		Long: `Apply a write to the local cache and queue it for the server.

Create accepts an empty id ("") to let the server assign one. Delete takes
no payload.

Examples:
  tether write create rfis r1 '{"title":"Door hardware"}'
  tether write update rfis r1 '{"title":"Door hardware","status":"open"}' --priority high
  tether write delete rfis r1`,
		Args:          cobra.RangeArgs(2, 4),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrite(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Priority, "priority", string(record.PriorityNormal), "drain priority (high|normal|low)")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "cache TTL for the optimistic entry (0 uses cache.default_ttl)")

	return cmd
}

func runWrite(opts *WriteOptions, args []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	op, table := args[0], args[1]
	var id string
	if len(args) > 2 {
		id = args[2]
	}
	var data record.Payload
	if len(args) > 3 {
		data = record.Payload(args[3])
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	wopts := []engine.WriteOption{
		engine.WithPriority(record.Priority(opts.Priority)),
		engine.WithTTL(opts.TTL),
	}

	var m record.QueuedMutation
	switch record.MutationType(op) {
	case record.MutationCreate:
		m, err = a.engine.Create(ctx, table, id, data, wopts...)
	case record.MutationUpdate:
		m, err = a.engine.Update(ctx, table, id, data, wopts...)
	case record.MutationDelete:
		if data != nil {
			return NewExitError(ExitCommandError, "delete takes no payload")
		}
		m, err = a.engine.Delete(ctx, table, id, wopts...)
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown write %q: must be create, update or delete", op))
	}
	if err != nil {
		if record.IsValidationError(err) {
			_ = formatter.Error(ErrCodeInvalidArgument, err.Error(), nil)
			return WrapExitError(ExitCommandError, "invalid write", err)
		}
		return WrapExitError(ExitFailure, "write failed", err)
	}

	return formatter.Success(m, func(w io.Writer) {
		fmt.Fprintf(w, "Queued %s %s (%s)\n", m.Type, describe(m), m.ID)
	})
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <table> <id>",
		Short: "Read a record through the cache",
		Long: `Print a record from the cache, fetching it from the server when the
entry is missing or expired. A stale entry is printed when the server
cannot be reached.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(rootOpts, args[0], args[1], cmd)
		},
	}

	return cmd
}

func runGet(opts *RootOptions, table, id string, cmd *cobra.Command) error {
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

	entry, err := a.engine.Fetch(ctx, table, id)
	if err != nil {
		if errors.Is(err, transport.ErrNotFound) || errors.Is(err, engine.ErrNotCached) {
			_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
			return WrapExitError(ExitFailure, "record not found", err)
		}
		return WrapExitError(ExitFailure, "fetch failed", err)
	}

	return formatter.Success(entry, func(w io.Writer) {
		synced := "never"
		if entry.SyncedAt != nil {
			synced = entry.SyncedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s v%d (synced %s, expires %s)\n",
			entry.Key, entry.Version, synced, entry.ExpiresAt.Format(time.RFC3339))
		fmt.Fprintln(w, entry.Data.String())
	})
}

// NewFailedCommand creates the failed command.
func NewFailedCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List mutations that exhausted their retries",
		Long: `List terminally failed mutations. Each stays in the queue until it is
discarded or resubmitted.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFailed(rootOpts, cmd)
		},
	}

	return cmd
}

func runFailed(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	failed := a.queue.ListFailed()
	if failed == nil {
		failed = []record.QueuedMutation{}
	}
	return formatter.Success(failed, func(w io.Writer) {
		if len(failed) == 0 {
			fmt.Fprintln(w, "No failed mutations.")
			return
		}
		rows := make([][]string, 0, len(failed))
		for _, m := range failed {
			rows = append(rows, []string{m.ID, string(m.Type), describe(m), strconv.Itoa(m.RetryCount), m.Error})
		}
		table(w, []string{"ID", "TYPE", "RECORD", "RETRIES", "ERROR"}, rows)
	})
}

// NewDiscardCommand creates the discard command.
func NewDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discard <mutation-id>...",
		Short: "Remove queued mutations without sending them",
		Long: `Remove mutations from the queue. The optimistic cache entries they
wrote are left in place until the record is next fetched or overwritten.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueOp(rootOpts, cmd, args, "discarded", func(a *app, id string) error {
				return a.queue.Discard(cmd.Context(), id)
			})
		},
	}

	return cmd
}

// NewResubmitCommand creates the resubmit command.
func NewResubmitCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resubmit <mutation-id>...",
		Short: "Give failed mutations a fresh set of retries",
		Long: `Return terminally failed mutations to pending with their retry count
reset. They drain after writes queued since they failed.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueOp(rootOpts, cmd, args, "resubmitted", func(a *app, id string) error {
				_, err := a.queue.Resubmit(cmd.Context(), id)
				return err
			})
		},
	}

	return cmd
}

// QueueOpResult reports a discard or resubmit over several ids.
type QueueOpResult struct {
	Done   []string          `json:"done"`
	Errors map[string]string `json:"errors,omitempty"`
}

// runQueueOp applies op to every id, continuing past failures. Unknown
// ids and ids in the wrong status fail the command after the rest ran.
func runQueueOp(opts *RootOptions, cmd *cobra.Command, ids []string, verb string, op func(*app, string) error) error {
	formatter := newFormatter(opts, cmd)
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res := QueueOpResult{Done: []string{}}
	for _, id := range ids {
		if err := op(a, id); err != nil {
			if !queue.IsNotFound(err) && !queue.IsStateError(err) {
				return WrapExitError(ExitFailure, fmt.Sprintf("%s failed", id), err)
			}
			if res.Errors == nil {
				res.Errors = make(map[string]string)
			}
			res.Errors[id] = err.Error()
			continue
		}
		res.Done = append(res.Done, id)
	}

	if len(res.Errors) > 0 {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("%d of %d mutation(s) not %s", len(res.Errors), len(ids), verb), res.Errors)
		if formatter.Format != "json" {
			for _, id := range ids {
				if msg, ok := res.Errors[id]; ok {
					fmt.Fprintf(formatter.Writer, "  %s: %s\n", id, msg)
				}
			}
		}
		return NewExitError(ExitFailure, fmt.Sprintf("%d mutation(s) not %s", len(res.Errors), verb))
	}

	return formatter.Success(res, func(w io.Writer) {
		for _, id := range res.Done {
			fmt.Fprintf(w, "✓ %s %s\n", id, verb)
		}
	})
}

func describe(m record.QueuedMutation) string {
	if m.RecordID == "" {
		return m.Table + "/(new)"
	}
	return m.RecordKey()
}

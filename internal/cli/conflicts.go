package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tether/internal/conflict"
	"github.com/roach88/tether/internal/record"
)

// ConflictsOptions holds flags for the conflicts command.
type ConflictsOptions struct {
	*RootOptions
	All   bool
	Prune bool
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConflictsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List conflicts awaiting resolution",
		Long: `List conflicts between queued local edits and newer server versions.
Only unresolved conflicts are shown unless --all is given. --prune deletes
resolved conflicts from the store first.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflicts(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "include resolved conflicts")
	cmd.Flags().BoolVar(&opts.Prune, "prune", false, "delete resolved conflicts before listing")

	return cmd
}

func runConflicts(opts *ConflictsOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if opts.Prune {
		n, err := a.resolver.Prune(cmd.Context())
		if err != nil {
			return WrapExitError(ExitFailure, "prune failed", err)
		}
		formatter.VerboseLog("Pruned %d resolved conflict(s)", n)
	}

	conflicts := a.resolver.List(!opts.All)
	if conflicts == nil {
		conflicts = []record.Conflict{}
	}
	return formatter.Success(conflicts, func(w io.Writer) {
		if len(conflicts) == 0 {
			fmt.Fprintln(w, "No conflicts.")
			return
		}
		rows := make([][]string, 0, len(conflicts))
		for _, c := range conflicts {
			state := "open"
			if c.Resolved {
				state = string(c.Resolution)
			}
			rows = append(rows, []string{
				c.ID,
				c.RecordKey(),
				c.MutationID,
				strconv.FormatInt(c.LocalVersion.Version, 10),
				strconv.FormatInt(c.RemoteVersion.Version, 10),
				c.Timestamp.Format(time.RFC3339),
				state,
			})
		}
		table(w, []string{"ID", "RECORD", "MUTATION", "LOCAL", "REMOTE", "DETECTED", "STATE"}, rows)
		if opts.Verbose {
			for _, c := range conflicts {
				fmt.Fprintf(w, "\n%s local:  %s\n%s remote: %s\n", c.ID, c.LocalVersion.Data, c.ID, c.RemoteVersion.Data)
			}
		}
	})
}

// ResolveOptions holds flags for the resolve command.
type ResolveOptions struct {
	*RootOptions
	Data string
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve <conflict-id> <local|remote|manual>",
		Short: "Resolve a conflict",
		Long: `Resolve a conflict with one of three strategies:

  local   re-send the local edit against the server's current version
  remote  accept the server version and drop the local edit
  manual  send the payload given with --data as the merged result

Mutations to the same record that were held behind the conflict drain on
the next sync.

Examples:
  tether resolve c-1 remote
  tether resolve c-1 manual --data '{"title":"merged"}'`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(opts, args[0], record.Resolution(args[1]), cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Data, "data", "", "merged JSON payload (manual only)")

	return cmd
}

func runResolve(opts *ResolveOptions, id string, strategy record.Resolution, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	if !strategy.Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown strategy %q: must be local, remote or manual", strategy))
	}
	var merged record.Payload
	if opts.Data != "" {
		if strategy != record.ResolutionManual {
			return NewExitError(ExitCommandError, "--data is only used with the manual strategy")
		}
		merged = record.Payload(opts.Data)
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

	c, err := a.resolver.Resolve(ctx, id, strategy, merged)
	switch {
	case err == nil:
	case conflict.IsNotFound(err), conflict.IsAlreadyResolved(err):
		_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
		return WrapExitError(ExitFailure, "cannot resolve", err)
	case record.IsValidationError(err):
		_ = formatter.Error(ErrCodeInvalidArgument, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid resolution", err)
	default:
		return WrapExitError(ExitFailure, "resolve failed", err)
	}

	return formatter.Success(c, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s resolved (%s) for %s\n", c.ID, c.Resolution, c.RecordKey())
	})
}

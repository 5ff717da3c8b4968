package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/tether/internal/cache"
)

// EvictOptions holds flags for the cache evict command.
type EvictOptions struct {
	*RootOptions
	NeedBytes    int64
	PurgeExpired bool
}

// NewCacheCommand creates the cache command group.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and evict cache entries",
	}
	cmd.AddCommand(newCacheEvictCommand(rootOpts))
	return cmd
}

func newCacheEvictCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EvictOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "evict",
		Short: "Evict cache entries",
		Long: `Evict synced cache entries.

Without flags the current storage quota decides: nothing happens unless
the quota source reports pressure. --purge-expired removes every expired
entry regardless of pressure, and --need-bytes frees at least that many
bytes, oldest-synced first. Entries whose writes are still queued are
never evicted.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvict(opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.NeedBytes, "need-bytes", 0, "bytes to free")
	cmd.Flags().BoolVar(&opts.PurgeExpired, "purge-expired", false, "remove every expired entry")

	return cmd
}

// EvictResult is the cache evict command's output.
type EvictResult struct {
	Evicted   []string `json:"evicted"`
	Remaining int      `json:"remaining"`
}

func runEvict(opts *EvictOptions, cmd *cobra.Command) error {
	if opts.NeedBytes < 0 {
		return NewExitError(ExitCommandError, "--need-bytes must not be negative")
	}
	formatter := newFormatter(opts.RootOptions, cmd)
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

	keys := []string{}
	if opts.PurgeExpired {
		purged, err := a.cache.Evict(ctx, cache.Criteria{PurgeExpired: true})
		if err != nil {
			return WrapExitError(ExitFailure, "eviction failed", err)
		}
		keys = append(keys, purged...)
	}

	q := a.monitor.Check(ctx)
	if opts.NeedBytes > 0 && !q.Critical {
		// An explicit byte target evicts live entries too.
		q.Warning = true
	}
	formatter.VerboseLog("Quota: total=%d used=%d warning=%t critical=%t", q.Total, q.Used, q.Warning, q.Critical)

	evicted, err := a.cache.Evict(ctx, cache.Criteria{Quota: q, NeedBytes: opts.NeedBytes})
	if err != nil {
		return WrapExitError(ExitFailure, "eviction failed", err)
	}
	keys = append(keys, evicted...)

	res := EvictResult{Evicted: keys, Remaining: a.cache.Len()}
	return formatter.Success(res, func(w io.Writer) {
		for _, k := range res.Evicted {
			fmt.Fprintf(w, "evicted %s\n", k)
		}
		fmt.Fprintf(w, "%d evicted, %d remaining\n", len(res.Evicted), res.Remaining)
	})
}

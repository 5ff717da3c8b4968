package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tether/internal/config"
	"github.com/roach88/tether/internal/snapshot"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Dir string
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export queue, conflicts and cache to a snapshot",
		Long: `Write a snapshot of every queued mutation, conflict and cache entry.

The snapshot goes to snapshot.bucket on S3 when one is configured (AWS
credentials come from the default provider chain), otherwise to
snapshot.dir. --dir forces a local directory.

Examples:
  tether export
  tether export --dir /tmp/tether-snapshots`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Dir, "dir", "", "write to this directory instead of the configured sink")

	return cmd
}

// ExportResult is the export command's output.
type ExportResult struct {
	Sink      string `json:"sink"`
	Name      string `json:"name"`
	Mutations int    `json:"mutations"`
	Conflicts int    `json:"conflicts"`
	Entries   int    `json:"entries"`
}

func runExport(opts *ExportOptions, cmd *cobra.Command) error {
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

	sink, where, err := newSink(ctx, cfg.Snapshot, opts.Dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid snapshot sink", err)
	}

	snap := snapshot.Capture(time.Now(), a.queue, a.resolver, a.cache)
	name, err := snapshot.Export(ctx, sink, snap)
	if err != nil {
		return WrapExitError(ExitFailure, "export failed", err)
	}

	res := ExportResult{
		Sink:      where,
		Name:      name,
		Mutations: len(snap.Mutations),
		Conflicts: len(snap.Conflicts),
		Entries:   len(snap.Entries),
	}
	return formatter.Success(res, func(w io.Writer) {
		fmt.Fprintf(w, "Exported %s to %s (%d mutations, %d conflicts, %d entries)\n",
			res.Name, res.Sink, res.Mutations, res.Conflicts, res.Entries)
	})
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect <snapshot-name>",
		Short: "Summarize an exported snapshot",
		Long: `Read a snapshot back from the configured sink (or --dir) and print its
contents. With --format json the full snapshot is printed.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Dir, "dir", "", "read from this directory instead of the configured sink")

	return cmd
}

func runInspect(opts *ExportOptions, name string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	sink, _, err := newSink(ctx, cfg.Snapshot, opts.Dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid snapshot sink", err)
	}
	snap, err := snapshot.Import(ctx, sink, name)
	if err != nil {
		return WrapExitError(ExitFailure, "inspect failed", err)
	}

	return formatter.Success(snap, func(w io.Writer) {
		fmt.Fprintf(w, "Snapshot %s (format %d, created %s)\n", name, snap.Format, snap.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "Mutations: %d\n", len(snap.Mutations))
		for _, m := range snap.Mutations {
			fmt.Fprintf(w, "  %s %s %s [%s]\n", m.ID, m.Type, describe(m), m.Status)
		}
		fmt.Fprintf(w, "Conflicts: %d\n", len(snap.Conflicts))
		for _, c := range snap.Conflicts {
			fmt.Fprintf(w, "  %s %s resolved=%t\n", c.ID, c.RecordKey(), c.Resolved)
		}
		fmt.Fprintf(w, "Entries:   %d\n", len(snap.Entries))
	})
}

// newSink picks the S3 or file sink for cfg and describes where it writes.
func newSink(ctx context.Context, cfg config.SnapshotConfig, dirOverride string) (snapshot.Sink, string, error) {
	if dirOverride != "" {
		return snapshot.FileSink{Dir: dirOverride}, dirOverride, nil
	}
	if cfg.Bucket == "" {
		return snapshot.FileSink{Dir: cfg.Dir}, cfg.Dir, nil
	}
	sink, err := snapshot.NewS3Sink(ctx, snapshot.S3Config{
		Bucket:       cfg.Bucket,
		Region:       cfg.Region,
		Endpoint:     cfg.Endpoint,
		UsePathStyle: cfg.Endpoint != "",
		Prefix:       cfg.Prefix,
	})
	if err != nil {
		return nil, "", err
	}
	return sink, "s3://" + cfg.Bucket + "/" + cfg.Prefix, nil
}

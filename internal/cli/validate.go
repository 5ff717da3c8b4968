package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/tether/internal/config"
	"github.com/roach88/tether/internal/record"
)

// ConfigProblem is one violation reported by validate-config.
type ConfigProblem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool            `json:"valid"`
	Errors    []ConfigProblem `json:"errors,omitempty"`
	Effective *config.Config  `json:"effective,omitempty"`
}

// NewValidateConfigCommand creates the validate-config command.
func NewValidateConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-config [file]",
		Short: "Validate a configuration file",
		Long: `Validate a tether configuration file against the config schema.

The file defaults to --config. On success the effective configuration,
defaults included, is printed.

Exit codes:
  0 - Configuration valid
  1 - Configuration invalid
  2 - Command error (file unreadable)`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.ConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			return runValidateConfig(rootOpts, path, cmd)
		},
	}

	return cmd
}

func runValidateConfig(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)
	formatter.VerboseLog("Validating %s", displayPath(path))

	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || (!record.IsValidationError(err) && !isParseError(err)) {
			return WrapExitError(ExitCommandError, "failed to read config", err)
		}
		res := ValidationResult{Valid: false, Errors: problemsOf(err)}
		_ = formatter.Error(ErrCodeInvalidConfig, fmt.Sprintf("%s is invalid", displayPath(path)), res.Errors)
		if formatter.Format != "json" {
			for _, p := range res.Errors {
				fmt.Fprintf(formatter.Writer, "  %s: %s\n", p.Field, p.Message)
			}
		}
		return NewExitError(ExitFailure, fmt.Sprintf("%d config problem(s)", len(res.Errors)))
	}

	res := ValidationResult{Valid: true, Effective: &cfg}
	return formatter.Success(res, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s is valid\n", displayPath(path))
		if opts.Verbose {
			fmt.Fprintf(w, "  database: %s\n  server:   %s (%s)\n  queue:    max_retries=%d backoff=%s..%s x%g\n",
				cfg.Database.Path, cfg.Server.URL, cfg.Server.Transport,
				cfg.Queue.MaxRetries, cfg.Queue.InitialBackoff, cfg.Queue.MaxBackoff, cfg.Queue.BackoffBase)
		}
	})
}

// problemsOf flattens the validation errors inside err, which may be
// wrapped and joined. A YAML decode error becomes a single problem.
func problemsOf(err error) []ConfigProblem {
	var out []ConfigProblem
	var walk func(error)
	walk = func(e error) {
		if ve, ok := e.(*record.ValidationError); ok {
			out = append(out, ConfigProblem{Field: ve.Field, Message: ve.Message})
			return
		}
		switch u := e.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			walk(u.Unwrap())
		default:
			out = append(out, ConfigProblem{Field: "config", Message: e.Error()})
		}
	}
	walk(err)
	return out
}

func isParseError(err error) bool {
	var pe *config.ParseError
	return errors.As(err, &pe)
}

func displayPath(path string) string {
	if path == "" {
		return "default configuration"
	}
	return path
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tether/internal/transport/memserver"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an in-memory server of record",
		Long: `Run an in-memory server of record for local development.

The server speaks the same HTTP and WebSocket protocol the engine uses:
POST /v1/mutations, GET /v1/records/{table}/{id} and GET /v1/ws. Records
live in memory and are lost on exit.

Example:
  tether serve --listen 127.0.0.1:8780`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides server.listen)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	configureLogging(cmd, opts.RootOptions, slog.LevelInfo)

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	addr := cfg.Server.Listen
	if opts.Listen != "" {
		addr = opts.Listen
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	srv := &http.Server{
		Handler:           memserver.New().Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server listening", "addr", ln.Addr().String())
	fmt.Fprintf(cmd.OutOrStdout(), "Serving on http://%s. Press Ctrl-C to stop.\n", ln.Addr())

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitFailure, "server error", err)
	}
	slog.Info("server stopped")
	return nil
}

// signalContext derives a context from the command's that is cancelled on
// SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

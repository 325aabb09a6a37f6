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

	"streamchat/internal/app"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Port            string
	ShutdownTimeout time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API.

Configuration comes from the environment (and a .env file when present).
With PARAM_PREFIX set, unset variables are read from the SSM parameters under
<PARAM_PREFIX>/config. LOG_LEVEL sets the server's log level.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Port, "port", "p", "", "listen port (default: $PORT)")
	cmd.Flags().DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", 15*time.Second, "grace period for running turns on shutdown")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, params, err := app.LoadConfig(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "load configuration", err)
	}
	if opts.Port != "" {
		cfg.Port = opts.Port
	}

	logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	appOpts := []app.Option{app.WithLogger(logger)}
	if params != nil {
		appOpts = append(appOpts, app.WithParamStore(params))
	}
	a, err := app.New(ctx, cfg, appOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "initialize", err)
	}

	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		_ = a.Close(context.WithoutCancel(ctx))
		return WrapExitError(ExitCommandError, "listen", err)
	}
	return serve(ctx, ln, a, opts.ShutdownTimeout, logger)
}

// serve runs the API on ln until ctx ends, then shuts the server down and
// waits up to shutdownTimeout for running turns to finalize.
func serve(ctx context.Context, ln net.Listener, a *app.App, shutdownTimeout time.Duration, log *slog.Logger) error {
	// Event streams stay open for a whole turn: no WriteTimeout.
	srv := &http.Server{
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down gracefully")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced to shut down", "error", err)
		_ = srv.Close()
	}
	if err := a.Close(shutdownCtx); err != nil {
		log.Error("close app", "error", err)
		return errors.Join(serveErr, err)
	}
	log.Info("server stopped")
	return serveErr
}

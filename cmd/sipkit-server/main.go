package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := BuildApp(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	if err := run(ctx, app); err != nil {
		slog.Error("server exited with error", "error", err)
		cleanup()
		os.Exit(1)
	}
	cleanup()
	slog.Info("server stopped")
}

// run serves until ctx is cancelled, then shuts every listener down within
// the configured timeout.
func run(ctx context.Context, app *App) error {
	cfg := app.Config
	app.Logger.Info("starting sipkit server",
		"environment", cfg.Environment,
		"profile", cfg.Profile,
		"address", cfg.Server.Address,
		"storage_adapter", cfg.Storage.Adapter,
		"metrics", cfg.Metrics.Enabled,
		"sweeper", app.Sweeper != nil)

	g, gctx := errgroup.WithContext(ctx)
	servers := []*http.Server{app.Server}
	if app.MetricsServer.Server != nil {
		servers = append(servers, app.MetricsServer.Server)
	}
	for _, srv := range servers {
		g.Go(func() error {
			app.Logger.Info("server listening", "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen on %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	if app.Sweeper != nil {
		g.Go(func() error {
			_ = app.Sweeper.Run(gctx)
			return nil
		})
	}
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			app.Aggregator.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		app.Logger.Info("shutting down server", "timeout", cfg.Server.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

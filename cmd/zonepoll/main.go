package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	httphandler "github.com/ericfisherdev/zonepoll/internal/adapter/driving/http"
	"github.com/ericfisherdev/zonepoll/internal/app"
	"github.com/ericfisherdev/zonepoll/internal/config"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on invalid values).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"home_id", cfg.HomeID,
		"retention_days", cfg.RetentionDays,
		"limit_policy", string(cfg.LimitPolicy),
		"http_cache", cfg.HTTPCache,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database, run migrations, wire services and load persisted state.
	a, err := app.Open(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		// ctx is already cancelled at this point.
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if closeErr := a.Close(closeCtx); closeErr != nil {
			slog.Error("error closing app", "error", closeErr)
		}
	}()
	slog.Info("state loaded",
		"db_path", cfg.DBPath,
		"auth_state", string(a.Tokens.State()),
		"ledger_records", len(a.Ledger.Recent(time.Duration(cfg.RetentionDays)*24*time.Hour)),
	)

	// 4. Start the poll loop.
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		a.Poller.Start(ctx)
	}()

	// 5. Create HTTP handler and register API routes.
	apiHandler := httphandler.NewHandler(a.Tokens, a.Poller, a.Estimator, a.Ledger, a.Actions, slog.Default())
	handler := httphandler.NewServeMux(apiHandler, slog.Default())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()

	// 6. Log startup complete.
	policy := cfg.PollingPolicy()
	slog.Info("zonepoll started",
		"listen_addr", cfg.ListenAddr,
		"day_start_hour", policy.DayStartHour,
		"night_start_hour", policy.NightStartHour,
		"full_sync_every", policy.FullSyncEvery,
	)

	// 7. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	// 8. Graceful shutdown with 10s timeout for HTTP drain and poll loop exit.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	// Stop a pending device authorization before the credential store closes.
	apiHandler.Close()

	select {
	case <-pollDone:
	case <-shutdownCtx.Done():
		slog.Warn("poll loop did not stop before shutdown timeout")
	}

	// 9. Log shutdown complete.
	slog.Info("shutdown complete")
	return nil
}

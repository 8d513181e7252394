// Package app wires the adapters and services shared by the daemon and the
// CLI against one database.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericfisherdev/zonepoll/internal/adapter/driven/notify"
	sqliteadapter "github.com/ericfisherdev/zonepoll/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/zonepoll/internal/adapter/driven/tado"
	"github.com/ericfisherdev/zonepoll/internal/application"
	"github.com/ericfisherdev/zonepoll/internal/config"
	"github.com/ericfisherdev/zonepoll/internal/domain/port/driven"
)

// requestTimeout bounds a single API or token endpoint round-trip.
const requestTimeout = 30 * time.Second

// App holds the wired object graph.
type App struct {
	DB        *sqliteadapter.DB
	Notifier  *notify.LogNotifier
	Ledger    *application.Ledger
	Estimator *application.Estimator
	Tokens    *application.TokenManager
	API       *application.APIClient
	Poller    *application.PollService
	Actions   *application.ActionService
}

// Open opens the database, runs migrations, wires every component and loads
// persisted state. The caller must Close the returned App.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		_ = db.Close()
		return nil, err
	}

	blobs := sqliteadapter.NewBlobRepo(db)
	credentials := sqliteadapter.NewCredentialRepo(db, cfg.SecretKey)
	transport := tado.NewTransport(cfg.HTTPCache, requestTimeout)
	notifier := notify.NewLogNotifier(logger)

	ledger := application.NewLedger(blobs, cfg.RetentionDays)
	estimator := application.NewEstimator(ledger, blobs, notifier, cfg.LimitPolicy)
	tokens := application.NewTokenManager(transport, credentials, ledger, notifier, cfg.OAuth(), cfg.TokenMargin)
	api := application.NewAPIClient(transport, tokens, ledger, estimator, blobs, cfg.APIBaseURL, cfg.HomeID)
	poller := application.NewPollService(api, ledger, estimator, blobs, notifier, cfg.PollingPolicy(), cfg.SafetyMargin)
	actions := application.NewActionService(api, blobs, poller)

	a := &App{
		DB:        db,
		Notifier:  notifier,
		Ledger:    ledger,
		Estimator: estimator,
		Tokens:    tokens,
		API:       api,
		Poller:    poller,
		Actions:   actions,
	}

	if err := a.load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

// load restores the ledger, quota estimate, schedule and credential. The
// ledger goes first since the estimator falls back on it.
func (a *App) load(ctx context.Context) error {
	if err := a.Ledger.Load(ctx); err != nil {
		return err
	}
	if err := a.Estimator.Load(ctx); err != nil {
		return err
	}
	if err := a.Poller.Load(ctx); err != nil {
		return err
	}
	err := a.Tokens.Load(ctx)
	if errors.Is(err, driven.ErrEncryptionKeyNotSet) {
		slog.Warn("no secret key configured, polling disabled until ZONEPOLL_SECRET_KEY is set")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	return nil
}

// Flush persists the ledger and the quota estimate.
func (a *App) Flush(ctx context.Context) error {
	return errors.Join(a.Ledger.Flush(ctx), a.Estimator.Flush(ctx))
}

// Close flushes pending state and closes the database.
func (a *App) Close(ctx context.Context) error {
	flushErr := a.Flush(ctx)
	if flushErr != nil {
		slog.Error("error flushing state", "error", flushErr)
	}
	return errors.Join(flushErr, a.DB.Close())
}

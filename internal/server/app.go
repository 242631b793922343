// Package server wires the reference sync server: storage, the sync service
// and the HTTP API, with graceful shutdown on SIGINT and SIGTERM.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/posync/internal/logging"
	"github.com/dmitrijs2005/posync/internal/server/api"
	"github.com/dmitrijs2005/posync/internal/server/config"
	"github.com/dmitrijs2005/posync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/posync/internal/server/services"
)

type App struct {
	config *config.Config
	logger logging.Logger
	repos  repomanager.RepositoryManager
	api    *api.Server
}

// newRepositoryManager is a seam for tests.
var newRepositoryManager = func(ctx context.Context, c *config.Config) (repomanager.RepositoryManager, error) {
	if c.Store == config.StorePostgres {
		return repomanager.NewPostgresRepositoryManager(ctx, c.DatabaseDSN)
	}
	return repomanager.NewMemoryRepositoryManager(), nil
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger := logging.New(os.Stdout, c.LogLevel, c.LogFormat)

	rm, err := newRepositoryManager(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	if err := rm.RunMigrations(ctx); err != nil {
		_ = rm.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	opts := []services.Option{services.WithLogger(logger.With("component", "sync"))}
	apiOpts := []api.Option{api.WithBasePath(c.BasePath)}
	if c.SecretKey != "" {
		opts = append(opts, services.WithTokens([]byte(c.SecretKey), c.TokenValidityDuration))
		apiOpts = append(apiOpts, api.WithSecretKey([]byte(c.SecretKey)))
	}
	svc := services.NewService(rm, opts...)

	return &App{
		config: c,
		logger: logger,
		repos:  rm,
		api:    api.New(svc, logger, apiOpts...),
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run serves until ctx is done or a signal arrives.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...", "store", app.config.Store, "addr", app.config.Addr, "auth", app.config.SecretKey != "")
	app.initSignalHandler(cancelFunc)

	defer func() {
		if err := app.repos.Close(); err != nil {
			app.logger.Error(context.Background(), "close storage", "error", err)
		}
	}()

	if err := app.api.ListenAndServe(ctx, app.config.Addr); err != nil {
		return err
	}
	app.logger.Info(context.Background(), "Stopped")
	return nil
}

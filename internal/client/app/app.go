// Package app wires the sync engine of a till: storage, the remote client,
// connectivity, the queue, the sync coordinator, the orchestrator, the local
// status API and the console.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/posync/internal/client/cli"
	"github.com/dmitrijs2005/posync/internal/client/client"
	"github.com/dmitrijs2005/posync/internal/client/config"
	"github.com/dmitrijs2005/posync/internal/client/connectivity"
	"github.com/dmitrijs2005/posync/internal/client/models"
	"github.com/dmitrijs2005/posync/internal/client/orchestrator"
	"github.com/dmitrijs2005/posync/internal/client/ownership"
	"github.com/dmitrijs2005/posync/internal/client/queue"
	"github.com/dmitrijs2005/posync/internal/client/services"
	"github.com/dmitrijs2005/posync/internal/client/statusapi"
	"github.com/dmitrijs2005/posync/internal/client/storage"
	"github.com/dmitrijs2005/posync/internal/client/storage/factory"
	"github.com/dmitrijs2005/posync/internal/client/syncer"
	"github.com/dmitrijs2005/posync/internal/logging"
)

// Version is reported to the server on device registration.
var Version = "dev"

type App struct {
	config  *config.Config
	logger  logging.Logger
	store   storage.Adapter
	monitor *connectivity.Monitor
	orch    *orchestrator.Orchestrator
	status  *statusapi.Server
	console *cli.App
}

// NewApp opens storage and builds every component. in and out carry the
// console; they are unused when the config is headless.
func NewApp(ctx context.Context, c *config.Config, in io.Reader, out io.Writer) (*App, error) {
	logger := logging.New(os.Stderr, c.LogLevel, c.LogFormat)

	policy, err := c.Policy()
	if err != nil {
		return nil, err
	}

	api, err := client.NewHTTPClient(c.ServerURL, client.WithTimeout(c.RequestTimeout))
	if err != nil {
		return nil, err
	}

	store, err := factory.Open(ctx, c.Storage(), logger)
	if err != nil {
		return nil, fmt.Errorf("storage init error: %w", err)
	}

	mon := connectivity.NewMonitor(api, connectivity.Options{
		Debounce:    c.OnlineDebounce,
		PingTimeout: c.PingTimeout,
		Logger:      logger,
	})
	guard := ownership.New()
	registry := models.DefaultRegistry()

	var orch *orchestrator.Orchestrator
	proc := queue.NewProcessor(store, api, mon, c.Queue(),
		queue.WithLogger(logger),
		queue.WithGuard(guard),
		queue.WithPolicy(policy),
		queue.WithRegistry(registry),
		queue.WithDeviceID(func() string { return orch.DeviceID() }),
	)
	coord := syncer.NewCoordinator(store, api, mon,
		syncer.WithLogger(logger),
		syncer.WithGuard(guard),
		syncer.WithEntities(c.SyncEntities),
		syncer.WithRequestTimeout(c.RequestTimeout),
	)

	oc := c.Orchestrator()
	oc.Platform = runtime.GOOS
	oc.AppVersion = Version
	orch = orchestrator.New(store, mon, proc, coord, api, oc,
		orchestrator.WithLogger(logger),
		orchestrator.WithDeviceIDHook(api.SetDeviceID),
		orchestrator.WithTokenHook(api.SetToken),
	)

	writer := services.NewWriter(store, api, mon, proc,
		services.WithLogger(logger),
		services.WithGuard(guard),
		services.WithRegistry(registry),
		services.WithRequestTimeout(c.RequestTimeout),
	)

	deps := cli.Deps{
		Controller: orch,
		Queue:      proc,
		Syncer:     coord,
		Sales:      services.NewSaleService(writer),
		Stock:      services.NewStockService(writer),
		Parties:    services.NewPartyService(writer),
	}
	if store.Engine() == storage.EngineSQLite {
		sc := c.Storage()
		deps.Migrate = func(ctx context.Context) (storage.MigrationReport, error) {
			return factory.MigrateFromDocstore(ctx, sc, store)
		}
	}

	app := &App{
		config:  c,
		logger:  logger,
		store:   store,
		monitor: mon,
		orch:    orch,
		status:  statusapi.New(orch, proc, logger),
	}
	if !c.Headless {
		app.console = cli.NewApp(deps, in, out)
	}
	return app, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run blocks until a signal arrives, the console exits or a component fails.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...", "engine", app.store.Engine(), "server", app.config.ServerURL)
	app.initSignalHandler(cancelFunc)

	defer func() {
		app.monitor.Close()
		if err := app.store.Close(); err != nil {
			app.logger.Error(context.Background(), "close storage", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.orch.Run(gctx)
	})
	if app.config.StatusAddr != "" {
		g.Go(func() error {
			return app.status.ListenAndServe(gctx, app.config.StatusAddr)
		})
	}
	if app.console != nil {
		g.Go(func() error {
			app.console.Run(gctx)
			cancelFunc()
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	app.logger.Info(context.Background(), "Stopped")
	return nil
}

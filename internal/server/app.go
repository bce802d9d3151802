// Package server initializes and runs the sync server: storage, event log
// migrations, the fan-out broker, the connection registry, the HTTP endpoint
// and the retention archiver, with graceful shutdown on OS signals.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/mkorolev/listsync/internal/logging"
	"github.com/mkorolev/listsync/internal/server/archive"
	"github.com/mkorolev/listsync/internal/server/broker"
	"github.com/mkorolev/listsync/internal/server/config"
	"github.com/mkorolev/listsync/internal/server/coordinator"
	"github.com/mkorolev/listsync/internal/server/httpapi"
	"github.com/mkorolev/listsync/internal/server/metrics"
	"github.com/mkorolev/listsync/internal/server/registry"
	"github.com/mkorolev/listsync/internal/server/repositories/repomanager"
)

type App struct {
	config *config.Config
	logger logging.Logger

	db       *sql.DB
	broker   *broker.PGListenBroker
	registry *registry.Registry
	coord    *coordinator.Coordinator
	httpSrv  *httpapi.Server
	archiver *archive.Archiver
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.NewJSONLogger()

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	repos := repomanager.NewPostgresRepositoryManager()
	if err := repos.RunMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("migrations error: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	b := broker.NewPGListenBroker(cfg.DatabaseDSN, db, logger)
	coord := coordinator.New(db, repos, b, logger, m)
	connReg := registry.New(coord, logger, m)
	b.Subscribe(connReg.HandleBroker)

	store, err := archive.NewObjectStore(ctx, archive.S3Settings{
		RootUser:     cfg.S3RootUser,
		RootPassword: cfg.S3RootPassword,
		Bucket:       cfg.S3Bucket,
		Region:       cfg.S3Region,
		BaseEndpoint: cfg.S3BaseEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("object store init error: %w", err)
	}
	archiver := archive.New(repos.Events(db), store, cfg.S3Bucket,
		cfg.EventRetention, cfg.ArchiveInterval, logger, m)

	httpSrv := httpapi.NewServer(cfg.EndpointAddrHTTP, coord, connReg, logger, cfg.SecretKey, reg)

	return &App{
		config:   cfg,
		logger:   logger,
		db:       db,
		broker:   b,
		registry: connReg,
		coord:    coord,
		httpSrv:  httpSrv,
		archiver: archiver,
	}, nil
}

// Run starts every component and blocks until the context is cancelled, an
// OS signal arrives, or a component fails.
func (app *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	app.initSignalHandler(cancel)

	app.logger.Info(ctx, "Starting app...")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.httpSrv.Run(ctx) })
	g.Go(func() error { return app.broker.Run(ctx) })
	g.Go(func() error { return app.registry.RunJanitor(ctx) })
	g.Go(func() error { return app.archiver.Run(ctx) })

	err := g.Wait()

	if cerr := app.broker.Close(); cerr != nil {
		app.logger.Error(ctx, "broker close", "error", cerr)
	}
	if cerr := app.db.Close(); cerr != nil {
		app.logger.Error(ctx, "db close", "error", cerr)
	}

	app.logger.Info(ctx, "App stopped")
	return err
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

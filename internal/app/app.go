// Package app wires the stores, the directory, the migration machinery and
// the crawler together and runs them until shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/perchmsg/perch/internal/accounts"
	"github.com/perchmsg/perch/internal/config"
	"github.com/perchmsg/perch/internal/crawler"
	"github.com/perchmsg/perch/internal/directory"
	"github.com/perchmsg/perch/internal/logging"
	"github.com/perchmsg/perch/internal/migration"
	"github.com/perchmsg/perch/internal/storage"
	"github.com/perchmsg/perch/internal/storage/keyvalue"
	"github.com/perchmsg/perch/internal/storage/postgres"
)

const sweepInterval = time.Minute

type App struct {
	config  *config.Config
	logger  logging.Logger
	manager *accounts.Manager
	dir     *directory.Service
	crawler *crawler.Crawler
	sweeper *migration.RetrySweeper
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := postgres.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	if err := postgres.RunMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("db migration error: %w", err)
	}
	relational := postgres.NewAccountsRepository(db)

	dynamo, err := keyvalue.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("key-value store init error: %w", err)
	}
	retry := keyvalue.NewRetryAccounts(dynamo, cfg.RetryTable)
	deleted := keyvalue.NewDeletedAccounts(dynamo, cfg.DeletedTable)
	kv := keyvalue.NewAccounts(dynamo, logger, cfg.AccountsTable, cfg.LoginsTable, cfg.MiscTable, retry, deleted)

	cache := redis.NewClient(&redis.Options{Addr: cfg.CacheAddr})

	var authoritative storage.AccountStore = kv
	if cfg.AuthoritativeStore == config.StoreRelational {
		authoritative = relational
	}

	gate := directory.NewRebuildGate()
	snapshots := directory.NewSnapshotStore(cache, cfg.DirectoryUpdatesToHold)
	dir := directory.NewService(snapshots, authoritative, gate, logger, cfg.CrawlChunkSize, cfg.CrawlPageSize)

	coordinator := migration.NewCoordinator(kv, logger, cfg.MigrationConcurrency)
	sweeper := migration.NewRetrySweeper(authoritative, kv, retry, logger)
	manager := accounts.NewManager(cfg, relational, kv, coordinator, dir, logger)

	processors := []crawler.ChunkProcessor{directory.NewRebuilder(dir)}
	if cfg.AuthoritativeStore == config.StoreRelational {
		processors = append(processors, coordinator)
	}
	cr := crawler.New(authoritative, crawler.NewLeaseCache(cache), logger, crawler.Options{
		ChunkSize:           cfg.CrawlChunkSize,
		PageSize:            cfg.CrawlPageSize,
		LeaseTTL:            cfg.CrawlLeaseTTL,
		Interval:            cfg.CrawlInterval,
		AcceleratedInterval: cfg.CrawlAcceleratedInterval,
	}, processors...)

	return &App{
		config:  cfg,
		logger:  logger,
		manager: manager,
		dir:     dir,
		crawler: cr,
		sweeper: sweeper,
	}, nil
}

// Accounts is the write path handed to the API layer.
func (app *App) Accounts() *accounts.Manager {
	return app.manager
}

// Directory serves download requests.
func (app *App) Directory() *directory.Service {
	return app.dir
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) runSweeper(ctx context.Context) {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := app.sweeper.Sweep(ctx); err != nil {
				app.logger.Warn(ctx, "retry sweep failed", "error", err)
			}
		}
	}
}

func (app *App) runMetricsServer(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: app.config.MetricsAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		app.logger.Error(ctx, "metrics server failed", "error", err)
	}
}

func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting app", "authoritative_store", app.config.AuthoritativeStore)

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.crawler.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.runSweeper(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.runMetricsServer(ctx)
	}()

	wg.Wait()
}

// Package bootstrap wires the application together: configuration, logging,
// storage backends, the detection scheduler, the lifecycle controller, the
// ticket engine, and the HTTP server, with graceful shutdown.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bkaudit/api"
	"bkaudit/config"
	"bkaudit/core"
	"bkaudit/detect"
	"bkaudit/lifecycle"
	"bkaudit/notify"
	"bkaudit/pipeline"
	"bkaudit/reconcile"
	"bkaudit/risk"
	"bkaudit/service"
	"bkaudit/storage"
	"bkaudit/tool"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EventStorage is the full event store surface: the scheduler reads windows
// and the collector endpoint appends batches.
type EventStorage interface {
	detect.EventStore
	api.EventWriter
}

// App holds every started component so shutdown can unwind them.
type App struct {
	Config *config.Config
	Logger *zap.SugaredLogger

	sqlite     *storage.SQLite
	clickhouse *storage.ClickHouse
	dedupIndex *storage.RedisDedupIndex

	Strategies *storage.SQLiteStrategyStorage
	Tickets    *storage.SQLiteTicketStorage
	Solutions  *storage.SQLiteSolutionStorage
	Events     EventStorage

	Poller     *pipeline.Poller
	Controller *lifecycle.Controller
	Scheduler  *detect.Scheduler
	Engine     *risk.Engine
	Reconciler *reconcile.Reconciler
	Dispatcher *tool.Dispatcher

	server *http.Server
}

func buildLogger(cfg *config.Config) (*zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zc := zap.NewProductionConfig()
	if !cfg.Logging.JSON {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.Sugar(), nil
}

// NewApp builds the full component graph from configuration. Nothing is
// started yet; Start launches the loops and the HTTP server.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := buildLogger(cfg)
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, Logger: logger}

	app.sqlite, err = storage.NewSQLite(cfg.SQLite.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	app.Strategies, err = storage.NewSQLiteStrategyStorage(app.sqlite, logger)
	if err != nil {
		return nil, err
	}
	app.Tickets, err = storage.NewSQLiteTicketStorage(app.sqlite, logger)
	if err != nil {
		return nil, err
	}
	app.Solutions, err = storage.NewSQLiteSolutionStorage(app.sqlite, logger)
	if err != nil {
		return nil, err
	}

	if cfg.ClickHouse.Enabled {
		app.clickhouse, err = storage.NewClickHouse(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect clickhouse: %w", err)
		}
		app.Events = storage.NewClickHouseEventStorage(app.clickhouse, logger)
	} else {
		logger.Info("ClickHouse disabled, using in-memory event storage")
		app.Events = storage.NewMemoryEventStorage()
	}

	var dedup risk.DedupIndex = risk.NoopDedupIndex{}
	if cfg.Redis.Enabled {
		app.dedupIndex = storage.NewRedisDedupIndex(
			cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize,
			cfg.Redis.DedupTTL, logger)
		if err := app.dedupIndex.Ping(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect redis: %w", err)
		}
		dedup = app.dedupIndex
	}

	notifier := notify.NewNotifier(toNotifyChannels(cfg.Notify), logger)

	// The pipeline provisioner is in-process until a data platform adapter
	// is configured; the mock honors the same async contract.
	provisioner := pipeline.NewMockProvisioner()
	app.Poller = pipeline.NewPoller(provisioner, cfg.Pipeline.PollInterval, logger)
	app.Controller = lifecycle.NewController(app.Strategies, provisioner, app.Poller, notifier, lifecycle.Config{
		EnableDeadline:  cfg.Pipeline.EnableDeadline,
		DisableDeadline: cfg.Pipeline.DisableDeadline,
	}, logger)

	catalog := tool.EmptyCatalog()
	if cfg.Tool.CatalogPath != "" {
		catalog, err = tool.LoadCatalog(cfg.Tool.CatalogPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load tool catalog: %w", err)
		}
	}
	app.Dispatcher = tool.NewDispatcher(logger)
	executor := tool.NewMockExecutor(app.Dispatcher)
	app.Engine = risk.NewEngine(app.Tickets, dedup, catalog, executor, app.Dispatcher, notifier, logger)

	app.Scheduler = detect.NewScheduler(app.Strategies, app.Events, app.Engine, nil, detect.SchedulerConfig{
		RefreshInterval: cfg.Scheduler.RefreshInterval,
		MaxConcurrent:   cfg.Scheduler.MaxConcurrent,
	}, logger)

	app.Reconciler, err = reconcile.NewReconciler(app.Solutions, app.Strategies, app.Controller, reconcile.Config{
		Interval:  cfg.Reconciler.Interval,
		CacheSize: cfg.Reconciler.CacheSize,
	}, logger)
	if err != nil {
		return nil, err
	}

	strategySvc := service.NewStrategyService(app.Controller, app.Strategies, app.Reconciler, logger)
	ticketSvc := service.NewTicketService(app.Engine, app.Tickets, logger)
	handler := api.New(strategySvc, ticketSvc, app.Events, cfg.Server.RateLimit, cfg.Server.RateBurst, logger)
	app.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return app, nil
}

func toNotifyChannels(channels []config.NotifyChannel) []notify.ChannelConfig {
	out := make([]notify.ChannelConfig, 0, len(channels))
	for _, ch := range channels {
		out = append(out, notify.ChannelConfig{
			Type:    notify.ChannelType(ch.Type),
			URL:     ch.URL,
			Headers: ch.Headers,
		})
	}
	return out
}

// Start launches the background loops and the HTTP server, and re-registers
// completion waits for strategies a previous run left transient.
func (a *App) Start(ctx context.Context) error {
	a.Poller.Start()
	a.Scheduler.Start()
	a.Reconciler.Start()

	strategies, err := a.Strategies.GetStrategies()
	if err != nil {
		return fmt.Errorf("failed to load strategies for recovery: %w", err)
	}
	transient := make([]core.Strategy, 0)
	for _, s := range strategies {
		if s.ControlState.IsTransient() {
			transient = append(transient, s)
		}
	}
	if len(transient) > 0 {
		a.Logger.Infow("Recovering transient strategies", "count", len(transient))
		a.Controller.Recover(transient)
	}

	go func() {
		a.Logger.Infow("HTTP server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.Errorw("HTTP server failed", "error", err)
		}
	}()
	return nil
}

// WaitForShutdown blocks until SIGINT or SIGTERM.
func (a *App) WaitForShutdown() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-ch
	a.Logger.Infow("Shutdown signal received", "signal", sig)
}

// Shutdown stops components in reverse dependency order.
func (a *App) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.Logger.Errorw("HTTP server shutdown failed", "error", err)
		}
	}
	a.Reconciler.Stop()
	a.Scheduler.Stop()
	a.Poller.Stop()
	a.Dispatcher.Wait()

	if a.dedupIndex != nil {
		if err := a.dedupIndex.Close(); err != nil {
			a.Logger.Errorw("Redis close failed", "error", err)
		}
	}
	if a.clickhouse != nil {
		if err := a.clickhouse.Close(); err != nil {
			a.Logger.Errorw("ClickHouse close failed", "error", err)
		}
	}
	if err := a.sqlite.Close(); err != nil {
		a.Logger.Errorw("SQLite close failed", "error", err)
	}
	a.Logger.Info("Shutdown complete")
}

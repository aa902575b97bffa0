/*
main.go - Application entry point

PURPOSE:
  Starts the retainer billing engine HTTP server. Loads configuration,
  wires the store, notification dispatchers, metrics and scheduler, and
  shuts everything down cleanly.

STARTUP SEQUENCE:
  1. Load configuration (config.toml, .env, RETAINER_* environment)
  2. Apply command-line flag overrides
  3. Open the SQL store (SQLite or Postgres) and run migrations
  4. Build the notification dispatcher (log, plus Redis when configured)
  5. Create the retainer service, API handler and router
  6. Start the ready-to-close scheduler when enabled
  7. Serve until SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides server.port)
  -db      Database DSN (overrides database.dsn)
           Use ":memory:" for an in-memory SQLite database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler and wait for a running sweep
  2. Stop accepting new connections
  3. Wait for active requests (server.shutdown_timeout)
  4. Close Redis and the database

EXAMPLES:
  ./server -db="./data/retainer.db"
  ./server -db=":memory:" -port=3000
  RETAINER_DATABASE_DRIVER=postgres RETAINER_DATABASE_DSN=postgres://... ./server

SEE ALSO:
  - config/config.go: Configuration sources and defaults
  - api/server.go: Router configuration
  - api/scheduler.go: Ready-to-close schedule
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/warp/retainer-engine/api"
	"github.com/warp/retainer-engine/config"
	"github.com/warp/retainer-engine/notify"
	"github.com/warp/retainer-engine/observability"
	"github.com/warp/retainer-engine/retainer"
	"github.com/warp/retainer-engine/store/sqlstore"
	"golang.org/x/sync/errgroup"
)

func main() {
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dsn := flag.String("db", "", "Database DSN (overrides config)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}

	logger := observability.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("server exited")
	}
	logger.Info("server stopped")
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store
	store, err := sqlstore.Open(cfg.Database.Driver, cfg.Database.DSN, sqlstore.Options{
		SettingsCacheSize: cfg.Cache.SettingsSize,
		SettingsCacheTTL:  cfg.Cache.SettingsTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()
	logger.WithField("driver", store.Dialect()).Info("database ready")

	// Notifications
	dispatcher, closeDispatcher, err := newDispatcher(ctx, cfg.Notifications, logger)
	if err != nil {
		return err
	}
	defer closeDispatcher()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	svc := retainer.NewService(store, retainer.Options{
		Dispatcher: dispatcher,
		Logger:     logger,
		Metrics:    metrics,
	})

	handler := api.NewHandler(svc, store, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Metrics:        metrics,
		MetricsHandler: observability.Handler(registry),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Scheduler
	var scheduler *api.ReadyToCloseScheduler
	if cfg.Scheduler.Enabled {
		scheduler, err = api.NewReadyToCloseScheduler(svc.Scanner, cfg.Scheduler.ReadyToCloseCron, logger, metrics)
		if err != nil {
			return err
		}
		scheduler.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("port", cfg.Server.Port).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		if scheduler != nil {
			<-scheduler.Stop().Done()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// newDispatcher always logs notifications and additionally pushes them to
// Redis when the redis driver is configured.
func newDispatcher(ctx context.Context, cfg config.NotificationsConfig, logger logrus.FieldLogger) (retainer.Dispatcher, func(), error) {
	logDispatcher := notify.NewLogDispatcher(logger.WithField("component", "notifications"))
	if cfg.Driver != "redis" {
		return logDispatcher, func() {}, nil
	}

	redisDispatcher, err := notify.NewRedisDispatcher(ctx, notify.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Key:      cfg.RedisKey,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.WithField("redis_addr", cfg.RedisAddr).Info("redis notifications enabled")
	return notify.Fanout{logDispatcher, redisDispatcher}, func() { redisDispatcher.Close() }, nil
}

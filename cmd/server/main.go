/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the lot ledger server. Handles configuration,
  dependency wiring and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (.env, environment), then apply command-line flags
  2. Build the logger
  3. Open the SQLite store
  4. Load the reference catalog
  5. Choose the lot locker (Redis when REDIS_ADDR is set)
  6. Build engine, metrics, handler and router
  7. Start the offline sync scheduler and the HTTP server

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the offline sync scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close Redis and the database

EXAMPLES:
  ./server -db="./data/plant.db"
  REDIS_ADDR=localhost:6379 OFFLINE_SYNC_INTERVAL=30s ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
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

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/warp/lotledger/api"
	"github.com/warp/lotledger/catalog"
	"github.com/warp/lotledger/config"
	"github.com/warp/lotledger/engine"
	"github.com/warp/lotledger/lock/redislock"
	"github.com/warp/lotledger/metrics"
	"github.com/warp/lotledger/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()
	cfg.Port, cfg.DBPath = *port, *dbPath
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := cfg.NewLogger(os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}

func run(cfg config.Config, log *logrus.Logger) error {
	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}

	var locker engine.LotLocker
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		locker = redislock.New(rdb, cfg.LockTTL, log.WithField("component", "redislock"))
		log.WithField("addr", cfg.RedisAddr).Info("using redis lot locks")
	}

	rec := metrics.NewRecorder()
	eng := engine.New(store, engine.Options{
		Logger:    log.WithField("component", "engine"),
		Recorder:  rec,
		Locker:    locker,
		Reference: cat,
	})

	handler := api.NewHandler(eng, cat, log.WithField("component", "api"))
	handler.Store = store
	handler.SyncBatch = cfg.OfflineSyncBatch
	handler.OnSync = rec.ObserveSync

	scheduler := api.NewOfflineSyncScheduler(eng, log)
	scheduler.Interval = cfg.OfflineSyncInterval
	scheduler.Batch = cfg.OfflineSyncBatch
	scheduler.OnResult = rec.ObserveSync
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, api.RouterOptions{CORSOrigins: cfg.CORSOrigins, Metrics: rec.Handler()}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"port": cfg.Port, "db": cfg.DBPath}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	log.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}

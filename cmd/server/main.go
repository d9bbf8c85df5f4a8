// Package main implements the entry point for the taskpilot server,
// which manages the lifecycle of asynchronous background tasks and the
// sessions that group them.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/clipcraft/taskpilot/internal/api"
	"github.com/clipcraft/taskpilot/internal/config"
	"github.com/clipcraft/taskpilot/internal/platform/logger"
	"github.com/clipcraft/taskpilot/internal/platform/memory"
	"github.com/clipcraft/taskpilot/internal/platform/postgres"
	"github.com/clipcraft/taskpilot/internal/session"
	"github.com/clipcraft/taskpilot/internal/store"
	"github.com/clipcraft/taskpilot/internal/task"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("server exited with error: %v", err)
	}
}

// run wires the application together and blocks until shutdown.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logg, err := logger.Setup(logger.Config{Level: cfg.Server.LogLevel})
	if err != nil {
		return fmt.Errorf("set up logger: %w", err)
	}
	logg.Info("configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("log_level", cfg.Server.LogLevel),
		slog.Bool("durable_store_configured", cfg.Database.URL != ""))

	// Durable backend is optional. When the URL is missing or the
	// database is unreachable at boot, the service degrades to the
	// in-memory fallback store rather than refusing to start.
	var (
		db           *sql.DB
		durableTasks store.TaskStore
		sessionStore store.SessionStore
	)
	if cfg.Database.URL != "" {
		db, err = openDatabase(cfg.Database, logg)
		if err != nil {
			logg.Warn("durable store unavailable, running on fallback storage only",
				slog.String("error", err.Error()))
			db = nil
		}
	}
	if db != nil {
		defer db.Close()
		durableTasks = postgres.NewTaskStore(db, logg)
		sessionStore = postgres.NewSessionStore(db, logg)
	} else {
		sessionStore = memory.NewSessionStore()
	}

	fallback := memory.NewTaskStore()
	sessions := session.NewRegistry(sessionStore, logg)
	manager := task.NewManager(durableTasks, fallback, sessions, logg)
	dispatcher := task.NewDispatcher(manager, logg)

	schedCfg := task.DefaultSchedulerConfig()
	schedCfg.IntervalHours = cfg.Cleanup.IntervalHours
	schedCfg.AgeThresholdDays = cfg.Cleanup.AgeThresholdDays
	scheduler := task.NewCleanupScheduler(durableTasks, sessions, schedCfg, logg)
	scheduler.Start()

	handler := api.NewTaskHandler(manager, scheduler, logg)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logg.Info("http server listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logg.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logg.Error("http server shutdown failed", slog.String("error", err.Error()))
	}
	scheduler.Stop()
	if !dispatcher.Shutdown(shutdownTimeout) {
		logg.Warn("dispatcher did not drain within timeout")
	}
	logg.Info("server stopped")
	return nil
}

// openDatabase connects to the durable store, verifies the connection
// and runs pending migrations.
func openDatabase(cfg config.DatabaseConfig, logg *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ConnectTimeout)*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := postgres.RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logg.Info("database connected and migrated")
	return db, nil
}

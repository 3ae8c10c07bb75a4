// Package main is the entry point for the workflow execution engine daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/loomctl/loom/internal/common/config"
	"github.com/loomctl/loom/internal/common/logger"
	"github.com/loomctl/loom/internal/db"
	"github.com/loomctl/loom/internal/engine"
	"github.com/loomctl/loom/internal/engine/sandbox"
	"github.com/loomctl/loom/internal/engine/scheduler"
	"github.com/loomctl/loom/internal/events/bus"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting workflow engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := openDatabase(cfg)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer func() { _ = pool.Close() }()

	evaluator, err := sandbox.NewExecEvaluator(cfg.Sandbox.Command)
	if err != nil {
		log.Fatal("sandbox.command is required", zap.Error(err))
	}

	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	eng, err := engine.New(engine.Options{
		Pool:          pool,
		Logger:        log,
		Evaluator:     evaluator,
		Bus:           eventBus,
		EvalTimeout:   cfg.Sandbox.EvalTimeout(),
		MaxIterations: cfg.Session.MaxIterations,
		Scheduler: scheduler.Config{
			TickInterval:  cfg.Scheduler.TickInterval(),
			MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		},
	})
	if err != nil {
		log.Fatal("failed to assemble engine", zap.Error(err))
	}

	// Recovery must finish before the scheduler serves any traffic.
	if err := eng.Recover(ctx); err != nil {
		log.Fatal("recovery failed", zap.Error(err))
	}
	if err := eng.Start(ctx); err != nil {
		log.Fatal("failed to start scheduler", zap.Error(err))
	}
	log.Info("engine running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	cancel()
	if err := eng.Stop(); err != nil {
		log.WithError(err).Warn("scheduler stop reported an error")
	}
	log.Info("engine stopped")
}

func openDatabase(cfg *config.Config) (*db.Pool, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		writer, err := db.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		reader, err := db.OpenSQLiteReader(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		return db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3")), nil
	case "postgres":
		raw, err := db.OpenPostgres(cfg.Database.PostgresDSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, err
		}
		conn := sqlx.NewDb(raw, "pgx")
		return db.NewPool(conn, conn), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/plturrell/procflow/internal/capability"
	"github.com/plturrell/procflow/internal/engine"
	"github.com/plturrell/procflow/internal/logging"
	"github.com/plturrell/procflow/internal/scheduler"
	"github.com/plturrell/procflow/internal/store"
	"github.com/plturrell/procflow/internal/streaming"
	"github.com/plturrell/procflow/internal/validation"
	"github.com/plturrell/procflow/pkg/mcp"
	"github.com/plturrell/procflow/pkg/schema"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "procflow:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(procflowDir(), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	registry := capability.NewRegistry()
	hub := streaming.NewMemoryHub()

	sup, err := engine.NewEngine(s, registry, hub, engine.Config{
		PoolSize:        cfg.PoolSize,
		UserTaskPoll:    duration(cfg.UserTaskPoll, engine.DefaultUserTaskPoll),
		UserTaskTimeout: duration(cfg.UserTaskTimeout, engine.DefaultUserTaskTimeout),
		ScriptTimeout:   duration(cfg.ScriptTimeout, 0),
		InvokeTimeout:   duration(cfg.InvokeTimeout, 0),
	}, logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	if cfg.Scheduler {
		sched := scheduler.NewScheduler(s, &planRunner{sup: sup}, logger)
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer func() { _ = sched.Stop() }()
	}

	validator, err := validation.NewPlanValidator()
	if err != nil {
		return fmt.Errorf("create plan validator: %w", err)
	}

	srv := mcp.NewProcflowServer(mcp.ServerDeps{
		Supervisor: sup,
		Store:      s,
		Validator:  validator,
		Logger:     logger,
	})

	logger.Info("procflow engine ready", slog.String("db", cfg.DBPath))
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}

	return sup.Shutdown(context.Background())
}

// planRunner adapts the supervisor to the scheduler's launcher interface.
type planRunner struct {
	sup engine.Supervisor
}

func (r *planRunner) ExecutePlan(ctx context.Context, plan *schema.Plan, input map[string]any) (string, error) {
	return r.sup.Execute(ctx, plan, input, engine.Options{})
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/internal/gateway"
	"github.com/loomhq/loom/internal/persistence"
	"github.com/loomhq/loom/internal/scheduler"
	"github.com/loomhq/loom/internal/telemetry"
	"github.com/loomhq/loom/internal/timers"
	"github.com/loomhq/loom/pkg/api"
	"github.com/loomhq/loom/workflows"
)

// scheduleSpec is the on-disk shape of one entry in a --schedules file.
type scheduleSpec struct {
	Name         string          `json:"name"`
	WorkflowType string          `json:"workflow_type"`
	BusinessKey  string          `json:"business_key"`
	TaskQueue    string          `json:"task_queue,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	CronExpr     string          `json:"cron,omitempty"`
	Interval     string          `json:"interval,omitempty"`
}

func newServeCmd() *cobra.Command {
	var addr string
	var sqlitePath string
	var postgresDSN string
	var schedulesPath string
	var timerInterval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, HTTP gateway, timer service and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(addr, sqlitePath, postgresDSN, schedulesPath, timerInterval)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&sqlitePath, "sqlite", "", "Path to a SQLite database file")
	cmd.Flags().StringVar(&postgresDSN, "postgres", "", "PostgreSQL DSN (falls back to DATABASE_URL)")
	cmd.Flags().StringVar(&schedulesPath, "schedules", "", "Path to a JSON file of recurring schedules")
	cmd.Flags().DurationVar(&timerInterval, "timer-interval", 0, "Durable timer poll interval")

	return cmd
}

func runServe(addr, sqlitePath, postgresDSN, schedulesPath string, timerInterval time.Duration) error {
	logger := telemetry.SetupLogger()
	logger.Info("starting loomd", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if postgresDSN == "" {
		postgresDSN = os.Getenv("DATABASE_URL")
	}

	var store persistence.Store
	switch {
	case sqlitePath != "":
		db, err := sql.Open("sqlite", sqlitePath)
		if err != nil {
			return fmt.Errorf("open sqlite database: %w", err)
		}
		defer db.Close()
		s, err := persistence.NewSQLiteStore(db)
		if err != nil {
			return fmt.Errorf("init sqlite store: %w", err)
		}
		store = s.Bundle()
		logger.Info("using sqlite store", "path", sqlitePath)
	case postgresDSN != "":
		pool, err := persistence.NewPool(ctx, postgresDSN)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()
		s, err := persistence.NewPostgresStore(ctx, pool)
		if err != nil {
			return fmt.Errorf("init postgres store: %w", err)
		}
		store = s.Bundle()
		logger.Info("using postgres store")
	default:
		store = persistence.NewMemoryStore().Bundle()
		logger.Warn("using in-memory store, state will not survive a restart")
	}

	eng := engine.New(engine.Config{
		Store: store,
		Observer: api.NewCompositeObserver(
			api.NewLoggingObserver(logger),
			telemetry.NewMetricsObserver(prometheus.DefaultRegisterer),
		),
		Logger: logger,
	})

	for _, def := range []struct {
		name string
		reg  func() error
	}{
		{"integration", func() error { return eng.Register(workflows.Integration()) }},
		{"sync", func() error { return eng.Register(workflows.Sync()) }},
		{"planning", func() error { return eng.Register(workflows.Planning()) }},
	} {
		if err := def.reg(); err != nil {
			return fmt.Errorf("register %s: %w", def.name, err)
		}
	}

	mux := http.NewServeMux()
	gateway.NewHandler(gateway.Config{
		Engine: eng,
		Logger: logger,
	}).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	timerSvc := timers.New(timers.Config{
		Engine:   eng,
		Timers:   eng.Timers(),
		Logger:   logger,
		Interval: timerInterval,
	})

	var sched *scheduler.Scheduler
	if schedulesPath != "" {
		specs, err := loadSchedules(schedulesPath)
		if err != nil {
			return err
		}
		sched, err = scheduler.New(scheduler.Config{
			Starter:   eng,
			Logger:    logger,
			Schedules: specs,
		})
		if err != nil {
			return err
		}
		logger.Info("scheduler enabled", "schedules", len(specs))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		err := timerSvc.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if sched != nil {
		g.Go(func() error {
			err := sched.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	err := g.Wait()
	logger.Info("stopped")
	return err
}

func loadSchedules(path string) ([]scheduler.Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedules file: %w", err)
	}
	var specs []scheduleSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parse schedules file: %w", err)
	}

	schedules := make([]scheduler.Schedule, 0, len(specs))
	for _, spec := range specs {
		s := scheduler.Schedule{
			Name:         spec.Name,
			WorkflowType: spec.WorkflowType,
			BusinessKey:  spec.BusinessKey,
			TaskQueue:    spec.TaskQueue,
			Input:        spec.Input,
			CronExpr:     spec.CronExpr,
		}
		if spec.Interval != "" {
			d, err := time.ParseDuration(spec.Interval)
			if err != nil {
				return nil, fmt.Errorf("schedule %s: invalid interval %q: %w", spec.Name, spec.Interval, err)
			}
			s.Interval = d
		}
		schedules = append(schedules, s)
	}
	return schedules, nil
}

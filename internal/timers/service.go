// Package timers drives durable deadlines: it polls the timer table
// for due rows, hands them to the engine, and sweeps expired task
// leases. Timers survive restarts because the loop reads persisted
// fire-at values; an overdue timer fires on the next tick.
package timers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomhq/loom/internal/clock"
	"github.com/loomhq/loom/internal/persistence"
	"github.com/loomhq/loom/pkg/api"
)

// Engine is the subset of the orchestration engine the timer service
// drives.
type Engine interface {
	HandleTimer(ctx context.Context, t *api.Timer) error
	SweepLeases(ctx context.Context) (int, error)
}

// Service polls for due timers and expired leases.
type Service struct {
	engine    Engine
	timers    persistence.TimerStore
	clock     clock.Clock
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
}

// Config configures a Service. Engine and Timers are required.
type Config struct {
	Engine Engine
	Timers persistence.TimerStore
	Clock  clock.Clock
	Logger *slog.Logger

	// Interval between polls. Default 500ms.
	Interval time.Duration

	// BatchSize bounds the due timers handled per tick. Default 100.
	BatchSize int
}

// New creates a timer Service from cfg.
func New(cfg Config) *Service {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:    cfg.Engine,
		timers:    cfg.Timers,
		clock:     clk,
		logger:    logger,
		interval:  interval,
		batchSize: batch,
	}
}

// Run polls until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.ErrorContext(ctx, "timer_tick_failed", slog.Any("error", err))
			}
		}
	}
}

// Tick performs one poll: fire due timers, then sweep expired leases.
// One failing timer does not block the rest of the batch.
func (s *Service) Tick(ctx context.Context) error {
	now := s.clock.Now()

	due, err := s.timers.DueTimers(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("list due timers: %w", err)
	}
	for _, t := range due {
		if err := s.engine.HandleTimer(ctx, t); err != nil {
			s.logger.ErrorContext(ctx, "timer_fire_failed",
				slog.String("timer_id", t.ID),
				slog.String("execution_id", t.ExecutionID),
				slog.String("kind", string(t.Kind)),
				slog.Any("error", err),
			)
		}
	}

	expired, err := s.engine.SweepLeases(ctx)
	if err != nil {
		return fmt.Errorf("sweep leases: %w", err)
	}
	if expired > 0 {
		s.logger.WarnContext(ctx, "task_leases_expired", slog.Int("count", expired))
	}
	return nil
}

// Package scheduler starts workflow executions on recurring schedules,
// either cron expressions or fixed intervals. It leans on the engine's
// idempotent start: a schedule firing while its previous execution is
// still RUNNING is skipped, so long-lived loops like continuous sync
// are kept alive rather than duplicated.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomhq/loom/internal/clock"
	"github.com/loomhq/loom/pkg/api"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Starter is the engine surface the scheduler needs.
type Starter interface {
	StartWorkflow(ctx context.Context, opts api.StartOptions) (*api.Execution, error)
}

// Schedule describes one recurring start. Exactly one of CronExpr and
// Interval must be set.
type Schedule struct {
	Name         string
	WorkflowType string
	BusinessKey  string
	TaskQueue    string
	Input        json.RawMessage

	CronExpr string
	Interval time.Duration

	nextDue time.Time
}

// Validate checks the schedule is well formed.
func (s *Schedule) Validate() error {
	if s.WorkflowType == "" {
		return fmt.Errorf("schedule %s: workflow type is required", s.Name)
	}
	if s.BusinessKey == "" {
		return fmt.Errorf("schedule %s: business key is required", s.Name)
	}
	if (s.CronExpr == "") == (s.Interval <= 0) {
		return fmt.Errorf("schedule %s: exactly one of cron expression and interval is required", s.Name)
	}
	if s.CronExpr != "" {
		if _, err := cronParser.Parse(s.CronExpr); err != nil {
			return fmt.Errorf("schedule %s: invalid cron expression %q: %w", s.Name, s.CronExpr, err)
		}
	}
	return nil
}

func (s *Schedule) next(from time.Time) (time.Time, error) {
	if s.CronExpr != "" {
		spec, err := cronParser.Parse(s.CronExpr)
		if err != nil {
			return time.Time{}, err
		}
		return spec.Next(from), nil
	}
	return from.Add(s.Interval), nil
}

// Scheduler ticks over a fixed set of schedules.
type Scheduler struct {
	starter   Starter
	clock     clock.Clock
	logger    *slog.Logger
	interval  time.Duration
	schedules []*Schedule
}

// Config configures a Scheduler.
type Config struct {
	Starter   Starter
	Clock     clock.Clock
	Logger    *slog.Logger
	Schedules []Schedule

	// TickInterval between due checks. Default 1s.
	TickInterval time.Duration
}

// New creates a Scheduler, validating every schedule.
func New(cfg Config) (*Scheduler, error) {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = time.Second
	}

	now := clk.Now()
	schedules := make([]*Schedule, 0, len(cfg.Schedules))
	for i := range cfg.Schedules {
		s := cfg.Schedules[i]
		if err := s.Validate(); err != nil {
			return nil, err
		}
		due, err := s.next(now)
		if err != nil {
			return nil, err
		}
		s.nextDue = due
		schedules = append(schedules, &s)
	}

	return &Scheduler{
		starter:   cfg.Starter,
		clock:     clk,
		logger:    logger,
		interval:  interval,
		schedules: schedules,
	}, nil
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts every due schedule. One schedule's failure does not block
// the others.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock.Now()

	for _, sched := range s.schedules {
		if now.Before(sched.nextDue) {
			continue
		}

		_, err := s.starter.StartWorkflow(ctx, api.StartOptions{
			WorkflowType: sched.WorkflowType,
			BusinessKey:  sched.BusinessKey,
			TaskQueue:    sched.TaskQueue,
			Input:        sched.Input,
		})
		switch {
		case errors.Is(err, api.ErrAlreadyExists):
			// The previous run is still alive; that is the schedule
			// doing its job for long-lived loops.
			s.logger.DebugContext(ctx, "schedule_skipped_running",
				slog.String("schedule", sched.Name),
				slog.String("business_key", sched.BusinessKey),
			)
		case err != nil:
			s.logger.ErrorContext(ctx, "schedule_start_failed",
				slog.String("schedule", sched.Name),
				slog.Any("error", err),
			)
		default:
			s.logger.InfoContext(ctx, "schedule_started_execution",
				slog.String("schedule", sched.Name),
				slog.String("workflow_type", sched.WorkflowType),
				slog.String("business_key", sched.BusinessKey),
			)
		}

		next, nerr := sched.next(now)
		if nerr != nil {
			s.logger.ErrorContext(ctx, "schedule_next_due_failed",
				slog.String("schedule", sched.Name),
				slog.Any("error", nerr),
			)
			continue
		}
		sched.nextDue = next
	}
}

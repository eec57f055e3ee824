package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/clock"
	"github.com/loomhq/loom/pkg/api"
)

var schedEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeStarter struct {
	mu      sync.Mutex
	starts  []api.StartOptions
	running map[string]bool
}

func (f *fakeStarter) StartWorkflow(ctx context.Context, opts api.StartOptions) (*api.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := opts.WorkflowType + "/" + opts.BusinessKey
	if f.running[key] {
		return nil, api.ErrAlreadyExists
	}
	f.starts = append(f.starts, opts)
	return &api.Execution{ID: fmt.Sprintf("e%d", len(f.starts))}, nil
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func TestSchedule_Validate(t *testing.T) {
	base := Schedule{Name: "s", WorkflowType: "sync", BusinessKey: "bk"}

	s := base
	require.Error(t, s.Validate(), "neither cron nor interval")

	s = base
	s.CronExpr = "*/5 * * * *"
	s.Interval = time.Minute
	require.Error(t, s.Validate(), "both cron and interval")

	s = base
	s.CronExpr = "not a cron"
	require.Error(t, s.Validate())

	s = base
	s.Interval = time.Minute
	require.NoError(t, s.Validate())

	s = base
	s.CronExpr = "0 3 * * *"
	require.NoError(t, s.Validate())

	s = base
	s.WorkflowType = ""
	s.Interval = time.Minute
	require.Error(t, s.Validate())
}

func TestScheduler_IntervalFires(t *testing.T) {
	starter := &fakeStarter{}
	clk := clock.NewFake(schedEpoch)

	sched, err := New(Config{
		Starter: starter,
		Clock:   clk,
		Schedules: []Schedule{{
			Name:         "poll",
			WorkflowType: "sync",
			BusinessKey:  "integration-1",
			Interval:     time.Minute,
			Input:        json.RawMessage(`{"cursor":""}`),
		}},
	})
	require.NoError(t, err)

	ctx := context.Background()

	sched.Tick(ctx)
	require.Zero(t, starter.count(), "not due yet")

	clk.Advance(time.Minute)
	sched.Tick(ctx)
	require.Equal(t, 1, starter.count())
	require.Equal(t, "sync", starter.starts[0].WorkflowType)
	require.JSONEq(t, `{"cursor":""}`, string(starter.starts[0].Input))

	// Same tick again: next due was recomputed, nothing fires.
	sched.Tick(ctx)
	require.Equal(t, 1, starter.count())

	clk.Advance(time.Minute)
	sched.Tick(ctx)
	require.Equal(t, 2, starter.count())
}

func TestScheduler_CronFires(t *testing.T) {
	starter := &fakeStarter{}
	clk := clock.NewFake(schedEpoch) // 12:00 UTC

	sched, err := New(Config{
		Starter: starter,
		Clock:   clk,
		Schedules: []Schedule{{
			Name:         "nightly",
			WorkflowType: "planning",
			BusinessKey:  "report",
			CronExpr:     "0 13 * * *", // 13:00 daily
		}},
	})
	require.NoError(t, err)

	ctx := context.Background()

	clk.Advance(30 * time.Minute) // 12:30
	sched.Tick(ctx)
	require.Zero(t, starter.count())

	clk.Advance(31 * time.Minute) // 13:01
	sched.Tick(ctx)
	require.Equal(t, 1, starter.count())
}

// A schedule whose previous execution is still running is skipped, not
// duplicated; the tick moves on to later schedules.
func TestScheduler_SkipsRunningExecution(t *testing.T) {
	starter := &fakeStarter{running: map[string]bool{"sync/busy": true}}
	clk := clock.NewFake(schedEpoch)

	sched, err := New(Config{
		Starter: starter,
		Clock:   clk,
		Schedules: []Schedule{
			{Name: "busy", WorkflowType: "sync", BusinessKey: "busy", Interval: time.Minute},
			{Name: "idle", WorkflowType: "sync", BusinessKey: "idle", Interval: time.Minute},
		},
	})
	require.NoError(t, err)

	clk.Advance(time.Minute)
	sched.Tick(context.Background())

	require.Equal(t, 1, starter.count())
	require.Equal(t, "idle", starter.starts[0].BusinessKey)
}

func TestScheduler_RejectsInvalidSchedule(t *testing.T) {
	_, err := New(Config{
		Starter:   &fakeStarter{},
		Schedules: []Schedule{{Name: "bad", WorkflowType: "sync", BusinessKey: "bk"}},
	})
	require.Error(t, err)
}

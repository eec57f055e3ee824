package timers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/clock"
	"github.com/loomhq/loom/internal/persistence"
	"github.com/loomhq/loom/pkg/api"
)

var svcEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeEngine struct {
	mu       sync.Mutex
	handled  []string
	fireErr  map[string]error
	sweeps   int
	sweepN   int
	sweepErr error
}

func (f *fakeEngine) HandleTimer(ctx context.Context, t *api.Timer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, t.ID)
	return f.fireErr[t.ID]
}

func (f *fakeEngine) SweepLeases(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return f.sweepN, f.sweepErr
}

func newService(t *testing.T, eng *fakeEngine, clk *clock.Fake) (*Service, persistence.TimerStore) {
	t.Helper()
	store := persistence.NewMemoryStore().Bundle()
	return New(Config{
		Engine: eng,
		Timers: store.Timers,
		Clock:  clk,
	}), store.Timers
}

func addTimer(t *testing.T, store persistence.TimerStore, id string, fireAt time.Time) {
	t.Helper()
	require.NoError(t, store.CreateTimer(context.Background(), &api.Timer{
		ID:          id,
		ExecutionID: "e1",
		Kind:        api.TimerKindWorkflow,
		FireAt:      fireAt,
		TimerID:     1,
		CreatedAt:   svcEpoch,
	}))
}

func TestService_Tick_FiresDueTimersOnly(t *testing.T) {
	eng := &fakeEngine{}
	clk := clock.NewFake(svcEpoch)
	svc, store := newService(t, eng, clk)
	ctx := context.Background()

	addTimer(t, store, "tm-due", svcEpoch.Add(-time.Second))
	addTimer(t, store, "tm-future", svcEpoch.Add(time.Hour))

	require.NoError(t, svc.Tick(ctx))
	require.Equal(t, []string{"tm-due"}, eng.handled)
	require.Equal(t, 1, eng.sweeps)

	// The future timer fires once the clock reaches it. Overdue is fine:
	// a timer missed across a restart still fires on the next tick.
	clk.Advance(2 * time.Hour)
	require.NoError(t, svc.Tick(ctx))
	require.Equal(t, []string{"tm-due", "tm-future"}, eng.handled)
}

// HandleTimer deletes timers it consumes. The fake does not, so a fired
// timer would be redelivered; the engine owns that deletion, and this
// test only pins down that one failing timer does not block the batch.
func TestService_Tick_FailedTimerDoesNotBlockBatch(t *testing.T) {
	eng := &fakeEngine{fireErr: map[string]error{"tm-a": errors.New("boom")}}
	clk := clock.NewFake(svcEpoch)
	svc, store := newService(t, eng, clk)

	addTimer(t, store, "tm-a", svcEpoch.Add(-2*time.Second))
	addTimer(t, store, "tm-b", svcEpoch.Add(-time.Second))

	require.NoError(t, svc.Tick(context.Background()))
	require.Equal(t, []string{"tm-a", "tm-b"}, eng.handled, "due timers fire oldest first")
}

func TestService_Tick_SweepErrorSurfaces(t *testing.T) {
	eng := &fakeEngine{sweepErr: errors.New("db gone")}
	clk := clock.NewFake(svcEpoch)
	svc, _ := newService(t, eng, clk)

	err := svc.Tick(context.Background())
	require.ErrorContains(t, err, "sweep leases")
}

func TestService_Run_StopsOnCancel(t *testing.T) {
	eng := &fakeEngine{}
	store := persistence.NewMemoryStore().Bundle()
	svc := New(Config{
		Engine:   eng,
		Timers:   store.Timers,
		Interval: time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := svc.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	eng.mu.Lock()
	defer eng.mu.Unlock()
	require.Greater(t, eng.sweeps, 0, "at least one tick ran before cancellation")
}

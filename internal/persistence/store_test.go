package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/loomhq/loom/pkg/api"
)

var storeEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// forEachStore runs fn once per backend so every implementation honors
// the same contracts.
func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore().Bundle())
	})

	t.Run("sqlite", func(t *testing.T) {
		db, err := sql.Open("sqlite", ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })

		s, err := NewSQLiteStore(db)
		require.NoError(t, err)
		fn(t, s.Bundle())
	})
}

func testExecution(id, businessKey string) *api.Execution {
	return &api.Execution{
		ID:           id,
		WorkflowType: "order",
		BusinessKey:  businessKey,
		TaskQueue:    "default",
		Status:       api.StatusRunning,
		Input:        json.RawMessage(`{"n":1}`),
		StartedAt:    storeEpoch,
	}
}

func TestStore_CreateExecution_UniquePerRunningBusinessKey(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		require.NoError(t, store.Executions.CreateExecution(ctx, testExecution("e1", "bk-1")))

		// Same (type, key) while RUNNING is rejected.
		err := store.Executions.CreateExecution(ctx, testExecution("e2", "bk-1"))
		require.ErrorIs(t, err, api.ErrAlreadyExists)

		// A different key is fine.
		require.NoError(t, store.Executions.CreateExecution(ctx, testExecution("e3", "bk-2")))

		// Closing e1 frees the key for a new execution.
		closed := testExecution("e1", "bk-1")
		closed.Status = api.StatusCompleted
		closed.ClosedAt = storeEpoch.Add(time.Minute)
		require.NoError(t, store.Executions.UpdateExecution(ctx, closed))
		require.NoError(t, store.Executions.CreateExecution(ctx, testExecution("e4", "bk-1")))
	})
}

func TestStore_GetExecution_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		_, err := store.Executions.GetExecution(context.Background(), "nope")
		require.ErrorIs(t, err, api.ErrExecutionNotFound)
	})
}

func TestStore_ListExecutions_Filters(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		a := testExecution("e1", "bk-1")
		b := testExecution("e2", "bk-2")
		b.WorkflowType = "sync"
		c := testExecution("e3", "bk-3")
		c.ParentID = "e1"
		for _, e := range []*api.Execution{a, b, c} {
			require.NoError(t, store.Executions.CreateExecution(ctx, e))
		}

		got, err := store.Executions.ListExecutions(ctx, api.ExecutionFilter{WorkflowType: "sync"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, "e2", got[0].ID)

		got, err = store.Executions.ListExecutions(ctx, api.ExecutionFilter{ParentID: "e1"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, "e3", got[0].ID)

		got, err = store.Executions.ListExecutions(ctx, api.ExecutionFilter{Status: api.StatusRunning})
		require.NoError(t, err)
		require.Len(t, got, 3)
	})
}

func TestStore_AppendEvents_RejectsDuplicateSequence(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		ev := func(seq int64) api.HistoryEvent {
			e, err := api.NewEvent(api.EventSignalReceived, storeEpoch, api.SignalReceivedAttrs{Name: "x"})
			require.NoError(t, err)
			e.ExecutionID = "e1"
			e.SequenceNo = seq
			return e
		}

		require.NoError(t, store.History.AppendEvents(ctx, []api.HistoryEvent{ev(1), ev(2)}))
		require.ErrorIs(t, store.History.AppendEvents(ctx, []api.HistoryEvent{ev(2)}), api.ErrDuplicateEvent)

		// The failed append must not leave partial state behind.
		events, err := store.History.ListEvents(ctx, "e1")
		require.NoError(t, err)
		require.Len(t, events, 2)
		require.Equal(t, int64(1), events[0].SequenceNo)
		require.Equal(t, int64(2), events[1].SequenceNo)
	})
}

func testTask(id string, enqueuedAt time.Time) *api.ActivityTask {
	return &api.ActivityTask{
		ID:           id,
		ExecutionID:  "e1",
		ScheduleID:   1,
		ActivityName: "step",
		Input:        json.RawMessage(`{}`),
		Attempt:      1,
		TaskQueue:    "default",
		RetryPolicy:  api.DefaultRetryPolicy(),
		EnqueuedAt:   enqueuedAt,
	}
}

func TestStore_ClaimTask_ExclusiveAndOldestFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		require.NoError(t, store.Tasks.CreateTask(ctx, testTask("t-new", storeEpoch.Add(time.Second))))
		require.NoError(t, store.Tasks.CreateTask(ctx, testTask("t-old", storeEpoch)))

		claimed, err := store.Tasks.ClaimTask(ctx, "default", "w1", 30*time.Second, storeEpoch.Add(2*time.Second))
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.Equal(t, "t-old", claimed.ID, "oldest task first")
		require.Equal(t, "w1", claimed.LeaseOwner)

		// A second worker gets the remaining task, not the leased one.
		claimed2, err := store.Tasks.ClaimTask(ctx, "default", "w2", 30*time.Second, storeEpoch.Add(2*time.Second))
		require.NoError(t, err)
		require.NotNil(t, claimed2)
		require.Equal(t, "t-new", claimed2.ID)

		// Queue drained.
		claimed3, err := store.Tasks.ClaimTask(ctx, "default", "w3", 30*time.Second, storeEpoch.Add(2*time.Second))
		require.NoError(t, err)
		require.Nil(t, claimed3)
	})
}

func TestStore_ClaimTask_ExpiredLeaseIsReclaimable(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		require.NoError(t, store.Tasks.CreateTask(ctx, testTask("t1", storeEpoch)))

		_, err := store.Tasks.ClaimTask(ctx, "default", "w1", 10*time.Second, storeEpoch)
		require.NoError(t, err)

		// Before expiry nobody else can claim it.
		claimed, err := store.Tasks.ClaimTask(ctx, "default", "w2", 10*time.Second, storeEpoch.Add(5*time.Second))
		require.NoError(t, err)
		require.Nil(t, claimed)

		// After expiry the task is redelivered with Attempt unchanged.
		claimed, err = store.Tasks.ClaimTask(ctx, "default", "w2", 10*time.Second, storeEpoch.Add(11*time.Second))
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.Equal(t, "w2", claimed.LeaseOwner)
		require.Equal(t, 1, claimed.Attempt)
	})
}

func TestStore_HeartbeatTask_LeaseOwnership(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		require.NoError(t, store.Tasks.CreateTask(ctx, testTask("t1", storeEpoch)))
		_, err := store.Tasks.ClaimTask(ctx, "default", "w1", 10*time.Second, storeEpoch)
		require.NoError(t, err)

		require.NoError(t, store.Tasks.HeartbeatTask(ctx, "t1", "w1", 10*time.Second, storeEpoch.Add(5*time.Second)))
		require.ErrorIs(t, store.Tasks.HeartbeatTask(ctx, "t1", "w2", 10*time.Second, storeEpoch.Add(5*time.Second)), api.ErrLeaseLost)
		require.ErrorIs(t, store.Tasks.HeartbeatTask(ctx, "missing", "w1", 10*time.Second, storeEpoch), api.ErrTaskNotFound)
	})
}

func TestStore_ExpireLeases(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		require.NoError(t, store.Tasks.CreateTask(ctx, testTask("t1", storeEpoch)))
		require.NoError(t, store.Tasks.CreateTask(ctx, testTask("t2", storeEpoch)))
		_, err := store.Tasks.ClaimTask(ctx, "default", "w1", 10*time.Second, storeEpoch)
		require.NoError(t, err)
		_, err = store.Tasks.ClaimTask(ctx, "default", "w2", time.Minute, storeEpoch)
		require.NoError(t, err)

		// Only w1's lease has expired.
		n, err := store.Tasks.ExpireLeases(ctx, storeEpoch.Add(30*time.Second))
		require.NoError(t, err)
		require.Equal(t, 1, n)

		claimed, err := store.Tasks.ClaimTask(ctx, "default", "w3", 10*time.Second, storeEpoch.Add(30*time.Second))
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.Equal(t, 1, claimed.Attempt, "redelivery does not count as a retry attempt")
	})
}

func TestStore_Timers(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		mk := func(id string, fireAt time.Time) *api.Timer {
			return &api.Timer{
				ID:          id,
				ExecutionID: "e1",
				Kind:        api.TimerKindWorkflow,
				FireAt:      fireAt,
				TimerID:     1,
				CreatedAt:   storeEpoch,
			}
		}
		require.NoError(t, store.Timers.CreateTimer(ctx, mk("tm-late", storeEpoch.Add(time.Hour))))
		require.NoError(t, store.Timers.CreateTimer(ctx, mk("tm-soon", storeEpoch.Add(time.Minute))))

		due, err := store.Timers.DueTimers(ctx, storeEpoch.Add(30*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		require.Equal(t, "tm-soon", due[0].ID)

		due, err = store.Timers.DueTimers(ctx, storeEpoch.Add(2*time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, due, 2)
		require.Equal(t, "tm-soon", due[0].ID, "soonest first")

		require.NoError(t, store.Timers.DeleteTimer(ctx, "tm-soon"))
		require.NoError(t, store.Timers.DeleteExecutionTimers(ctx, "e1"))

		due, err = store.Timers.DueTimers(ctx, storeEpoch.Add(2*time.Hour), 10)
		require.NoError(t, err)
		require.Empty(t, due)
	})
}

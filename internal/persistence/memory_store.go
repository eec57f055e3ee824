package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loomhq/loom/pkg/api"
)

// MemoryStore is a non-durable Store implementation for tests and the
// local runner. It is safe for concurrent use.
type MemoryStore struct {
	mu         sync.Mutex
	executions map[string]api.Execution
	events     map[string][]api.HistoryEvent
	tasks      map[string]api.ActivityTask
	timers     map[string]api.Timer
}

var (
	_ ExecutionStore = (*MemoryStore)(nil)
	_ HistoryStore   = (*MemoryStore)(nil)
	_ TaskStore      = (*MemoryStore)(nil)
	_ TimerStore     = (*MemoryStore)(nil)
)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]api.Execution),
		events:     make(map[string][]api.HistoryEvent),
		tasks:      make(map[string]api.ActivityTask),
		timers:     make(map[string]api.Timer),
	}
}

// Bundle returns the store wired into a Store value.
func (s *MemoryStore) Bundle() Store {
	return Store{Executions: s, History: s, Tasks: s, Timers: s}
}

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *api.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.executions {
		if e.WorkflowType == exec.WorkflowType && e.BusinessKey == exec.BusinessKey && e.Status == api.StatusRunning {
			return api.ErrAlreadyExists
		}
	}
	s.executions[exec.ID] = *exec
	return nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[exec.ID]; !ok {
		return api.ErrExecutionNotFound
	}
	s.executions[exec.ID] = *exec
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.executions[id]
	if !ok {
		return nil, api.ErrExecutionNotFound
	}
	copied := e
	return &copied, nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*api.Execution
	for _, e := range s.executions {
		if filter.WorkflowType != "" && e.WorkflowType != filter.WorkflowType {
			continue
		}
		if filter.BusinessKey != "" && e.BusinessKey != filter.BusinessKey {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.ParentID != "" && e.ParentID != filter.ParentID {
			continue
		}
		copied := e
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) AppendEvents(ctx context.Context, events []api.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate all sequence numbers first so a partial batch is never
	// written.
	for _, ev := range events {
		for _, existing := range s.events[ev.ExecutionID] {
			if existing.SequenceNo == ev.SequenceNo {
				return api.ErrDuplicateEvent
			}
		}
	}
	for _, ev := range events {
		s.events[ev.ExecutionID] = append(s.events[ev.ExecutionID], ev)
	}
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, executionID string) ([]api.HistoryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.events[executionID]
	out := make([]api.HistoryEvent, len(src))
	copy(out, src)
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNo < out[j].SequenceNo })
	return out, nil
}

func (s *MemoryStore) CreateTask(ctx context.Context, task *api.ActivityTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = *task
	return nil
}

func (s *MemoryStore) ClaimTask(ctx context.Context, taskQueue, workerID string, leaseTTL time.Duration, now time.Time) (*api.ActivityTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidate *api.ActivityTask
	for id := range s.tasks {
		t := s.tasks[id]
		if t.TaskQueue != taskQueue {
			continue
		}
		if t.LeaseOwner != "" && t.LeaseExpiry.After(now) {
			continue
		}
		if candidate == nil || t.EnqueuedAt.Before(candidate.EnqueuedAt) {
			copied := t
			candidate = &copied
		}
	}
	if candidate == nil {
		return nil, nil
	}

	candidate.LeaseOwner = workerID
	candidate.LeaseExpiry = now.Add(leaseTTL)
	s.tasks[candidate.ID] = *candidate

	copied := *candidate
	return &copied, nil
}

func (s *MemoryStore) HeartbeatTask(ctx context.Context, taskID, workerID string, leaseTTL time.Duration, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return api.ErrTaskNotFound
	}
	if t.LeaseOwner != workerID {
		return api.ErrLeaseLost
	}
	t.LeaseExpiry = now.Add(leaseTTL)
	s.tasks[taskID] = t
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, taskID string) (*api.ActivityTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, api.ErrTaskNotFound
	}
	copied := t
	return &copied, nil
}

func (s *MemoryStore) DeleteTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskID)
	return nil
}

func (s *MemoryStore) ExpireLeases(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, t := range s.tasks {
		if t.LeaseOwner != "" && !t.LeaseExpiry.After(now) {
			t.LeaseOwner = ""
			t.LeaseExpiry = time.Time{}
			s.tasks[id] = t
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CreateTimer(ctx context.Context, t *api.Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[t.ID] = *t
	return nil
}

func (s *MemoryStore) DueTimers(ctx context.Context, now time.Time, limit int) ([]*api.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*api.Timer
	for id := range s.timers {
		t := s.timers[id]
		if !t.FireAt.After(now) {
			copied := t
			due = append(due, &copied)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) DeleteTimer(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, id)
	return nil
}

func (s *MemoryStore) DeleteExecutionTimers(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		if t.ExecutionID == executionID {
			delete(s.timers, id)
		}
	}
	return nil
}

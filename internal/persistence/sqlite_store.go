package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loomhq/loom/pkg/api"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ ExecutionStore = (*SQLiteStore)(nil)
	_ HistoryStore   = (*SQLiteStore)(nil)
	_ TaskStore      = (*SQLiteStore)(nil)
	_ TimerStore     = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given database
// and returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Bundle returns the store wired into a Store value.
func (s *SQLiteStore) Bundle() Store {
	return Store{Executions: s, History: s, Tasks: s, Timers: s}
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_type TEXT NOT NULL,
			business_key TEXT NOT NULL,
			task_queue TEXT NOT NULL,
			status TEXT NOT NULL,
			input BLOB,
			result BLOB,
			error TEXT,
			parent_id TEXT,
			close_policy TEXT,
			continued_from TEXT,
			continued_to TEXT,
			started_at INTEGER NOT NULL,
			closed_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_executions_key
			ON executions (workflow_type, business_key, status);

		CREATE TABLE IF NOT EXISTS history_events (
			execution_id TEXT NOT NULL,
			sequence_no INTEGER NOT NULL,
			type TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			attributes BLOB,
			PRIMARY KEY (execution_id, sequence_no)
		);

		CREATE TABLE IF NOT EXISTS activity_tasks (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			schedule_id INTEGER NOT NULL,
			activity_name TEXT NOT NULL,
			input BLOB,
			attempt INTEGER NOT NULL,
			task_queue TEXT NOT NULL,
			retry_policy BLOB,
			start_to_close_ns INTEGER NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expiry INTEGER NOT NULL DEFAULT 0,
			enqueued_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_queue
			ON activity_tasks (task_queue, lease_expiry, enqueued_at);

		CREATE TABLE IF NOT EXISTS timers (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			fire_at INTEGER NOT NULL,
			timer_id INTEGER NOT NULL,
			schedule_id INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_timers_fire_at ON timers (fire_at);
	`)
	return err
}

func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *api.Execution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var n int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM executions
		WHERE workflow_type = ? AND business_key = ? AND status = ?`,
		exec.WorkflowType, exec.BusinessKey, string(api.StatusRunning),
	).Scan(&n)
	if err != nil {
		return err
	}
	if n > 0 {
		return api.ErrAlreadyExists
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions
			(id, workflow_type, business_key, task_queue, status, input, result, error,
			 parent_id, close_policy, continued_from, continued_to, started_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowType, exec.BusinessKey, exec.TaskQueue, string(exec.Status),
		[]byte(exec.Input), []byte(exec.Result), exec.Error,
		exec.ParentID, string(exec.ClosePolicy), exec.ContinuedFrom, exec.ContinuedTo,
		exec.StartedAt.UnixNano(), nanoOrZero(exec.ClosedAt),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, result = ?, error = ?, continued_to = ?, closed_at = ?
		WHERE id = ?`,
		string(exec.Status), []byte(exec.Result), exec.Error, exec.ContinuedTo,
		nanoOrZero(exec.ClosedAt), exec.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrExecutionNotFound
	}
	return nil
}

const executionColumns = `id, workflow_type, business_key, task_queue, status, input, result, error,
	parent_id, close_policy, continued_from, continued_to, started_at, closed_at`

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrExecutionNotFound
	}
	return exec, err
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var args []any
	var clauses []string

	if filter.WorkflowType != "" {
		clauses = append(clauses, "workflow_type = ?")
		args = append(args, filter.WorkflowType)
	}
	if filter.BusinessKey != "" {
		clauses = append(clauses, "business_key = ?")
		args = append(args, filter.BusinessKey)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ParentID != "" {
		clauses = append(clauses, "parent_id = ?")
		args = append(args, filter.ParentID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*api.Execution, error) {
	var (
		exec                    api.Execution
		status, closePolicy     string
		input, result           []byte
		startedNano, closedNano int64
	)
	err := row.Scan(&exec.ID, &exec.WorkflowType, &exec.BusinessKey, &exec.TaskQueue, &status,
		&input, &result, &exec.Error, &exec.ParentID, &closePolicy,
		&exec.ContinuedFrom, &exec.ContinuedTo, &startedNano, &closedNano)
	if err != nil {
		return nil, err
	}
	exec.Status = api.Status(status)
	exec.ClosePolicy = api.ParentClosePolicy(closePolicy)
	exec.Input = rawOrNil(input)
	exec.Result = rawOrNil(result)
	exec.StartedAt = time.Unix(0, startedNano).UTC()
	if closedNano != 0 {
		exec.ClosedAt = time.Unix(0, closedNano).UTC()
	}
	return &exec, nil
}

func (s *SQLiteStore) AppendEvents(ctx context.Context, events []api.HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, ev := range events {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO history_events (execution_id, sequence_no, type, timestamp, attributes)
			VALUES (?, ?, ?, ?, ?)`,
			ev.ExecutionID, ev.SequenceNo, string(ev.Type), ev.Timestamp.UnixNano(), []byte(ev.Attributes),
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint") {
				return api.ErrDuplicateEvent
			}
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListEvents(ctx context.Context, executionID string) ([]api.HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, sequence_no, type, timestamp, attributes
		FROM history_events
		WHERE execution_id = ?
		ORDER BY sequence_no`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.HistoryEvent
	for rows.Next() {
		var (
			ev      api.HistoryEvent
			typeStr string
			tsNano  int64
			attrs   []byte
		)
		if err := rows.Scan(&ev.ExecutionID, &ev.SequenceNo, &typeStr, &tsNano, &attrs); err != nil {
			return nil, err
		}
		ev.Type = api.EventType(typeStr)
		ev.Timestamp = time.Unix(0, tsNano).UTC()
		ev.Attributes = rawOrNil(attrs)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateTask(ctx context.Context, task *api.ActivityTask) error {
	policy, err := json.Marshal(task.RetryPolicy)
	if err != nil {
		return fmt.Errorf("encode retry policy: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activity_tasks
			(id, execution_id, schedule_id, activity_name, input, attempt, task_queue,
			 retry_policy, start_to_close_ns, lease_owner, lease_expiry, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', 0, ?)`,
		task.ID, task.ExecutionID, task.ScheduleID, task.ActivityName, []byte(task.Input),
		task.Attempt, task.TaskQueue, policy, int64(task.StartToCloseTimeout),
		task.EnqueuedAt.UnixNano(),
	)
	return err
}

const taskColumns = `id, execution_id, schedule_id, activity_name, input, attempt, task_queue,
	retry_policy, start_to_close_ns, lease_owner, lease_expiry, enqueued_at`

// ClaimTask leases the oldest claimable task in a single UPDATE so two
// concurrent claimers can never receive the same task.
func (s *SQLiteStore) ClaimTask(ctx context.Context, taskQueue, workerID string, leaseTTL time.Duration, now time.Time) (*api.ActivityTask, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE activity_tasks
		SET lease_owner = ?, lease_expiry = ?
		WHERE id = (
			SELECT id FROM activity_tasks
			WHERE task_queue = ? AND (lease_owner = '' OR lease_expiry <= ?)
			ORDER BY enqueued_at, id
			LIMIT 1
		)
		RETURNING `+taskColumns,
		workerID, now.Add(leaseTTL).UnixNano(), taskQueue, now.UnixNano(),
	)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

func (s *SQLiteStore) HeartbeatTask(ctx context.Context, taskID, workerID string, leaseTTL time.Duration, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE activity_tasks SET lease_expiry = ?
		WHERE id = ? AND lease_owner = ?`,
		now.Add(leaseTTL).UnixNano(), taskID, workerID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.GetTask(ctx, taskID); err != nil {
			return err
		}
		return api.ErrLeaseLost
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*api.ActivityTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM activity_tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrTaskNotFound
	}
	return task, err
}

func scanTask(row rowScanner) (*api.ActivityTask, error) {
	var (
		task                          api.ActivityTask
		input, policy                 []byte
		timeoutNano                   int64
		leaseExpiryNano, enqueuedNano int64
	)
	err := row.Scan(&task.ID, &task.ExecutionID, &task.ScheduleID, &task.ActivityName, &input,
		&task.Attempt, &task.TaskQueue, &policy, &timeoutNano,
		&task.LeaseOwner, &leaseExpiryNano, &enqueuedNano)
	if err != nil {
		return nil, err
	}
	task.Input = rawOrNil(input)
	if len(policy) > 0 {
		if err := json.Unmarshal(policy, &task.RetryPolicy); err != nil {
			return nil, fmt.Errorf("decode retry policy: %w", err)
		}
	}
	task.StartToCloseTimeout = time.Duration(timeoutNano)
	if leaseExpiryNano != 0 {
		task.LeaseExpiry = time.Unix(0, leaseExpiryNano).UTC()
	}
	task.EnqueuedAt = time.Unix(0, enqueuedNano).UTC()
	return &task, nil
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM activity_tasks WHERE id = ?`, taskID)
	return err
}

func (s *SQLiteStore) ExpireLeases(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE activity_tasks SET lease_owner = '', lease_expiry = 0
		WHERE lease_owner != '' AND lease_expiry <= ?`,
		now.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (s *SQLiteStore) CreateTimer(ctx context.Context, t *api.Timer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO timers (id, execution_id, kind, fire_at, timer_id, schedule_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ExecutionID, string(t.Kind), t.FireAt.UnixNano(), t.TimerID, t.ScheduleID,
		t.CreatedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) DueTimers(ctx context.Context, now time.Time, limit int) ([]*api.Timer, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, kind, fire_at, timer_id, schedule_id, created_at
		FROM timers
		WHERE fire_at <= ?
		ORDER BY fire_at
		LIMIT ?`, now.UnixNano(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Timer
	for rows.Next() {
		var (
			t                       api.Timer
			kind                    string
			fireAtNano, createdNano int64
		)
		if err := rows.Scan(&t.ID, &t.ExecutionID, &kind, &fireAtNano, &t.TimerID, &t.ScheduleID, &createdNano); err != nil {
			return nil, err
		}
		t.Kind = api.TimerKind(kind)
		t.FireAt = time.Unix(0, fireAtNano).UTC()
		t.CreatedAt = time.Unix(0, createdNano).UTC()
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteTimer(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM timers WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) DeleteExecutionTimers(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM timers WHERE execution_id = ?`, executionID)
	return err
}

func nanoOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

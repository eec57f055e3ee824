package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomhq/loom/pkg/api"
)

// PostgresStore is a Store backed by PostgreSQL via pgxpool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var (
	_ ExecutionStore = (*PostgresStore)(nil)
	_ HistoryStore   = (*PostgresStore)(nil)
	_ TaskStore      = (*PostgresStore)(nil)
	_ TimerStore     = (*PostgresStore)(nil)
)

// NewPostgresStore initializes the required schema and returns a new
// PostgresStore.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Bundle returns the store wired into a Store value.
func (s *PostgresStore) Bundle() Store {
	return Store{Executions: s, History: s, Tasks: s, Timers: s}
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_type TEXT NOT NULL,
			business_key TEXT NOT NULL,
			task_queue TEXT NOT NULL,
			status TEXT NOT NULL,
			input JSONB,
			result JSONB,
			error TEXT NOT NULL DEFAULT '',
			parent_id TEXT NOT NULL DEFAULT '',
			close_policy TEXT NOT NULL DEFAULT '',
			continued_from TEXT NOT NULL DEFAULT '',
			continued_to TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_running_key
			ON executions (workflow_type, business_key)
			WHERE status = 'RUNNING';

		CREATE TABLE IF NOT EXISTS history_events (
			execution_id TEXT NOT NULL,
			sequence_no BIGINT NOT NULL,
			type TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			attributes JSONB,
			PRIMARY KEY (execution_id, sequence_no)
		);

		CREATE TABLE IF NOT EXISTS activity_tasks (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			schedule_id BIGINT NOT NULL,
			activity_name TEXT NOT NULL,
			input JSONB,
			attempt INT NOT NULL,
			task_queue TEXT NOT NULL,
			retry_policy JSONB,
			start_to_close_ns BIGINT NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expiry TIMESTAMPTZ,
			enqueued_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_queue
			ON activity_tasks (task_queue, enqueued_at);

		CREATE TABLE IF NOT EXISTS timers (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			fire_at TIMESTAMPTZ NOT NULL,
			timer_id BIGINT NOT NULL,
			schedule_id BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_timers_fire_at ON timers (fire_at);
	`)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *api.Execution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions
			(id, workflow_type, business_key, task_queue, status, input, result, error,
			 parent_id, close_policy, continued_from, continued_to, started_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		exec.ID, exec.WorkflowType, exec.BusinessKey, exec.TaskQueue, string(exec.Status),
		[]byte(exec.Input), []byte(exec.Result), exec.Error,
		exec.ParentID, string(exec.ClosePolicy), exec.ContinuedFrom, exec.ContinuedTo,
		exec.StartedAt, nullTime(exec.ClosedAt),
	)
	if isUniqueViolation(err) {
		// The partial unique index on (workflow_type, business_key)
		// WHERE status = 'RUNNING' enforces idempotent start.
		return api.ErrAlreadyExists
	}
	return err
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions
		SET status = $1, result = $2, error = $3, continued_to = $4, closed_at = $5
		WHERE id = $6`,
		string(exec.Status), []byte(exec.Result), exec.Error, exec.ContinuedTo,
		nullTime(exec.ClosedAt), exec.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return api.ErrExecutionNotFound
	}
	return nil
}

const pgExecutionColumns = `id, workflow_type, business_key, task_queue, status, input, result, error,
	parent_id, close_policy, continued_from, continued_to, started_at, closed_at`

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgExecutionColumns+` FROM executions WHERE id = $1`, id)
	exec, err := scanPgExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, api.ErrExecutionNotFound
	}
	return exec, err
}

func (s *PostgresStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error) {
	query := `SELECT ` + pgExecutionColumns + ` FROM executions`
	var args []any
	var clauses []string

	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.WorkflowType != "" {
		add("workflow_type = $%d", filter.WorkflowType)
	}
	if filter.BusinessKey != "" {
		add("business_key = $%d", filter.BusinessKey)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.ParentID != "" {
		add("parent_id = $%d", filter.ParentID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Execution
	for rows.Next() {
		exec, err := scanPgExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func scanPgExecution(row pgx.Row) (*api.Execution, error) {
	var (
		exec                api.Execution
		status, closePolicy string
		input, result       []byte
		closedAt            *time.Time
	)
	err := row.Scan(&exec.ID, &exec.WorkflowType, &exec.BusinessKey, &exec.TaskQueue, &status,
		&input, &result, &exec.Error, &exec.ParentID, &closePolicy,
		&exec.ContinuedFrom, &exec.ContinuedTo, &exec.StartedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	exec.Status = api.Status(status)
	exec.ClosePolicy = api.ParentClosePolicy(closePolicy)
	exec.Input = rawOrNil(input)
	exec.Result = rawOrNil(result)
	if closedAt != nil {
		exec.ClosedAt = closedAt.UTC()
	}
	return &exec, nil
}

func (s *PostgresStore) AppendEvents(ctx context.Context, events []api.HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, ev := range events {
		_, err := tx.Exec(ctx, `
			INSERT INTO history_events (execution_id, sequence_no, type, timestamp, attributes)
			VALUES ($1, $2, $3, $4, $5)`,
			ev.ExecutionID, ev.SequenceNo, string(ev.Type), ev.Timestamp, []byte(ev.Attributes),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return api.ErrDuplicateEvent
			}
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListEvents(ctx context.Context, executionID string) ([]api.HistoryEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT execution_id, sequence_no, type, timestamp, attributes
		FROM history_events
		WHERE execution_id = $1
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
			attrs   []byte
		)
		if err := rows.Scan(&ev.ExecutionID, &ev.SequenceNo, &typeStr, &ev.Timestamp, &attrs); err != nil {
			return nil, err
		}
		ev.Type = api.EventType(typeStr)
		ev.Attributes = rawOrNil(attrs)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateTask(ctx context.Context, task *api.ActivityTask) error {
	policy, err := json.Marshal(task.RetryPolicy)
	if err != nil {
		return fmt.Errorf("encode retry policy: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO activity_tasks
			(id, execution_id, schedule_id, activity_name, input, attempt, task_queue,
			 retry_policy, start_to_close_ns, lease_owner, lease_expiry, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '', NULL, $10)`,
		task.ID, task.ExecutionID, task.ScheduleID, task.ActivityName, []byte(task.Input),
		task.Attempt, task.TaskQueue, policy, int64(task.StartToCloseTimeout), task.EnqueuedAt,
	)
	return err
}

const pgTaskColumns = `id, execution_id, schedule_id, activity_name, input, attempt, task_queue,
	retry_policy, start_to_close_ns, lease_owner, lease_expiry, enqueued_at`

// ClaimTask uses FOR UPDATE SKIP LOCKED so concurrent claimers never
// receive the same task.
func (s *PostgresStore) ClaimTask(ctx context.Context, taskQueue, workerID string, leaseTTL time.Duration, now time.Time) (*api.ActivityTask, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE activity_tasks
		SET lease_owner = $1, lease_expiry = $2
		WHERE id = (
			SELECT id FROM activity_tasks
			WHERE task_queue = $3 AND (lease_owner = '' OR lease_expiry <= $4)
			ORDER BY enqueued_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+pgTaskColumns,
		workerID, now.Add(leaseTTL), taskQueue, now,
	)
	task, err := scanPgTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

func (s *PostgresStore) HeartbeatTask(ctx context.Context, taskID, workerID string, leaseTTL time.Duration, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE activity_tasks SET lease_expiry = $1
		WHERE id = $2 AND lease_owner = $3`,
		now.Add(leaseTTL), taskID, workerID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetTask(ctx, taskID); err != nil {
			return err
		}
		return api.ErrLeaseLost
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*api.ActivityTask, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgTaskColumns+` FROM activity_tasks WHERE id = $1`, taskID)
	task, err := scanPgTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, api.ErrTaskNotFound
	}
	return task, err
}

func scanPgTask(row pgx.Row) (*api.ActivityTask, error) {
	var (
		task          api.ActivityTask
		input, policy []byte
		timeoutNano   int64
		leaseExpiry   *time.Time
	)
	err := row.Scan(&task.ID, &task.ExecutionID, &task.ScheduleID, &task.ActivityName, &input,
		&task.Attempt, &task.TaskQueue, &policy, &timeoutNano,
		&task.LeaseOwner, &leaseExpiry, &task.EnqueuedAt)
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
	if leaseExpiry != nil {
		task.LeaseExpiry = leaseExpiry.UTC()
	}
	return &task, nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM activity_tasks WHERE id = $1`, taskID)
	return err
}

func (s *PostgresStore) ExpireLeases(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE activity_tasks SET lease_owner = '', lease_expiry = NULL
		WHERE lease_owner != '' AND lease_expiry <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CreateTimer(ctx context.Context, t *api.Timer) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO timers (id, execution_id, kind, fire_at, timer_id, schedule_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.ExecutionID, string(t.Kind), t.FireAt, t.TimerID, t.ScheduleID, t.CreatedAt,
	)
	return err
}

func (s *PostgresStore) DueTimers(ctx context.Context, now time.Time, limit int) ([]*api.Timer, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, execution_id, kind, fire_at, timer_id, schedule_id, created_at
		FROM timers
		WHERE fire_at <= $1
		ORDER BY fire_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Timer
	for rows.Next() {
		var (
			t    api.Timer
			kind string
		)
		if err := rows.Scan(&t.ID, &t.ExecutionID, &kind, &t.FireAt, &t.TimerID, &t.ScheduleID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Kind = api.TimerKind(kind)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteTimer(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM timers WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) DeleteExecutionTimers(ctx context.Context, executionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM timers WHERE execution_id = $1`, executionID)
	return err
}

// NewPool opens a pgx pool from dsn with sensible defaults, mirroring
// how the server binary connects.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

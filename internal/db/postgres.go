package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mwebazejunior/airflow/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS dag (
	dag_id TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	schedule TEXT NOT NULL DEFAULT '',
	is_paused BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS task (
	dag_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	label TEXT NOT NULL DEFAULT '',
	operator TEXT NOT NULL DEFAULT '',
	is_group BOOLEAN NOT NULL DEFAULT FALSE,
	position INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (dag_id, task_id)
);

CREATE TABLE IF NOT EXISTS dag_run (
	dag_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT 'queued',
	run_type TEXT NOT NULL DEFAULT 'manual',
	queued_at TIMESTAMPTZ,
	start_date TIMESTAMPTZ,
	end_date TIMESTAMPTZ,
	data_interval_start TIMESTAMPTZ,
	data_interval_end TIMESTAMPTZ,
	PRIMARY KEY (dag_id, run_id)
);

CREATE TABLE IF NOT EXISTS task_instance (
	dag_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT 'none',
	try_number INTEGER NOT NULL DEFAULT 0,
	queued_dttm TIMESTAMPTZ,
	start_date TIMESTAMPTZ,
	end_date TIMESTAMPTZ,
	PRIMARY KEY (dag_id, task_id, run_id)
);

CREATE TABLE IF NOT EXISTS task_fail (
	id BIGSERIAL PRIMARY KEY,
	dag_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	start_date TIMESTAMPTZ,
	end_date TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_task_fail_lookup ON task_fail (dag_id, task_id, run_id);
CREATE INDEX IF NOT EXISTS idx_dag_run_recency ON dag_run (dag_id, start_date DESC);
CREATE INDEX IF NOT EXISTS idx_task_instance_run ON task_instance (dag_id, run_id);
`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Dags(ctx context.Context) ([]models.Dag, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT dag_id, description, schedule, is_paused
		FROM dag
		ORDER BY dag_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list dags: %w", err)
	}
	defer rows.Close()

	var dags []models.Dag
	for rows.Next() {
		var d models.Dag
		if err := rows.Scan(&d.DagID, &d.Description, &d.Schedule, &d.IsPaused); err != nil {
			return nil, fmt.Errorf("scan dag: %w", err)
		}
		dags = append(dags, d)
	}
	return dags, rows.Err()
}

func (s *PostgresStore) Dag(ctx context.Context, dagID string) (*models.Dag, error) {
	var d models.Dag
	err := s.pool.QueryRow(ctx, `
		SELECT dag_id, description, schedule, is_paused
		FROM dag
		WHERE dag_id = $1
	`, dagID).Scan(&d.DagID, &d.Description, &d.Schedule, &d.IsPaused)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get dag: %w", err)
	}
	return &d, nil
}

func (s *PostgresStore) UpsertDag(ctx context.Context, d models.Dag) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dag (dag_id, description, schedule, is_paused)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (dag_id) DO UPDATE
		SET description = EXCLUDED.description,
		    schedule = EXCLUDED.schedule,
		    is_paused = EXCLUDED.is_paused
	`, d.DagID, d.Description, d.Schedule, d.IsPaused)
	if err != nil {
		return fmt.Errorf("upsert dag: %w", err)
	}
	return nil
}

func (s *PostgresStore) Tasks(ctx context.Context, dagID string) ([]*models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT dag_id, task_id, parent_id, label, operator, is_group, position
		FROM task
		WHERE dag_id = $1
		ORDER BY position, task_id
	`, dagID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		var t models.Task
		if err := rows.Scan(&t.DagID, &t.TaskID, &t.ParentID, &t.Label, &t.Operator, &t.IsGroup, &t.Position); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) UpsertTask(ctx context.Context, t models.Task) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task (dag_id, task_id, parent_id, label, operator, is_group, position)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (dag_id, task_id) DO UPDATE
		SET parent_id = EXCLUDED.parent_id,
		    label = EXCLUDED.label,
		    operator = EXCLUDED.operator,
		    is_group = EXCLUDED.is_group,
		    position = EXCLUDED.position
	`, t.DagID, t.TaskID, t.ParentID, t.Label, t.Operator, t.IsGroup, t.Position)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) DagRuns(ctx context.Context, dagID string, limit int) ([]models.DagRun, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.pool.Query(ctx, `
		SELECT dag_id, run_id, state, run_type, queued_at, start_date, end_date,
		       data_interval_start, data_interval_end
		FROM dag_run
		WHERE dag_id = $1
		ORDER BY COALESCE(start_date, queued_at) DESC NULLS LAST, run_id DESC
		LIMIT $2
	`, dagID, limit)
	if err != nil {
		return nil, fmt.Errorf("list dag runs: %w", err)
	}
	defer rows.Close()

	var runs []models.DagRun
	for rows.Next() {
		var r models.DagRun
		if err := rows.Scan(&r.DagID, &r.RunID, &r.State, &r.RunType, &r.QueuedAt, &r.StartDate,
			&r.EndDate, &r.DataIntervalStart, &r.DataIntervalEnd); err != nil {
			return nil, fmt.Errorf("scan dag run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) DagRun(ctx context.Context, dagID, runID string) (*models.DagRun, error) {
	var r models.DagRun
	err := s.pool.QueryRow(ctx, `
		SELECT dag_id, run_id, state, run_type, queued_at, start_date, end_date,
		       data_interval_start, data_interval_end
		FROM dag_run
		WHERE dag_id = $1 AND run_id = $2
	`, dagID, runID).Scan(&r.DagID, &r.RunID, &r.State, &r.RunType, &r.QueuedAt, &r.StartDate,
		&r.EndDate, &r.DataIntervalStart, &r.DataIntervalEnd)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get dag run: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) UpsertDagRun(ctx context.Context, r models.DagRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dag_run (dag_id, run_id, state, run_type, queued_at, start_date, end_date,
		                     data_interval_start, data_interval_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (dag_id, run_id) DO UPDATE
		SET state = EXCLUDED.state,
		    run_type = EXCLUDED.run_type,
		    queued_at = EXCLUDED.queued_at,
		    start_date = EXCLUDED.start_date,
		    end_date = EXCLUDED.end_date,
		    data_interval_start = EXCLUDED.data_interval_start,
		    data_interval_end = EXCLUDED.data_interval_end
	`, r.DagID, r.RunID, r.State, r.RunType, r.QueuedAt, r.StartDate, r.EndDate,
		r.DataIntervalStart, r.DataIntervalEnd)
	if err != nil {
		return fmt.Errorf("upsert dag run: %w", err)
	}
	return nil
}

func (s *PostgresStore) TaskInstances(ctx context.Context, dagID, runID string) ([]models.TaskInstance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT dag_id, task_id, run_id, state, try_number, queued_dttm, start_date, end_date
		FROM task_instance
		WHERE dag_id = $1 AND run_id = $2
		ORDER BY task_id
	`, dagID, runID)
	if err != nil {
		return nil, fmt.Errorf("list task instances: %w", err)
	}
	defer rows.Close()

	var instances []models.TaskInstance
	for rows.Next() {
		var ti models.TaskInstance
		if err := rows.Scan(&ti.DagID, &ti.TaskID, &ti.RunID, &ti.State, &ti.TryNumber,
			&ti.QueuedDttm, &ti.StartDate, &ti.EndDate); err != nil {
			return nil, fmt.Errorf("scan task instance: %w", err)
		}
		instances = append(instances, ti)
	}
	return instances, rows.Err()
}

func (s *PostgresStore) UpsertTaskInstance(ctx context.Context, ti models.TaskInstance) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_instance (dag_id, task_id, run_id, state, try_number, queued_dttm, start_date, end_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (dag_id, task_id, run_id) DO UPDATE
		SET state = EXCLUDED.state,
		    try_number = EXCLUDED.try_number,
		    queued_dttm = EXCLUDED.queued_dttm,
		    start_date = EXCLUDED.start_date,
		    end_date = EXCLUDED.end_date
	`, ti.DagID, ti.TaskID, ti.RunID, ti.State, ti.TryNumber, ti.QueuedDttm, ti.StartDate, ti.EndDate)
	if err != nil {
		return fmt.Errorf("upsert task instance: %w", err)
	}
	return nil
}

func (s *PostgresStore) TaskFails(ctx context.Context, dagID, taskID, runID string) ([]models.TaskFail, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT dag_id, task_id, run_id, start_date, end_date
		FROM task_fail
		WHERE dag_id = $1 AND task_id = $2 AND run_id = $3
		ORDER BY start_date NULLS LAST, id
	`, dagID, taskID, runID)
	if err != nil {
		return nil, fmt.Errorf("list task fails: %w", err)
	}
	defer rows.Close()

	var fails []models.TaskFail
	for rows.Next() {
		var tf models.TaskFail
		if err := rows.Scan(&tf.DagID, &tf.TaskID, &tf.RunID, &tf.StartDate, &tf.EndDate); err != nil {
			return nil, fmt.Errorf("scan task fail: %w", err)
		}
		fails = append(fails, tf)
	}
	return fails, rows.Err()
}

func (s *PostgresStore) InsertTaskFail(ctx context.Context, tf models.TaskFail) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_fail (dag_id, task_id, run_id, start_date, end_date)
		VALUES ($1, $2, $3, $4, $5)
	`, tf.DagID, tf.TaskID, tf.RunID, tf.StartDate, tf.EndDate)
	if err != nil {
		return fmt.Errorf("insert task fail: %w", err)
	}
	return nil
}

func (s *PostgresStore) StateCounts(ctx context.Context) (map[models.TaskState]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT state, COUNT(*)
		FROM task_instance
		GROUP BY state
	`)
	if err != nil {
		return nil, fmt.Errorf("count states: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskState]int)
	for rows.Next() {
		var state models.TaskState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// PruneBefore deletes runs that finished before cutoff, along with
// their instances and failure history. Unfinished runs are kept.
func (s *PostgresStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var total int64
	statements := []string{
		`DELETE FROM task_fail WHERE (dag_id, run_id) IN (
			SELECT dag_id, run_id FROM dag_run WHERE end_date IS NOT NULL AND end_date < $1)`,
		`DELETE FROM task_instance WHERE (dag_id, run_id) IN (
			SELECT dag_id, run_id FROM dag_run WHERE end_date IS NOT NULL AND end_date < $1)`,
		`DELETE FROM dag_run WHERE end_date IS NOT NULL AND end_date < $1`,
	}
	for _, stmt := range statements {
		tag, err := tx.Exec(ctx, stmt, cutoff)
		if err != nil {
			return 0, fmt.Errorf("prune: %w", err)
		}
		total += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return total, nil
}

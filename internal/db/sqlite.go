package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mwebazejunior/airflow/internal/models"
)

// sqliteTimeLayout is fixed width so TEXT comparison orders
// chronologically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS dag (
		dag_id TEXT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT '',
		schedule TEXT NOT NULL DEFAULT '',
		is_paused INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS task (
		dag_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		parent_id TEXT NOT NULL DEFAULT '',
		label TEXT NOT NULL DEFAULT '',
		operator TEXT NOT NULL DEFAULT '',
		is_group INTEGER NOT NULL DEFAULT 0,
		position INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (dag_id, task_id)
	)`,
	`CREATE TABLE IF NOT EXISTS dag_run (
		dag_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'queued',
		run_type TEXT NOT NULL DEFAULT 'manual',
		queued_at TEXT,
		start_date TEXT,
		end_date TEXT,
		data_interval_start TEXT,
		data_interval_end TEXT,
		PRIMARY KEY (dag_id, run_id)
	)`,
	`CREATE TABLE IF NOT EXISTS task_instance (
		dag_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'none',
		try_number INTEGER NOT NULL DEFAULT 0,
		queued_dttm TEXT,
		start_date TEXT,
		end_date TEXT,
		PRIMARY KEY (dag_id, task_id, run_id)
	)`,
	`CREATE TABLE IF NOT EXISTS task_fail (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		dag_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		start_date TEXT,
		end_date TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_fail_lookup ON task_fail (dag_id, task_id, run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_dag_run_recency ON dag_run (dag_id, start_date DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_task_instance_run ON task_instance (dag_id, run_id)`,
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer connection keeps SQLITE_BUSY out of the picture and
	// makes :memory: databases behave.
	sqldb.SetMaxOpenConns(1)
	if _, err := sqldb.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := sqldb.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return &SQLiteStore{db: sqldb}, nil
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Dags(ctx context.Context) ([]models.Dag, error) {
	rows, err := s.db.QueryContext(ctx, `
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
		var paused int
		if err := rows.Scan(&d.DagID, &d.Description, &d.Schedule, &paused); err != nil {
			return nil, fmt.Errorf("scan dag: %w", err)
		}
		d.IsPaused = paused != 0
		dags = append(dags, d)
	}
	return dags, rows.Err()
}

func (s *SQLiteStore) Dag(ctx context.Context, dagID string) (*models.Dag, error) {
	var d models.Dag
	var paused int
	err := s.db.QueryRowContext(ctx, `
		SELECT dag_id, description, schedule, is_paused
		FROM dag
		WHERE dag_id = ?
	`, dagID).Scan(&d.DagID, &d.Description, &d.Schedule, &paused)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get dag: %w", err)
	}
	d.IsPaused = paused != 0
	return &d, nil
}

func (s *SQLiteStore) UpsertDag(ctx context.Context, d models.Dag) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dag (dag_id, description, schedule, is_paused)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(dag_id) DO UPDATE
		SET description = excluded.description,
		    schedule = excluded.schedule,
		    is_paused = excluded.is_paused
	`, d.DagID, d.Description, d.Schedule, boolToInt(d.IsPaused))
	if err != nil {
		return fmt.Errorf("upsert dag: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Tasks(ctx context.Context, dagID string) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dag_id, task_id, parent_id, label, operator, is_group, position
		FROM task
		WHERE dag_id = ?
		ORDER BY position, task_id
	`, dagID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		var t models.Task
		var isGroup int
		if err := rows.Scan(&t.DagID, &t.TaskID, &t.ParentID, &t.Label, &t.Operator, &isGroup, &t.Position); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.IsGroup = isGroup != 0
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) UpsertTask(ctx context.Context, t models.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task (dag_id, task_id, parent_id, label, operator, is_group, position)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dag_id, task_id) DO UPDATE
		SET parent_id = excluded.parent_id,
		    label = excluded.label,
		    operator = excluded.operator,
		    is_group = excluded.is_group,
		    position = excluded.position
	`, t.DagID, t.TaskID, t.ParentID, t.Label, t.Operator, boolToInt(t.IsGroup), t.Position)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DagRuns(ctx context.Context, dagID string, limit int) ([]models.DagRun, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT dag_id, run_id, state, run_type, queued_at, start_date, end_date,
		       data_interval_start, data_interval_end
		FROM dag_run
		WHERE dag_id = ?
		ORDER BY COALESCE(start_date, queued_at) DESC, run_id DESC
		LIMIT ?
	`, dagID, limit)
	if err != nil {
		return nil, fmt.Errorf("list dag runs: %w", err)
	}
	defer rows.Close()

	var runs []models.DagRun
	for rows.Next() {
		r, err := scanDagRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) DagRun(ctx context.Context, dagID, runID string) (*models.DagRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dag_id, run_id, state, run_type, queued_at, start_date, end_date,
		       data_interval_start, data_interval_end
		FROM dag_run
		WHERE dag_id = ? AND run_id = ?
	`, dagID, runID)
	if err != nil {
		return nil, fmt.Errorf("get dag run: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("get dag run: %w", err)
		}
		return nil, ErrNotFound
	}
	return scanDagRun(rows)
}

func (s *SQLiteStore) UpsertDagRun(ctx context.Context, r models.DagRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dag_run (dag_id, run_id, state, run_type, queued_at, start_date, end_date,
		                     data_interval_start, data_interval_end)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dag_id, run_id) DO UPDATE
		SET state = excluded.state,
		    run_type = excluded.run_type,
		    queued_at = excluded.queued_at,
		    start_date = excluded.start_date,
		    end_date = excluded.end_date,
		    data_interval_start = excluded.data_interval_start,
		    data_interval_end = excluded.data_interval_end
	`, r.DagID, r.RunID, string(r.State), r.RunType, bindTime(r.QueuedAt), bindTime(r.StartDate),
		bindTime(r.EndDate), bindTime(r.DataIntervalStart), bindTime(r.DataIntervalEnd))
	if err != nil {
		return fmt.Errorf("upsert dag run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TaskInstances(ctx context.Context, dagID, runID string) ([]models.TaskInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dag_id, task_id, run_id, state, try_number, queued_dttm, start_date, end_date
		FROM task_instance
		WHERE dag_id = ? AND run_id = ?
		ORDER BY task_id
	`, dagID, runID)
	if err != nil {
		return nil, fmt.Errorf("list task instances: %w", err)
	}
	defer rows.Close()

	var instances []models.TaskInstance
	for rows.Next() {
		var ti models.TaskInstance
		var queued, start, end sql.NullString
		if err := rows.Scan(&ti.DagID, &ti.TaskID, &ti.RunID, &ti.State, &ti.TryNumber,
			&queued, &start, &end); err != nil {
			return nil, fmt.Errorf("scan task instance: %w", err)
		}
		if ti.QueuedDttm, err = scanTime(queued); err != nil {
			return nil, err
		}
		if ti.StartDate, err = scanTime(start); err != nil {
			return nil, err
		}
		if ti.EndDate, err = scanTime(end); err != nil {
			return nil, err
		}
		instances = append(instances, ti)
	}
	return instances, rows.Err()
}

func (s *SQLiteStore) UpsertTaskInstance(ctx context.Context, ti models.TaskInstance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_instance (dag_id, task_id, run_id, state, try_number, queued_dttm, start_date, end_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dag_id, task_id, run_id) DO UPDATE
		SET state = excluded.state,
		    try_number = excluded.try_number,
		    queued_dttm = excluded.queued_dttm,
		    start_date = excluded.start_date,
		    end_date = excluded.end_date
	`, ti.DagID, ti.TaskID, ti.RunID, string(ti.State), ti.TryNumber,
		bindTime(ti.QueuedDttm), bindTime(ti.StartDate), bindTime(ti.EndDate))
	if err != nil {
		return fmt.Errorf("upsert task instance: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TaskFails(ctx context.Context, dagID, taskID, runID string) ([]models.TaskFail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dag_id, task_id, run_id, start_date, end_date
		FROM task_fail
		WHERE dag_id = ? AND task_id = ? AND run_id = ?
		ORDER BY start_date IS NULL, start_date, id
	`, dagID, taskID, runID)
	if err != nil {
		return nil, fmt.Errorf("list task fails: %w", err)
	}
	defer rows.Close()

	var fails []models.TaskFail
	for rows.Next() {
		var tf models.TaskFail
		var start, end sql.NullString
		if err := rows.Scan(&tf.DagID, &tf.TaskID, &tf.RunID, &start, &end); err != nil {
			return nil, fmt.Errorf("scan task fail: %w", err)
		}
		if tf.StartDate, err = scanTime(start); err != nil {
			return nil, err
		}
		if tf.EndDate, err = scanTime(end); err != nil {
			return nil, err
		}
		fails = append(fails, tf)
	}
	return fails, rows.Err()
}

func (s *SQLiteStore) InsertTaskFail(ctx context.Context, tf models.TaskFail) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_fail (dag_id, task_id, run_id, start_date, end_date)
		VALUES (?, ?, ?, ?, ?)
	`, tf.DagID, tf.TaskID, tf.RunID, bindTime(tf.StartDate), bindTime(tf.EndDate))
	if err != nil {
		return fmt.Errorf("insert task fail: %w", err)
	}
	return nil
}

func (s *SQLiteStore) StateCounts(ctx context.Context) (map[models.TaskState]int, error) {
	rows, err := s.db.QueryContext(ctx, `
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

func (s *SQLiteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	bound := bindTime(&cutoff)
	var total int64
	statements := []string{
		`DELETE FROM task_fail WHERE (dag_id, run_id) IN (
			SELECT dag_id, run_id FROM dag_run WHERE end_date IS NOT NULL AND end_date < ?)`,
		`DELETE FROM task_instance WHERE (dag_id, run_id) IN (
			SELECT dag_id, run_id FROM dag_run WHERE end_date IS NOT NULL AND end_date < ?)`,
		`DELETE FROM dag_run WHERE end_date IS NOT NULL AND end_date < ?`,
	}
	for _, stmt := range statements {
		res, err := tx.ExecContext(ctx, stmt, bound)
		if err != nil {
			return 0, fmt.Errorf("prune: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("prune: %w", err)
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

func scanDagRun(rows *sql.Rows) (*models.DagRun, error) {
	var r models.DagRun
	var queued, start, end, dataStart, dataEnd sql.NullString
	if err := rows.Scan(&r.DagID, &r.RunID, &r.State, &r.RunType,
		&queued, &start, &end, &dataStart, &dataEnd); err != nil {
		return nil, fmt.Errorf("scan dag run: %w", err)
	}
	var err error
	if r.QueuedAt, err = scanTime(queued); err != nil {
		return nil, err
	}
	if r.StartDate, err = scanTime(start); err != nil {
		return nil, err
	}
	if r.EndDate, err = scanTime(end); err != nil {
		return nil, err
	}
	if r.DataIntervalStart, err = scanTime(dataStart); err != nil {
		return nil, err
	}
	if r.DataIntervalEnd, err = scanTime(dataEnd); err != nil {
		return nil, err
	}
	return &r, nil
}

func bindTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(sqliteTimeLayout)
}

func scanTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(sqliteTimeLayout, v.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", v.String, err)
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

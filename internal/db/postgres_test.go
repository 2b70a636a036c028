package db

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/mwebazejunior/airflow/internal/models"
)

func TestPostgresIntegration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" || !strings.HasPrefix(dsn, "postgres") {
		t.Skip("DATABASE_URL not set to a postgres DSN, skipping integration test")
	}

	ctx := context.Background()
	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to connect to DB: %v", err)
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("failed to ensure schema: %v", err)
	}

	// Cleanup from previous runs.
	store.pool.Exec(ctx, "DELETE FROM task_fail WHERE dag_id = 'it_dag'")
	store.pool.Exec(ctx, "DELETE FROM task_instance WHERE dag_id = 'it_dag'")
	store.pool.Exec(ctx, "DELETE FROM dag_run WHERE dag_id = 'it_dag'")
	store.pool.Exec(ctx, "DELETE FROM task WHERE dag_id = 'it_dag'")
	store.pool.Exec(ctx, "DELETE FROM dag WHERE dag_id = 'it_dag'")

	now := time.Now().UTC().Truncate(time.Microsecond)

	// 1. Dag
	if err := store.UpsertDag(ctx, models.Dag{DagID: "it_dag", Schedule: "@daily"}); err != nil {
		t.Fatalf("failed to upsert dag: %v", err)
	}
	dag, err := store.Dag(ctx, "it_dag")
	if err != nil {
		t.Fatalf("failed to get dag: %v", err)
	}
	if dag.Schedule != "@daily" {
		t.Errorf("expected schedule @daily, got %q", dag.Schedule)
	}

	// 2. Tasks
	if err := store.UpsertTask(ctx, models.Task{DagID: "it_dag", TaskID: "t1", Position: 0}); err != nil {
		t.Fatalf("failed to upsert task: %v", err)
	}

	// 3. Run with instances
	run := models.DagRun{
		DagID: "it_dag", RunID: "r1", State: models.StateRunning,
		RunType: models.RunTypeManual, StartDate: &now,
	}
	if err := store.UpsertDagRun(ctx, run); err != nil {
		t.Fatalf("failed to upsert run: %v", err)
	}
	start := now.Add(time.Second)
	ti := models.TaskInstance{
		DagID: "it_dag", TaskID: "t1", RunID: "r1",
		State: models.StateRunning, TryNumber: 2, StartDate: &start,
	}
	if err := store.UpsertTaskInstance(ctx, ti); err != nil {
		t.Fatalf("failed to upsert instance: %v", err)
	}
	instances, err := store.TaskInstances(ctx, "it_dag", "r1")
	if err != nil {
		t.Fatalf("failed to list instances: %v", err)
	}
	if len(instances) != 1 || instances[0].TryNumber != 2 {
		t.Errorf("unexpected instances: %+v", instances)
	}
	if instances[0].StartDate == nil || !instances[0].StartDate.Equal(start) {
		t.Errorf("expected start %v, got %v", start, instances[0].StartDate)
	}

	// 4. Fails
	failStart := now.Add(-time.Minute)
	tf := models.TaskFail{DagID: "it_dag", TaskID: "t1", RunID: "r1", StartDate: &failStart}
	if err := store.InsertTaskFail(ctx, tf); err != nil {
		t.Fatalf("failed to insert fail: %v", err)
	}
	fails, err := store.TaskFails(ctx, "it_dag", "t1", "r1")
	if err != nil {
		t.Fatalf("failed to list fails: %v", err)
	}
	if len(fails) != 1 {
		t.Fatalf("expected 1 fail, got %d", len(fails))
	}

	// 5. Not found
	if _, err := store.DagRun(ctx, "it_dag", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// 6. Prune finished runs
	end := now.Add(time.Minute)
	run.State = models.StateSuccess
	run.EndDate = &end
	if err := store.UpsertDagRun(ctx, run); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}
	n, err := store.PruneBefore(ctx, end.Add(time.Hour))
	if err != nil {
		t.Fatalf("failed to prune: %v", err)
	}
	if n < 3 {
		t.Errorf("expected at least 3 rows pruned, got %d", n)
	}
	if _, err := store.DagRun(ctx, "it_dag", "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected run pruned, got %v", err)
	}
}

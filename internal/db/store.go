// Package db holds the metadata store behind the chart: dags, runs,
// task instances and failure history. Two backends implement the same
// Store interface, Postgres for production and SQLite for development
// and demo setups.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mwebazejunior/airflow/internal/models"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// ErrNotFound is returned when a dag or run lookup matches nothing.
var ErrNotFound = errors.New("not found")

type Store interface {
	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	Dags(ctx context.Context) ([]models.Dag, error)
	Dag(ctx context.Context, dagID string) (*models.Dag, error)
	UpsertDag(ctx context.Context, d models.Dag) error

	Tasks(ctx context.Context, dagID string) ([]*models.Task, error)
	UpsertTask(ctx context.Context, t models.Task) error

	DagRuns(ctx context.Context, dagID string, limit int) ([]models.DagRun, error)
	DagRun(ctx context.Context, dagID, runID string) (*models.DagRun, error)
	UpsertDagRun(ctx context.Context, r models.DagRun) error

	TaskInstances(ctx context.Context, dagID, runID string) ([]models.TaskInstance, error)
	UpsertTaskInstance(ctx context.Context, ti models.TaskInstance) error

	TaskFails(ctx context.Context, dagID, taskID, runID string) ([]models.TaskFail, error)
	InsertTaskFail(ctx context.Context, tf models.TaskFail) error

	StateCounts(ctx context.Context) (map[models.TaskState]int, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Open connects the store matching the configured driver.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case DriverPostgres:
		return NewPostgresStore(ctx, dsn)
	case DriverSQLite:
		return NewSQLiteStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

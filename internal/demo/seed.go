// Package demo seeds example dags and animates a live run so a fresh
// install has something on the chart before a real scheduler feeds it.
package demo

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/mwebazejunior/airflow/internal/db"
	"github.com/mwebazejunior/airflow/internal/models"
	"github.com/mwebazejunior/airflow/internal/schedule"
)

const historyRuns = 5

// dagSpec bundles a dag with its task tree and the order leaves execute
// in. The seeder and the simulator share it.
type dagSpec struct {
	dag      models.Dag
	tasks    []models.Task
	leaves   []string
	lookback time.Duration
}

func exampleDags() []dagSpec {
	return []dagSpec{
		{
			dag: models.Dag{
				DagID:       "example_etl",
				Description: "Hourly extract, transform and load of the orders feed",
				Schedule:    "0 * * * *",
			},
			tasks: []models.Task{
				{DagID: "example_etl", TaskID: "extract", Operator: "BashOperator", Position: 0},
				{DagID: "example_etl", TaskID: "transform", IsGroup: true, Position: 1},
				{DagID: "example_etl", TaskID: "clean", ParentID: "transform", Operator: "PythonOperator", Position: 2},
				{DagID: "example_etl", TaskID: "enrich", ParentID: "transform", Operator: "PythonOperator", Position: 3},
				{DagID: "example_etl", TaskID: "load", Operator: "PostgresOperator", Position: 4},
			},
			leaves:   []string{"extract", "clean", "enrich", "load"},
			lookback: 6 * time.Hour,
		},
		{
			dag: models.Dag{
				DagID:       "example_training",
				Description: "Daily model training with data validation gates",
				Schedule:    "@daily",
			},
			tasks: []models.Task{
				{DagID: "example_training", TaskID: "prepare", IsGroup: true, Position: 0},
				{DagID: "example_training", TaskID: "fetch_features", ParentID: "prepare", Operator: "PythonOperator", Position: 1},
				{DagID: "example_training", TaskID: "validate", ParentID: "prepare", IsGroup: true, Position: 2},
				{DagID: "example_training", TaskID: "schema_check", ParentID: "validate", Operator: "PythonOperator", Position: 3},
				{DagID: "example_training", TaskID: "drift_check", ParentID: "validate", Operator: "PythonOperator", Position: 4},
				{DagID: "example_training", TaskID: "train_model", Label: "Train XGBoost", Operator: "PythonOperator", Position: 5},
				{DagID: "example_training", TaskID: "evaluate", Operator: "BranchPythonOperator", Position: 6},
			},
			leaves:   []string{"fetch_features", "schema_check", "drift_check", "train_model", "evaluate"},
			lookback: 6 * 24 * time.Hour,
		},
	}
}

// Seed writes the example dags with a few finished runs each. The same
// seed always produces the same history: run ids come from the schedule
// and the rng only varies durations.
func Seed(ctx context.Context, store db.Store, seed int64, now time.Time) error {
	rng := rand.New(rand.NewSource(seed))
	for _, spec := range exampleDags() {
		if err := seedDag(ctx, store, spec, rng, now.UTC()); err != nil {
			return fmt.Errorf("seed dag %s: %w", spec.dag.DagID, err)
		}
	}
	return nil
}

func seedDag(ctx context.Context, store db.Store, spec dagSpec, rng *rand.Rand, now time.Time) error {
	if err := store.UpsertDag(ctx, spec.dag); err != nil {
		return err
	}
	for _, task := range spec.tasks {
		if err := store.UpsertTask(ctx, task); err != nil {
			return err
		}
	}

	times, err := schedule.Sequence(spec.dag.Schedule, now.Add(-spec.lookback), historyRuns+1)
	if err != nil {
		return err
	}
	for i := 0; i+1 < len(times); i++ {
		// One broken run in the middle of the history, and a retry on
		// the newest so the chart always has markers to show.
		failed := i == 1
		retried := i == len(times)-2
		if err := seedRun(ctx, store, spec, rng, times[i], times[i+1], failed, retried); err != nil {
			return err
		}
	}
	return nil
}

func seedRun(ctx context.Context, store db.Store, spec dagSpec, rng *rand.Rand, logical, intervalEnd time.Time, failed, retried bool) error {
	runID := "scheduled__" + logical.UTC().Format(time.RFC3339)
	queued := intervalEnd
	runStart := queued.Add(time.Duration(2+rng.Intn(6)) * time.Second)

	brokenAt := -1
	if failed {
		brokenAt = len(spec.leaves) - 2
		if brokenAt < 0 {
			brokenAt = 0
		}
	}

	cursor := runStart
	instances := make([]models.TaskInstance, 0, len(spec.leaves))
	var fails []models.TaskFail
	runState := models.StateSuccess

	for i, leaf := range spec.leaves {
		ti := models.TaskInstance{
			DagID:     spec.dag.DagID,
			TaskID:    leaf,
			RunID:     runID,
			State:     models.StateSuccess,
			TryNumber: 1,
		}
		if brokenAt >= 0 && i > brokenAt {
			// Downstream of the failure nothing ran.
			ti.State = models.StateUpstreamFailed
			instances = append(instances, ti)
			continue
		}

		q := cursor.Add(time.Duration(rng.Intn(3)) * time.Second)
		start := q.Add(time.Duration(1+rng.Intn(3)) * time.Second)
		end := start.Add(taskDuration(rng))
		ti.QueuedDttm = &q
		ti.StartDate = &start
		ti.EndDate = &end

		switch {
		case i == brokenAt:
			ti.State = models.StateFailed
			runState = models.StateFailed
		case retried && i == len(spec.leaves)-1:
			// First try failed; the retry finished the task.
			fails = append(fails, models.TaskFail{
				DagID:     spec.dag.DagID,
				TaskID:    leaf,
				RunID:     runID,
				StartDate: &start,
				EndDate:   &end,
			})
			retryStart := end.Add(30 * time.Second)
			retryEnd := retryStart.Add(taskDuration(rng))
			ti.TryNumber = 2
			ti.StartDate = &retryStart
			ti.EndDate = &retryEnd
		}

		cursor = *ti.EndDate
		instances = append(instances, ti)
	}

	runEnd := cursor.Add(time.Second)
	run := models.DagRun{
		DagID:             spec.dag.DagID,
		RunID:             runID,
		State:             runState,
		RunType:           models.RunTypeScheduled,
		QueuedAt:          &queued,
		StartDate:         &runStart,
		EndDate:           &runEnd,
		DataIntervalStart: &logical,
		DataIntervalEnd:   &intervalEnd,
	}
	if err := store.UpsertDagRun(ctx, run); err != nil {
		return err
	}
	for _, ti := range instances {
		if err := store.UpsertTaskInstance(ctx, ti); err != nil {
			return err
		}
	}
	for _, agg := range aggregateGroupInstances(spec, instances) {
		if err := store.UpsertTaskInstance(ctx, agg); err != nil {
			return err
		}
	}
	for _, tf := range fails {
		if err := store.InsertTaskFail(ctx, tf); err != nil {
			return err
		}
	}
	return nil
}

func taskDuration(rng *rand.Rand) time.Duration {
	return time.Duration(20+rng.Intn(70)) * time.Second
}

// aggregateGroupInstances derives one instance per group from its
// children, deepest groups first so nested groups roll up correctly. A
// group with unfinished children gets no end date and keeps growing.
func aggregateGroupInstances(spec dagSpec, instances []models.TaskInstance) []models.TaskInstance {
	byTask := make(map[string]models.TaskInstance, len(instances))
	var dagID, runID string
	for _, ti := range instances {
		byTask[ti.TaskID] = ti
		dagID, runID = ti.DagID, ti.RunID
	}

	var out []models.TaskInstance
	for _, g := range groupsDeepFirst(spec.tasks) {
		var children []models.TaskInstance
		for _, t := range spec.tasks {
			if t.ParentID != g.TaskID {
				continue
			}
			if ti, ok := byTask[t.TaskID]; ok {
				children = append(children, ti)
			}
		}
		if len(children) == 0 {
			continue
		}

		agg := models.TaskInstance{DagID: dagID, TaskID: g.TaskID, RunID: runID, TryNumber: 1}
		allFinished := true
		for _, c := range children {
			agg.QueuedDttm = earlierOf(agg.QueuedDttm, c.QueuedDttm)
			agg.StartDate = earlierOf(agg.StartDate, c.StartDate)
			agg.EndDate = laterOf(agg.EndDate, c.EndDate)
			if !c.State.Finished() {
				allFinished = false
			}
		}
		if !allFinished {
			agg.EndDate = nil
		}
		agg.State = worstState(children)
		byTask[g.TaskID] = agg
		out = append(out, agg)
	}
	return out
}

func groupsDeepFirst(tasks []models.Task) []models.Task {
	parent := make(map[string]string, len(tasks))
	for _, t := range tasks {
		parent[t.TaskID] = t.ParentID
	}
	depth := func(id string) int {
		d := 0
		for p := parent[id]; p != ""; p = parent[p] {
			d++
		}
		return d
	}
	var groups []models.Task
	for _, t := range tasks {
		if t.IsGroup {
			groups = append(groups, t)
		}
	}
	sort.Slice(groups, func(i, j int) bool {
		return depth(groups[i].TaskID) > depth(groups[j].TaskID)
	})
	return groups
}

var statePriority = []models.TaskState{
	models.StateFailed,
	models.StateUpstreamFailed,
	models.StateUpForRetry,
	models.StateRestarting,
	models.StateRunning,
	models.StateQueued,
	models.StateScheduled,
	models.StateSuccess,
}

func worstState(children []models.TaskInstance) models.TaskState {
	for _, state := range statePriority {
		for _, c := range children {
			if c.State == state {
				return state
			}
		}
	}
	return models.StateNone
}

func earlierOf(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil || a.Before(*b) {
		return a
	}
	return b
}

func laterOf(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil || a.After(*b) {
		return a
	}
	return b
}

package models

import "time"

// Task is one node of a dag's task tree. Groups carry children; leaves
// carry an operator. Instances holds this task's execution records, at
// most one per run id.
type Task struct {
	DagID     string         `db:"dag_id" json:"dag_id"`
	TaskID    string         `db:"task_id" json:"task_id"`
	ParentID  string         `db:"parent_id" json:"parent_id,omitempty"`
	Label     string         `db:"label" json:"label"`
	Operator  string         `db:"operator" json:"operator,omitempty"`
	IsGroup   bool           `db:"is_group" json:"is_group"`
	Position  int            `db:"position" json:"-"`
	Children  []*Task        `json:"children,omitempty"`
	Instances []TaskInstance `json:"instances,omitempty"`
}

// InstanceForRun returns the instance executed under runID, or nil.
// Instances are unique per (task, run), so the first match is the match.
func (t *Task) InstanceForRun(runID string) *TaskInstance {
	if t == nil || runID == "" {
		return nil
	}
	for i := range t.Instances {
		if t.Instances[i].RunID == runID {
			return &t.Instances[i]
		}
	}
	return nil
}

// TaskInstance is the execution record of one task for one run.
// Timestamps are nil until the scheduler sets them.
type TaskInstance struct {
	DagID      string     `db:"dag_id" json:"dag_id"`
	TaskID     string     `db:"task_id" json:"task_id"`
	RunID      string     `db:"run_id" json:"run_id"`
	State      TaskState  `db:"state" json:"state"`
	TryNumber  int        `db:"try_number" json:"try_number"`
	QueuedDttm *time.Time `db:"queued_dttm" json:"queued_dttm,omitempty"`
	StartDate  *time.Time `db:"start_date" json:"start_date,omitempty"`
	EndDate    *time.Time `db:"end_date" json:"end_date,omitempty"`
}

// TaskFail is a historical failed-attempt interval. Earlier tries of a
// retried instance leave one of these behind; there is no natural unique
// key.
type TaskFail struct {
	DagID     string     `db:"dag_id" json:"dag_id"`
	TaskID    string     `db:"task_id" json:"task_id"`
	RunID     string     `db:"run_id" json:"run_id"`
	StartDate *time.Time `db:"start_date" json:"start_date,omitempty"`
	EndDate   *time.Time `db:"end_date" json:"end_date,omitempty"`
}

// Selection is the ambient (run, task) pair the user has focused. Either
// field may be empty.
type Selection struct {
	RunID  string `json:"run_id,omitempty"`
	TaskID string `json:"task_id,omitempty"`
}

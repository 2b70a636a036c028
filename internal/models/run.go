package models

import "time"

// Dag is a registered workflow definition.
type Dag struct {
	DagID       string `db:"dag_id" json:"dag_id"`
	Description string `db:"description" json:"description,omitempty"`
	Schedule    string `db:"schedule" json:"schedule,omitempty"`
	IsPaused    bool   `db:"is_paused" json:"is_paused"`
}

// DagRun is one execution of a dag. QueuedAt is set when the run is
// created, StartDate when the first instance starts, EndDate when the
// run reaches a terminal state.
type DagRun struct {
	DagID             string     `db:"dag_id" json:"dag_id"`
	RunID             string     `db:"run_id" json:"run_id"`
	State             TaskState  `db:"state" json:"state"`
	RunType           string     `db:"run_type" json:"run_type"`
	QueuedAt          *time.Time `db:"queued_at" json:"queued_at,omitempty"`
	StartDate         *time.Time `db:"start_date" json:"start_date,omitempty"`
	EndDate           *time.Time `db:"end_date" json:"end_date,omitempty"`
	DataIntervalStart *time.Time `db:"data_interval_start" json:"data_interval_start,omitempty"`
	DataIntervalEnd   *time.Time `db:"data_interval_end" json:"data_interval_end,omitempty"`
}

// RunTypeScheduled and friends mirror how runs get created.
const (
	RunTypeScheduled = "scheduled"
	RunTypeManual    = "manual"
	RunTypeBackfill  = "backfill"
)

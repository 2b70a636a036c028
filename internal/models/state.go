package models

// TaskState is the lifecycle state of a task instance or dag run.
type TaskState string

const (
	StateNone            TaskState = "none"
	StateRemoved         TaskState = "removed"
	StateScheduled       TaskState = "scheduled"
	StateQueued          TaskState = "queued"
	StateRunning         TaskState = "running"
	StateSuccess         TaskState = "success"
	StateFailed          TaskState = "failed"
	StateUpForRetry      TaskState = "up_for_retry"
	StateUpForReschedule TaskState = "up_for_reschedule"
	StateUpstreamFailed  TaskState = "upstream_failed"
	StateSkipped         TaskState = "skipped"
	StateDeferred        TaskState = "deferred"
	StateRestarting      TaskState = "restarting"
)

// TaskStates lists every known state in display order.
var TaskStates = []TaskState{
	StateNone,
	StateRemoved,
	StateScheduled,
	StateQueued,
	StateRunning,
	StateSuccess,
	StateFailed,
	StateUpForRetry,
	StateUpForReschedule,
	StateUpstreamFailed,
	StateSkipped,
	StateDeferred,
	StateRestarting,
}

// Finished reports whether the state is terminal: the instance will not
// change again without operator intervention.
func (s TaskState) Finished() bool {
	switch s {
	case StateSuccess, StateFailed, StateUpstreamFailed, StateSkipped, StateRemoved:
		return true
	}
	return false
}

package models

import "testing"

func TestTaskStateValues(t *testing.T) {
	tests := map[string]struct {
		got  TaskState
		want TaskState
	}{
		"none":              {got: StateNone, want: "none"},
		"queued":            {got: StateQueued, want: "queued"},
		"running":           {got: StateRunning, want: "running"},
		"success":           {got: StateSuccess, want: "success"},
		"failed":            {got: StateFailed, want: "failed"},
		"up_for_retry":      {got: StateUpForRetry, want: "up_for_retry"},
		"up_for_reschedule": {got: StateUpForReschedule, want: "up_for_reschedule"},
		"upstream_failed":   {got: StateUpstreamFailed, want: "upstream_failed"},
		"skipped":           {got: StateSkipped, want: "skipped"},
		"deferred":          {got: StateDeferred, want: "deferred"},
		"restarting":        {got: StateRestarting, want: "restarting"},
	}

	for name, tt := range tests {
		if tt.got != tt.want {
			t.Fatalf("%s: expected %q, got %q", name, tt.want, tt.got)
		}
	}
}

func TestTaskStatesCoverAllConstants(t *testing.T) {
	if len(TaskStates) != 13 {
		t.Fatalf("expected 13 states, got %d", len(TaskStates))
	}
	seen := make(map[TaskState]bool, len(TaskStates))
	for _, s := range TaskStates {
		if seen[s] {
			t.Fatalf("state %q listed twice", s)
		}
		seen[s] = true
	}
}

func TestFinished(t *testing.T) {
	finished := []TaskState{StateSuccess, StateFailed, StateUpstreamFailed, StateSkipped, StateRemoved}
	for _, s := range finished {
		if !s.Finished() {
			t.Fatalf("expected %q to be finished", s)
		}
	}
	active := []TaskState{StateNone, StateScheduled, StateQueued, StateRunning, StateUpForRetry, StateUpForReschedule, StateDeferred, StateRestarting}
	for _, s := range active {
		if s.Finished() {
			t.Fatalf("expected %q to be unfinished", s)
		}
	}
}

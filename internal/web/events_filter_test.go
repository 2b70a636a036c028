package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mwebazejunior/airflow/internal/events"
)

func TestEventFilterMatches(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/events?type=state_changed,fails_loaded&dag_id=etl&run_id=r1", nil)
	filter, err := parseEventFilter(req)
	if err != nil {
		t.Fatalf("parse filter: %v", err)
	}

	cases := map[string]struct {
		event events.Event
		want  bool
	}{
		"all fields match":   {events.Event{Type: events.TypeStateChanged, DagID: "etl", RunID: "r1"}, true},
		"second listed type": {events.Event{Type: events.TypeFailsLoaded, DagID: "etl", RunID: "r1"}, true},
		"type not listed":    {events.Event{Type: events.TypeRunsChanged, DagID: "etl", RunID: "r1"}, false},
		"other dag":          {events.Event{Type: events.TypeStateChanged, DagID: "other", RunID: "r1"}, false},
		"other run":          {events.Event{Type: events.TypeStateChanged, DagID: "etl", RunID: "r2"}, false},
	}
	for name, tc := range cases {
		if got := filter.Matches(tc.event); got != tc.want {
			t.Errorf("%s: Matches() = %v, want %v", name, got, tc.want)
		}
	}
}

func TestEventFilterEmptyMatchesAll(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	filter, err := parseEventFilter(req)
	if err != nil {
		t.Fatalf("parse filter: %v", err)
	}
	if !filter.Matches(events.Event{Type: events.TypeSelectionChanged}) {
		t.Fatal("expected empty filter to match everything")
	}
}

func TestEventFilterUnknownType(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/events?type=bogus", nil)
	if _, err := parseEventFilter(req); err == nil {
		t.Fatalf("expected error for unknown event type")
	}
}

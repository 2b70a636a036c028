package web

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/mwebazejunior/airflow/internal/events"
)

var knownEventTypes = map[string]bool{
	events.TypeSelectionChanged: true,
	events.TypeStateChanged:     true,
	events.TypeRunsChanged:      true,
	events.TypeFailsLoaded:      true,
}

type eventFilter struct {
	types map[string]bool
	dagID string
	runID string
}

func parseEventFilter(r *http.Request) (eventFilter, error) {
	query := r.URL.Query()
	filter := eventFilter{
		dagID: strings.TrimSpace(query.Get("dag_id")),
		runID: strings.TrimSpace(query.Get("run_id")),
	}
	if raw := strings.TrimSpace(query.Get("type")); raw != "" {
		filter.types = make(map[string]bool)
		for _, part := range strings.Split(raw, ",") {
			name := strings.TrimSpace(part)
			if name == "" {
				continue
			}
			if !knownEventTypes[name] {
				return eventFilter{}, fmt.Errorf("unknown event type %q", name)
			}
			filter.types[name] = true
		}
	}
	return filter, nil
}

func (f eventFilter) Matches(event events.Event) bool {
	if len(f.types) > 0 && !f.types[event.Type] {
		return false
	}
	if f.dagID != "" && event.DagID != f.dagID {
		return false
	}
	if f.runID != "" && event.RunID != f.runID {
		return false
	}
	return true
}

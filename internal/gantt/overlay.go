package gantt

import (
	"context"
	"fmt"
	"time"

	"github.com/mwebazejunior/airflow/internal/models"
)

// FailQuery identifies one instance's retry history. Enabled carries
// the fetch precondition explicitly: callers set it only when the
// instance has actually retried and a task id is present.
type FailQuery struct {
	DagID   string
	TaskID  string
	RunID   string
	Enabled bool
}

// FailureSource supplies historical failure intervals for an instance.
// Implementations must not touch the backend when q.Enabled is false.
// loaded is false while the data is not yet available; the overlay
// renders nothing in that case rather than treating it as an error.
type FailureSource interface {
	Fetch(ctx context.Context, q FailQuery) (fails []models.TaskFail, loaded bool)
}

// FailMarker is one prior failed attempt positioned on the shared
// timeline, independent of the primary bar's geometry.
type FailMarker struct {
	Key          string  `json:"key"`
	OffsetMargin float64 `json:"offset_margin"`
	Width        float64 `json:"width"`
}

// Overlay positions prior failed attempts of ti as secondary markers.
// A failure is kept only when its start differs from the displayed
// instance's start and falls strictly inside the window's left bound.
// Keys combine task id and start time; duplicate timestamps get a
// positional suffix since (task, start) is not guaranteed unique.
func Overlay(m Mapper, ti *models.TaskInstance, fails []models.TaskFail) []FailMarker {
	if ti == nil || !m.Window.Valid() {
		return nil
	}
	var markers []FailMarker
	seen := make(map[string]int)
	for _, tf := range fails {
		if tf.StartDate == nil {
			continue
		}
		if ti.StartDate != nil && tf.StartDate.Equal(*ti.StartDate) {
			continue
		}
		if !tf.StartDate.After(*m.Window.Start) {
			continue
		}
		base := tf.TaskID + "@" + tf.StartDate.UTC().Format(time.RFC3339Nano)
		n := seen[base]
		seen[base] = n + 1
		key := base
		if n > 0 {
			key = fmt.Sprintf("%s#%d", base, n)
		}
		markers = append(markers, FailMarker{
			Key:          key,
			OffsetMargin: m.Offset(tf.StartDate),
			Width:        m.BarWidth(tf.StartDate, tf.EndDate),
		})
	}
	return markers
}

package web

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/mwebazejunior/airflow/internal/models"
)

// stateColors is the scheduler UI palette, keyed by instance state.
var stateColors = map[models.TaskState]string{
	models.StateNone:            "lightblue",
	models.StateRemoved:         "lightgrey",
	models.StateScheduled:       "tan",
	models.StateQueued:          "gray",
	models.StateRunning:         "lime",
	models.StateSuccess:         "green",
	models.StateFailed:          "red",
	models.StateUpForRetry:      "gold",
	models.StateUpForReschedule: "turquoise",
	models.StateUpstreamFailed:  "orange",
	models.StateSkipped:         "hotpink",
	models.StateDeferred:        "mediumpurple",
	models.StateRestarting:      "violet",
}

// StateColor returns the display color for a state. Unknown states get
// the no-status color.
func StateColor(state models.TaskState) string {
	if c, ok := stateColors[state]; ok {
		return c
	}
	return stateColors[models.StateNone]
}

var (
	labelCaser    = cases.Title(language.English)
	labelReplacer = strings.NewReplacer("_", " ", "-", " ", ".", " ")
)

// HumanLabel turns a task or state identifier into a display label,
// e.g. "extract_data" becomes "Extract Data".
func HumanLabel(id string) string {
	if id == "" {
		return ""
	}
	return labelCaser.String(labelReplacer.Replace(id))
}

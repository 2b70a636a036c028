package gantt

import (
	"context"

	"github.com/mwebazejunior/airflow/internal/models"
)

// Row is one laid-out chart row: a flat view of the task plus the
// geometry of its instance for the active run. A row without a resolved
// instance renders frame only, with no bar and no markers.
type Row struct {
	TaskID      string               `json:"task_id"`
	Label       string               `json:"label"`
	Operator    string               `json:"operator,omitempty"`
	IsGroup     bool                 `json:"is_group"`
	Depth       int                  `json:"depth"`
	IsOpen      bool                 `json:"is_open"`
	Selected    bool                 `json:"selected"`
	Instance    *models.TaskInstance `json:"instance,omitempty"`
	Bar         BarGeometry          `json:"bar"`
	FailMarkers []FailMarker         `json:"fail_markers,omitempty"`
	Children    []Row                `json:"children,omitempty"`
}

// Renderer lays out rows for one run against a shared window.
// OpenGroups decides which group nodes expand. Failures may be left nil
// to disable retry markers entirely.
type Renderer struct {
	Mapper     Mapper
	OpenGroups map[string]bool
	Selection  Selector
	Failures   FailureSource
}

// Layout produces the row for task and, when the task is an open group,
// one child row per child in order. The instance shown is the one
// matching the ambient selection's run id; with no match the row
// degrades to frame only.
func (r Renderer) Layout(ctx context.Context, task *models.Task) Row {
	return r.layout(ctx, task, 0)
}

// LayoutForest lays out each root of a task forest at depth zero.
func (r Renderer) LayoutForest(ctx context.Context, roots []*models.Task) []Row {
	rows := make([]Row, 0, len(roots))
	for _, t := range roots {
		rows = append(rows, r.layout(ctx, t, 0))
	}
	return rows
}

func (r Renderer) layout(ctx context.Context, task *models.Task, depth int) Row {
	row := Row{
		TaskID:   task.TaskID,
		Label:    task.Label,
		Operator: task.Operator,
		IsGroup:  task.IsGroup,
		Depth:    depth,
		IsOpen:   r.OpenGroups[task.TaskID],
	}
	sel := r.Selection.Current()
	if inst := task.InstanceForRun(sel.RunID); inst != nil {
		row.Instance = inst
		row.Bar = r.Mapper.InstanceBar(inst)
		row.Selected = r.Selection.Selected(inst)
		row.FailMarkers = r.failMarkers(ctx, inst)
	}
	if row.IsOpen && len(task.Children) > 0 {
		row.Children = make([]Row, 0, len(task.Children))
		for _, child := range task.Children {
			row.Children = append(row.Children, r.layout(ctx, child, depth+1))
		}
	}
	return row
}

// failMarkers fetches and positions retry history. The fetch is gated
// on the instance having retried; a disabled or unloaded fetch renders
// no markers.
func (r Renderer) failMarkers(ctx context.Context, ti *models.TaskInstance) []FailMarker {
	if r.Failures == nil {
		return nil
	}
	q := FailQuery{
		DagID:   ti.DagID,
		TaskID:  ti.TaskID,
		RunID:   ti.RunID,
		Enabled: ti.TryNumber > 1 && ti.TaskID != "",
	}
	if !q.Enabled {
		return nil
	}
	fails, loaded := r.Failures.Fetch(ctx, q)
	if !loaded {
		return nil
	}
	return Overlay(r.Mapper, ti, fails)
}

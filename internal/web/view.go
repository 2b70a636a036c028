package web

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/mwebazejunior/airflow/internal/gantt"
	"github.com/mwebazejunior/airflow/internal/metrics"
	"github.com/mwebazejunior/airflow/internal/models"
	"github.com/mwebazejunior/airflow/internal/schedule"
)

const (
	runPickerLimit = 15
	axisTickCount  = 5
)

// GanttView is the chart payload for one dag, shared by the HTML page
// and the JSON API.
type GanttView struct {
	DagID       string           `json:"dag_id"`
	Description string           `json:"description,omitempty"`
	Schedule    string           `json:"schedule,omitempty"`
	RunID       string           `json:"run_id,omitempty"`
	RunState    models.TaskState `json:"run_state,omitempty"`
	WindowStart *time.Time       `json:"window_start,omitempty"`
	WindowEnd   *time.Time       `json:"window_end,omitempty"`
	Width       float64          `json:"width"`
	Rows        []gantt.Row      `json:"rows"`
	Runs        []RunOption      `json:"runs"`
	Ticks       []Tick           `json:"ticks,omitempty"`
	NextRun     *time.Time       `json:"next_run,omitempty"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// RunOption is one entry in the run picker.
type RunOption struct {
	RunID   string           `json:"run_id"`
	State   models.TaskState `json:"state"`
	RunType string           `json:"run_type"`
	Label   string           `json:"label"`
	Active  bool             `json:"active"`
}

// Tick is one axis mark, offset in pixels from the chart's left edge.
type Tick struct {
	Offset float64 `json:"offset"`
	Label  string  `json:"label"`
}

// viewQuery carries the request parameters that shape a chart render.
type viewQuery struct {
	dagID   string
	runID   string
	open    []string
	hasOpen bool
}

func parseViewQuery(dagID string, query url.Values) viewQuery {
	q := viewQuery{
		dagID: dagID,
		runID: strings.TrimSpace(query.Get("run_id")),
	}
	if _, ok := query["open"]; ok {
		q.hasOpen = true
		for _, part := range strings.Split(query.Get("open"), ",") {
			if id := strings.TrimSpace(part); id != "" {
				q.open = append(q.open, id)
			}
		}
	}
	return q
}

// fixedSelection pins the resolved run for one layout pass while still
// delegating selection writes to the shared store.
type fixedSelection struct {
	sel   models.Selection
	store gantt.SelectionStore
}

func (f fixedSelection) Get() models.Selection { return f.sel }

func (f fixedSelection) Set(sel models.Selection) {
	if f.store != nil {
		f.store.Set(sel)
	}
}

func (s *Server) buildGanttView(ctx context.Context, q viewQuery) (*GanttView, map[string]bool, error) {
	started := s.now()

	// 1. Dag and task structure.
	dag, err := s.store.Dag(ctx, q.dagID)
	if err != nil {
		return nil, nil, err
	}
	tasks, err := s.store.Tasks(ctx, q.dagID)
	if err != nil {
		return nil, nil, fmt.Errorf("load tasks: %w", err)
	}
	roots, err := models.BuildTree(tasks)
	if err != nil {
		return nil, nil, fmt.Errorf("build task tree: %w", err)
	}

	// 2. Recent runs for the picker.
	runs, err := s.store.DagRuns(ctx, q.dagID, runPickerLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("load runs: %w", err)
	}

	// 3. Resolve the displayed run: explicit param, then the shared
	// selection, then the newest run.
	ambient := s.selection.Get()
	activeRun := s.resolveActiveRun(ctx, q, ambient, runs)

	view := &GanttView{
		DagID:       dag.DagID,
		Description: dag.Description,
		Schedule:    dag.Schedule,
		Width:       s.width,
		GeneratedAt: started,
	}
	if dag.Schedule != "" {
		if next, err := schedule.NextRun(dag.Schedule, started); err == nil {
			view.NextRun = &next
		}
	}

	var instances []models.TaskInstance
	window := gantt.Window{}
	if activeRun != nil {
		view.RunID = activeRun.RunID
		view.RunState = activeRun.State

		stored, err := s.store.TaskInstances(ctx, q.dagID, activeRun.RunID)
		if err != nil {
			return nil, nil, fmt.Errorf("load instances: %w", err)
		}
		// 4. Give running instances a provisional end so their bars
		// grow in real time, then derive the window from the result.
		instances = materializeEnds(stored, started, activeRun.EndDate)
		window = computeWindow(activeRun, instances, started)
	}
	view.WindowStart = window.Start
	view.WindowEnd = window.End

	// 5. Lay out the rows.
	models.AttachInstances(roots, instances)
	open := openGroups(roots, q)
	renderer := gantt.Renderer{
		Mapper:     gantt.NewMapper(window, s.width),
		OpenGroups: open,
		Selection: gantt.Selector{Store: fixedSelection{
			sel:   models.Selection{RunID: view.RunID, TaskID: ambient.TaskID},
			store: s.selection,
		}},
		Failures: s.failures,
	}
	view.Rows = renderer.LayoutForest(ctx, roots)
	view.Ticks = axisTicks(window, s.width, axisTickCount)
	view.Runs = runOptions(runs, view.RunID)

	metrics.RendersTotal.WithLabelValues(q.dagID).Inc()
	metrics.RenderDuration.WithLabelValues(q.dagID).Observe(time.Since(started).Seconds())
	return view, open, nil
}

// resolveActiveRun returns the dag run the chart should display, or nil
// when the dag has no runs at all.
func (s *Server) resolveActiveRun(ctx context.Context, q viewQuery, ambient models.Selection, runs []models.DagRun) *models.DagRun {
	find := func(runID string) *models.DagRun {
		if runID == "" {
			return nil
		}
		for i := range runs {
			if runs[i].RunID == runID {
				return &runs[i]
			}
		}
		// Older than the picker window; fetch directly.
		run, err := s.store.DagRun(ctx, q.dagID, runID)
		if err != nil {
			return nil
		}
		return run
	}
	if run := find(q.runID); run != nil {
		return run
	}
	if run := find(ambient.RunID); run != nil {
		return run
	}
	if len(runs) > 0 {
		return &runs[0]
	}
	return nil
}

// materializeEnds copies the instance list and fills a provisional end
// date for started, unfinished instances. bound caps the provisional
// end when the run itself already finished.
func materializeEnds(instances []models.TaskInstance, now time.Time, bound *time.Time) []models.TaskInstance {
	end := now
	if bound != nil && bound.Before(now) {
		end = *bound
	}
	out := make([]models.TaskInstance, len(instances))
	copy(out, instances)
	for i := range out {
		ti := &out[i]
		if ti.StartDate != nil && ti.EndDate == nil && !ti.State.Finished() {
			e := end
			ti.EndDate = &e
		}
	}
	return out
}

// computeWindow spans from the earliest queued/start timestamp to the
// latest end. An unfinished run extends the window to now so growing
// bars stay inside it.
func computeWindow(run *models.DagRun, instances []models.TaskInstance, now time.Time) gantt.Window {
	var start, end *time.Time
	if run != nil {
		start = earliest(run.QueuedAt, run.StartDate)
		end = run.EndDate
	}
	for i := range instances {
		ti := &instances[i]
		start = earliest(start, ti.QueuedDttm, ti.StartDate)
		end = latest(end, ti.EndDate)
	}
	if run != nil && !run.State.Finished() && start != nil {
		n := now
		end = latest(end, &n)
	}
	return gantt.Window{Start: start, End: end}
}

func earliest(times ...*time.Time) *time.Time {
	var min *time.Time
	for _, t := range times {
		if t == nil {
			continue
		}
		if min == nil || t.Before(*min) {
			min = t
		}
	}
	return min
}

func latest(times ...*time.Time) *time.Time {
	var max *time.Time
	for _, t := range times {
		if t == nil {
			continue
		}
		if max == nil || t.After(*max) {
			max = t
		}
	}
	return max
}

// openGroups returns the set of expanded group ids. Without an explicit
// open parameter every group starts expanded.
func openGroups(roots []*models.Task, q viewQuery) map[string]bool {
	open := make(map[string]bool)
	if !q.hasOpen {
		models.WalkTasks(roots, func(t *models.Task) {
			if t.IsGroup {
				open[t.TaskID] = true
			}
		})
		return open
	}
	for _, id := range q.open {
		open[id] = true
	}
	return open
}

func axisTicks(w gantt.Window, width float64, n int) []Tick {
	if !w.Valid() || width <= 0 || n < 2 {
		return nil
	}
	dur := float64(w.Duration())
	ticks := make([]Tick, 0, n)
	for i := 0; i < n; i++ {
		frac := float64(i) / float64(n-1)
		at := w.Start.Add(time.Duration(frac * dur))
		ticks = append(ticks, Tick{
			Offset: frac * width,
			Label:  at.UTC().Format("15:04:05"),
		})
	}
	return ticks
}

func runOptions(runs []models.DagRun, activeRunID string) []RunOption {
	opts := make([]RunOption, 0, len(runs))
	for _, r := range runs {
		opts = append(opts, RunOption{
			RunID:   r.RunID,
			State:   r.State,
			RunType: r.RunType,
			Label:   runLabel(r),
			Active:  r.RunID == activeRunID,
		})
	}
	return opts
}

func runLabel(r models.DagRun) string {
	switch {
	case r.StartDate != nil:
		return r.StartDate.UTC().Format("Jan 02 15:04:05")
	case r.QueuedAt != nil:
		return r.QueuedAt.UTC().Format("Jan 02 15:04:05")
	default:
		return r.RunID
	}
}

// pageRow is a row flattened for the HTML template, with geometry and
// display strings precomputed.
type pageRow struct {
	TaskID      string
	Label       string
	Operator    string
	IsGroup     bool
	IsOpen      bool
	Selected    bool
	HasBar      bool
	IndentPx    float64
	Color       string
	StateLabel  string
	TryNumber   int
	Bar         gantt.BarGeometry
	FailMarkers []gantt.FailMarker
	Tooltip     string
	ToggleURL   string
}

const rowIndentPx = 18

func flattenRows(rows []gantt.Row, q viewQuery, open map[string]bool) []pageRow {
	var out []pageRow
	var walk func(rows []gantt.Row)
	walk = func(rows []gantt.Row) {
		for _, row := range rows {
			pr := pageRow{
				TaskID:      row.TaskID,
				Label:       row.Label,
				Operator:    row.Operator,
				IsGroup:     row.IsGroup,
				IsOpen:      row.IsOpen,
				Selected:    row.Selected,
				IndentPx:    float64(row.Depth) * rowIndentPx,
				Bar:         row.Bar,
				FailMarkers: row.FailMarkers,
			}
			if pr.Label == "" {
				pr.Label = HumanLabel(row.TaskID)
			}
			if row.Instance != nil {
				pr.HasBar = !row.Bar.Empty()
				pr.Color = StateColor(row.Instance.State)
				pr.StateLabel = HumanLabel(string(row.Instance.State))
				pr.TryNumber = row.Instance.TryNumber
				pr.Tooltip = instanceTooltip(row.Instance)
			}
			if row.IsGroup {
				pr.ToggleURL = toggleURL(q, open, row.TaskID)
			}
			out = append(out, pr)
			walk(row.Children)
		}
	}
	walk(rows)
	return out
}

func instanceTooltip(ti *models.TaskInstance) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", HumanLabel(string(ti.State)))
	if ti.TryNumber > 1 {
		fmt.Fprintf(&b, " (try %d)", ti.TryNumber)
	}
	if ti.QueuedDttm != nil {
		fmt.Fprintf(&b, "\nQueued: %s", ti.QueuedDttm.UTC().Format(time.RFC3339))
	}
	if ti.StartDate != nil {
		fmt.Fprintf(&b, "\nStarted: %s", ti.StartDate.UTC().Format(time.RFC3339))
	}
	if ti.EndDate != nil {
		fmt.Fprintf(&b, "\nEnded: %s", ti.EndDate.UTC().Format(time.RFC3339))
	}
	if d := gantt.Duration(ti.StartDate, ti.EndDate); d > 0 {
		fmt.Fprintf(&b, "\nDuration: %s", fmtDur(d))
	}
	return b.String()
}

// toggleURL rebuilds the page URL with the group's open state flipped.
func toggleURL(q viewQuery, open map[string]bool, taskID string) string {
	next := make([]string, 0, len(open))
	for id, on := range open {
		if !on || id == taskID {
			continue
		}
		next = append(next, id)
	}
	if !open[taskID] {
		next = append(next, taskID)
	}
	sort.Strings(next)

	params := url.Values{}
	if q.runID != "" {
		params.Set("run_id", q.runID)
	}
	params.Set("open", strings.Join(next, ","))
	return fmt.Sprintf("/dags/%s/gantt?%s", url.PathEscape(q.dagID), params.Encode())
}

func fmtDur(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if s == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dm%ds", m, s)
}

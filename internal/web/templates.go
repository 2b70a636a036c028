package web

import (
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mwebazejunior/airflow/internal/models"
)

var ganttFuncMap = template.FuncMap{
	"px": func(v float64) template.CSS {
		return template.CSS(fmt.Sprintf("%.2fpx", v))
	},
	"add": func(a, b float64) float64 { return a + b },
	"fmtTime": func(t *time.Time) string {
		if t == nil {
			return "—"
		}
		return t.UTC().Format("Jan 02 15:04:05")
	},
	"fmtDur":    fmtDur,
	"stateHue":  StateColor,
	"humanize":  HumanLabel,
	"stateName": func(s models.TaskState) string { return HumanLabel(string(s)) },
}

type legendEntry struct {
	State models.TaskState
	Color string
}

func stateLegend() []legendEntry {
	entries := make([]legendEntry, 0, len(models.TaskStates))
	for _, state := range models.TaskStates {
		entries = append(entries, legendEntry{State: state, Color: StateColor(state)})
	}
	return entries
}

// ganttPageData feeds the HTML template. Rows are pre-flattened so the
// template stays free of recursion.
type ganttPageData struct {
	View      *GanttView
	Rows      []pageRow
	Legend    []legendEntry
	RefreshMS int64
}

var (
	tmplGanttPage *template.Template
	tmplGanttOnce sync.Once
)

func getGanttTemplate() *template.Template {
	tmplGanttOnce.Do(func() {
		tmplGanttPage = template.Must(template.New("gantt").
			Funcs(ganttFuncMap).
			Parse(tmplBase + tmplGantt))
	})
	return tmplGanttPage
}

func renderPage(w http.ResponseWriter, data ganttPageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := getGanttTemplate().ExecuteTemplate(w, "base", data); err != nil {
		slog.Warn("Template render failed", "error", err)
	}
}

var (
	tmplIndexPage *template.Template
	tmplIndexOnce sync.Once
)

func renderIndex(w http.ResponseWriter, dags []models.Dag) {
	tmplIndexOnce.Do(func() {
		tmplIndexPage = template.Must(template.New("index").Parse(tmplIndex))
	})
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmplIndexPage.Execute(w, dags); err != nil {
		slog.Warn("Template render failed", "error", err)
	}
}

const tmplIndex = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>Dags</title>
<style>
body{font-family:monospace;background:#0d1117;color:#c9d1d9;padding:24px;font-size:14px}
a{color:#58a6ff;text-decoration:none}
li{margin:4px 0}
.dim{color:#8b949e;font-size:11px}
</style>
</head>
<body>
<h1>dags</h1>
{{if .}}<ul>
{{range .}}<li><a href="/dags/{{.DagID}}/gantt">{{.DagID}}</a>
{{if .Schedule}}<span class="dim">{{.Schedule}}</span>{{end}}
{{if .IsPaused}}<span class="dim">(paused)</span>{{end}}</li>
{{end}}</ul>
{{else}}<p class="dim">no dags registered</p>{{end}}
</body>
</html>`

const tmplBase = `
{{define "base"}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width,initial-scale=1">
<title>{{.View.DagID}} · Gantt</title>
<style>
*{box-sizing:border-box;margin:0;padding:0}
body{font-family:'JetBrains Mono',monospace,sans-serif;background:#0d1117;color:#c9d1d9;font-size:13px;line-height:1.5}
a{color:#58a6ff;text-decoration:none}
a:hover{text-decoration:underline}
nav{background:#161b22;border-bottom:1px solid #30363d;padding:8px 16px;display:flex;gap:16px;align-items:center;flex-wrap:wrap}
nav .brand{color:#f0f6fc;font-weight:700;font-size:15px}
nav .dim{color:#8b949e;font-size:11px}
main{padding:16px}
h1{font-size:16px;font-weight:700;color:#f0f6fc;margin-bottom:4px}
.sub{color:#8b949e;font-size:11px;margin-bottom:12px}
.badge{display:inline-block;padding:1px 8px;border-radius:10px;font-size:10px;font-weight:600;color:#0d1117}
.runs{display:flex;gap:4px;flex-wrap:wrap;margin-bottom:12px}
.runs a{font-size:11px;padding:2px 8px;border:1px solid #30363d;border-radius:4px;color:#8b949e}
.runs a.active{background:#1f6feb;border-color:#1f6feb;color:#fff}
.runs .dot{display:inline-block;width:8px;height:8px;border-radius:50%;margin-right:4px;vertical-align:middle}
.legend{display:flex;gap:10px;flex-wrap:wrap;margin-bottom:12px;font-size:10px;color:#8b949e}
.legend .dot{display:inline-block;width:8px;height:8px;border-radius:2px;margin-right:3px;vertical-align:middle}
.chart{background:#161b22;border:1px solid #30363d;border-radius:6px;overflow-x:auto}
.axis{display:flex;border-bottom:1px solid #30363d}
.axis .spacer{min-width:240px;flex-shrink:0}
.axis .scale{position:relative;height:24px}
.axis .tick{position:absolute;top:0;height:24px;border-left:1px solid #30363d;padding-left:3px;font-size:9px;color:#8b949e;white-space:nowrap}
.row{display:flex;align-items:center;border-bottom:1px solid #0d1117;min-height:26px}
.row:hover{background:#1c2129}
.row.selected{background:#1f6feb22}
.row .name{min-width:240px;flex-shrink:0;padding:3px 8px;overflow:hidden;text-overflow:ellipsis;white-space:nowrap;font-size:12px;cursor:pointer}
.row .name .op{color:#8b949e;font-size:10px;margin-left:6px}
.row .name .caret{color:#8b949e;margin-right:4px}
.row .lane{position:relative;height:20px}
.bar{position:absolute;top:4px;height:12px;border-radius:3px;opacity:.95}
.bar.queued{background:#6e768166;border:1px dashed #6e7681}
.fail{position:absolute;top:2px;height:16px;background:#f85149;border-radius:2px;opacity:.8}
.empty{padding:24px;color:#8b949e;text-align:center}
footer{padding:8px 16px;color:#484f58;font-size:10px}
</style>
</head>
<body>
<nav>
  <span class="brand">airflow-gantt</span>
  <span class="dim">{{.View.DagID}}</span>
  {{if .View.NextRun}}<span class="dim">next run {{fmtTime .View.NextRun}}</span>{{end}}
</nav>
<main>{{template "content" .}}</main>
<footer>generated {{.View.GeneratedAt.UTC.Format "2006-01-02T15:04:05Z"}}</footer>
{{template "script" .}}
</body>
</html>{{end}}`

const tmplGantt = `
{{define "content"}}
<h1>{{.View.DagID}}
  {{if .View.RunState}}<span class="badge" style="background:{{stateHue .View.RunState}}">{{stateName .View.RunState}}</span>{{end}}
</h1>
<div class="sub">
  {{with .View.Description}}{{.}} · {{end}}
  {{with .View.Schedule}}schedule {{.}} · {{end}}
  {{if .View.WindowStart}}window {{fmtTime .View.WindowStart}} – {{fmtTime .View.WindowEnd}}{{end}}
</div>

{{if .View.Runs}}
<div class="runs">
  {{range .View.Runs}}
  <a href="?run_id={{.RunID}}" {{if .Active}}class="active"{{end}} title="{{.RunID}} ({{.RunType}})">
    <span class="dot" style="background:{{stateHue .State}}"></span>{{.Label}}</a>
  {{end}}
</div>
{{end}}

<div class="legend">
  {{range .Legend}}<span><span class="dot" style="background:{{.Color}}"></span>{{stateName .State}}</span>{{end}}
</div>

<div class="chart">
  <div class="axis">
    <div class="spacer"></div>
    <div class="scale" style="width:{{px .View.Width}}">
      {{range .View.Ticks}}<span class="tick" style="left:{{px .Offset}}">{{.Label}}</span>{{end}}
    </div>
  </div>
  {{if .Rows}}
  {{range .Rows}}
  <div class="row{{if .Selected}} selected{{end}}">
    <div class="name" style="padding-left:{{px (add 8 .IndentPx)}}" data-task="{{.TaskID}}" title="{{.Tooltip}}">
      {{if .IsGroup}}<a class="caret" href="{{.ToggleURL}}">{{if .IsOpen}}▾{{else}}▸{{end}}</a>{{end}}
      {{.Label}}
      {{with .Operator}}<span class="op">{{.}}</span>{{end}}
    </div>
    <div class="lane" style="width:{{px $.View.Width}}">
      {{if .HasBar}}
      {{if gt .Bar.QueuedWidth 0.0}}<span class="bar queued" style="left:{{px .Bar.OffsetMargin}};width:{{px .Bar.QueuedWidth}}" title="{{.Tooltip}}"></span>{{end}}
      {{if gt .Bar.Width 0.0}}<span class="bar" style="left:{{px (add .Bar.OffsetMargin .Bar.QueuedWidth)}};width:{{px .Bar.Width}};background:{{.Color}}" title="{{.Tooltip}}"></span>{{end}}
      {{end}}
      {{range .FailMarkers}}<span class="fail" style="left:{{px .OffsetMargin}};width:{{px .Width}}" title="failed attempt"></span>{{end}}
    </div>
  </div>
  {{end}}
  {{else}}
  <div class="empty">no tasks registered for this dag</div>
  {{end}}
</div>
{{end}}

{{define "script"}}
<script>
(function() {
  var refreshMs = {{.RefreshMS}};
  var reloadTimer = null;
  function scheduleReload() {
    if (reloadTimer) return;
    reloadTimer = setTimeout(function() { location.reload(); }, refreshMs);
  }
  try {
    var es = new EventSource('/events?dag_id={{.View.DagID}}');
    es.onmessage = scheduleReload;
  } catch (e) { /* no live updates without EventSource */ }
  document.querySelectorAll('.name[data-task]').forEach(function(el) {
    el.addEventListener('click', function(ev) {
      if (ev.target.closest('a')) return;
      fetch('/api/selection', {
        method: 'POST',
        headers: {'Content-Type': 'application/json'},
        body: JSON.stringify({run_id: {{.View.RunID}}, task_id: el.dataset.task})
      }).then(function() { location.reload(); });
    });
  });
})();
</script>
{{end}}`

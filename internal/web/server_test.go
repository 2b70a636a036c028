package web

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mwebazejunior/airflow/internal/config"
	"github.com/mwebazejunior/airflow/internal/db"
	"github.com/mwebazejunior/airflow/internal/events"
	"github.com/mwebazejunior/airflow/internal/gantt"
	"github.com/mwebazejunior/airflow/internal/models"
)

// fakeStore is an in-memory db.Store for handler tests. Slices are
// returned in stored order, so tests seed runs newest first.
type fakeStore struct {
	dags      []models.Dag
	tasks     map[string][]models.Task
	runs      map[string][]models.DagRun
	instances map[string][]models.TaskInstance
	fails     map[string][]models.TaskFail
	pingErr   error
}

func (f *fakeStore) EnsureSchema(context.Context) error { return nil }
func (f *fakeStore) Ping(context.Context) error         { return f.pingErr }
func (f *fakeStore) Close() error                       { return nil }

func (f *fakeStore) Dags(context.Context) ([]models.Dag, error) { return f.dags, nil }

func (f *fakeStore) Dag(_ context.Context, dagID string) (*models.Dag, error) {
	for i := range f.dags {
		if f.dags[i].DagID == dagID {
			d := f.dags[i]
			return &d, nil
		}
	}
	return nil, db.ErrNotFound
}

func (f *fakeStore) UpsertDag(_ context.Context, d models.Dag) error {
	f.dags = append(f.dags, d)
	return nil
}

func (f *fakeStore) Tasks(_ context.Context, dagID string) ([]*models.Task, error) {
	var out []*models.Task
	for _, task := range f.tasks[dagID] {
		t := task
		t.Children = nil
		t.Instances = nil
		out = append(out, &t)
	}
	return out, nil
}

func (f *fakeStore) UpsertTask(_ context.Context, t models.Task) error {
	if f.tasks == nil {
		f.tasks = make(map[string][]models.Task)
	}
	f.tasks[t.DagID] = append(f.tasks[t.DagID], t)
	return nil
}

func (f *fakeStore) DagRuns(_ context.Context, dagID string, limit int) ([]models.DagRun, error) {
	runs := f.runs[dagID]
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (f *fakeStore) DagRun(_ context.Context, dagID, runID string) (*models.DagRun, error) {
	for _, r := range f.runs[dagID] {
		if r.RunID == runID {
			run := r
			return &run, nil
		}
	}
	return nil, db.ErrNotFound
}

func (f *fakeStore) UpsertDagRun(_ context.Context, r models.DagRun) error {
	if f.runs == nil {
		f.runs = make(map[string][]models.DagRun)
	}
	f.runs[r.DagID] = append(f.runs[r.DagID], r)
	return nil
}

func (f *fakeStore) TaskInstances(_ context.Context, dagID, runID string) ([]models.TaskInstance, error) {
	return f.instances[dagID+"/"+runID], nil
}

func (f *fakeStore) UpsertTaskInstance(_ context.Context, ti models.TaskInstance) error {
	if f.instances == nil {
		f.instances = make(map[string][]models.TaskInstance)
	}
	key := ti.DagID + "/" + ti.RunID
	f.instances[key] = append(f.instances[key], ti)
	return nil
}

func (f *fakeStore) TaskFails(_ context.Context, dagID, taskID, runID string) ([]models.TaskFail, error) {
	return f.fails[dagID+"/"+taskID+"/"+runID], nil
}

func (f *fakeStore) InsertTaskFail(_ context.Context, tf models.TaskFail) error {
	if f.fails == nil {
		f.fails = make(map[string][]models.TaskFail)
	}
	key := tf.DagID + "/" + tf.TaskID + "/" + tf.RunID
	f.fails[key] = append(f.fails[key], tf)
	return nil
}

func (f *fakeStore) StateCounts(context.Context) (map[models.TaskState]int, error) {
	counts := make(map[models.TaskState]int)
	for _, list := range f.instances {
		for _, ti := range list {
			counts[ti.State]++
		}
	}
	return counts, nil
}

func (f *fakeStore) PruneBefore(context.Context, time.Time) (int64, error) { return 0, nil }

var (
	viewBase = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	viewNow  = viewBase.Add(2 * time.Minute)
)

func vt(d time.Duration) *time.Time {
	t := viewBase.Add(d)
	return &t
}

// seededStore builds an etl dag with a task group, two finished runs,
// and a two-minute window on the newest run.
func seededStore() *fakeStore {
	return &fakeStore{
		dags: []models.Dag{{DagID: "etl", Description: "nightly etl", Schedule: "0 * * * *"}},
		tasks: map[string][]models.Task{
			"etl": {
				{DagID: "etl", TaskID: "extract", IsGroup: true, Position: 0},
				{DagID: "etl", TaskID: "transform", ParentID: "extract", Operator: "PythonOperator", Position: 1},
				{DagID: "etl", TaskID: "load", Operator: "PostgresOperator", Position: 2},
			},
		},
		runs: map[string][]models.DagRun{
			"etl": {
				{DagID: "etl", RunID: "r2", State: models.StateSuccess, RunType: models.RunTypeScheduled,
					StartDate: vt(0), EndDate: vt(2 * time.Minute)},
				{DagID: "etl", RunID: "r1", State: models.StateFailed, RunType: models.RunTypeScheduled,
					StartDate: vt(-time.Hour), EndDate: vt(-time.Hour + time.Minute)},
			},
		},
		instances: map[string][]models.TaskInstance{
			"etl/r2": {
				{DagID: "etl", TaskID: "extract", RunID: "r2", State: models.StateSuccess, TryNumber: 1,
					StartDate: vt(0), EndDate: vt(100 * time.Second)},
				{DagID: "etl", TaskID: "transform", RunID: "r2", State: models.StateSuccess, TryNumber: 1,
					QueuedDttm: vt(20 * time.Second), StartDate: vt(30 * time.Second), EndDate: vt(90 * time.Second)},
				{DagID: "etl", TaskID: "load", RunID: "r2", State: models.StateSuccess, TryNumber: 2,
					StartDate: vt(0), EndDate: vt(2 * time.Minute)},
			},
			"etl/r1": {
				{DagID: "etl", TaskID: "load", RunID: "r1", State: models.StateFailed, TryNumber: 1,
					StartDate: vt(-time.Hour), EndDate: vt(-time.Hour + time.Minute)},
			},
		},
	}
}

func newTestServer(t *testing.T, store db.Store) *Server {
	t.Helper()
	broker := events.NewBroker(10)
	s, err := NewServer(config.Config{
		ListenAddr:      ":0",
		GanttWidth:      500,
		RefreshInterval: time.Second,
		FailCacheTTL:    time.Minute,
		AuthLimit:       10,
		AuthWindow:      time.Minute,
		AuthMaxEntries:  16,
	}, store, broker, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("failed to build server: %v", err)
	}
	s.now = func() time.Time { return viewNow }
	return s
}

func doRequest(s *Server, method, target string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestGanttPageRenders(t *testing.T) {
	s := newTestServer(t, seededStore())

	w := doRequest(s, http.MethodGet, "/dags/etl/gantt", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	for _, want := range []string{
		`class="bar"`,       // at least one task bar
		"Extract",           // humanized group label
		"Transform",         // child rendered because groups default open
		"PostgresOperator",  // operator annotation
		`class="active"`,    // run picker marks the displayed run
		"schedule 0 * * * *",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected page to contain %q", want)
		}
	}
}

func TestGanttPageUnknownDag(t *testing.T) {
	s := newTestServer(t, seededStore())
	w := doRequest(s, http.MethodGet, "/dags/nope/gantt", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGanttPageClosedGroupHidesChildren(t *testing.T) {
	s := newTestServer(t, seededStore())
	w := doRequest(s, http.MethodGet, "/dags/etl/gantt?open=", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if strings.Contains(body, "Transform") {
		t.Error("expected child row hidden when group closed")
	}
	if !strings.Contains(body, "Extract") {
		t.Error("expected group row still present")
	}
}

func TestGanttJSON(t *testing.T) {
	s := newTestServer(t, seededStore())

	w := doRequest(s, http.MethodGet, "/api/dags/etl/gantt.json", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var view GanttView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("failed to decode view: %v", err)
	}
	if view.DagID != "etl" || view.RunID != "r2" {
		t.Errorf("expected newest run displayed, got dag %q run %q", view.DagID, view.RunID)
	}
	if view.Width != 500 {
		t.Errorf("expected width 500, got %v", view.Width)
	}
	if view.WindowStart == nil || !view.WindowStart.Equal(viewBase) {
		t.Errorf("unexpected window start %v", view.WindowStart)
	}
	if view.WindowEnd == nil || !view.WindowEnd.Equal(viewBase.Add(2*time.Minute)) {
		t.Errorf("unexpected window end %v", view.WindowEnd)
	}
	if len(view.Rows) != 2 {
		t.Fatalf("expected 2 root rows, got %d", len(view.Rows))
	}
	if len(view.Ticks) != 5 {
		t.Errorf("expected 5 axis ticks, got %d", len(view.Ticks))
	}
	if view.NextRun == nil {
		t.Error("expected next run from schedule")
	}

	// load spans the whole window: full width, zero offset.
	var load *gantt.Row
	for i := range view.Rows {
		if view.Rows[i].TaskID == "load" {
			load = &view.Rows[i]
		}
	}
	if load == nil {
		t.Fatal("expected load row")
	}
	if load.Bar.Width != 500 || load.Bar.OffsetMargin != 0 {
		t.Errorf("unexpected load geometry: %+v", load.Bar)
	}

	if len(view.Runs) != 2 || !view.Runs[0].Active || view.Runs[1].Active {
		t.Errorf("unexpected run options: %+v", view.Runs)
	}
}

func TestGanttJSONExplicitRun(t *testing.T) {
	s := newTestServer(t, seededStore())

	w := doRequest(s, http.MethodGet, "/api/dags/etl/gantt.json?run_id=r1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var view GanttView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("failed to decode view: %v", err)
	}
	if view.RunID != "r1" || view.RunState != models.StateFailed {
		t.Errorf("expected run r1 failed, got %q %q", view.RunID, view.RunState)
	}
}

func TestSelectionRoundtrip(t *testing.T) {
	s := newTestServer(t, seededStore())

	w := doRequest(s, http.MethodGet, "/api/selection", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var sel models.Selection
	if err := json.Unmarshal(w.Body.Bytes(), &sel); err != nil {
		t.Fatalf("failed to decode selection: %v", err)
	}
	if sel.RunID != "" || sel.TaskID != "" {
		t.Errorf("expected empty selection, got %+v", sel)
	}

	ch, cancel, _ := s.events.Subscribe()
	defer cancel()

	w = doRequest(s, http.MethodPost, "/api/selection", strings.NewReader(`{"run_id":"r1","task_id":"load"}`))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	select {
	case ev := <-ch:
		if ev.Type != events.TypeSelectionChanged || ev.RunID != "r1" || ev.TaskID != "load" {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected selection_changed event")
	}

	w = doRequest(s, http.MethodGet, "/api/selection", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &sel); err != nil {
		t.Fatalf("failed to decode selection: %v", err)
	}
	if sel.RunID != "r1" || sel.TaskID != "load" {
		t.Errorf("expected stored selection, got %+v", sel)
	}
}

func TestSelectionRejectsBadBody(t *testing.T) {
	s := newTestServer(t, seededStore())
	w := doRequest(s, http.MethodPost, "/api/selection", strings.NewReader("{"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestSelectionDrivesDisplayedRun(t *testing.T) {
	s := newTestServer(t, seededStore())
	s.selection.Set(models.Selection{RunID: "r1", TaskID: "load"})

	w := doRequest(s, http.MethodGet, "/api/dags/etl/gantt.json", nil)
	var view GanttView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("failed to decode view: %v", err)
	}
	if view.RunID != "r1" {
		t.Errorf("expected ambient selection to pick r1, got %q", view.RunID)
	}
	var load *gantt.Row
	for i := range view.Rows {
		if view.Rows[i].TaskID == "load" {
			load = &view.Rows[i]
		}
	}
	if load == nil || !load.Selected {
		t.Error("expected load row marked selected")
	}
}

func TestHealthz(t *testing.T) {
	store := seededStore()
	s := newTestServer(t, store)

	w := doRequest(s, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	store.pingErr = context.DeadlineExceeded
	w = doRequest(s, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestIndexRedirectsToDefaultDag(t *testing.T) {
	s := newTestServer(t, seededStore())
	s.defaultDag = "etl"

	w := doRequest(s, http.MethodGet, "/", nil)
	if w.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "/dags/etl/gantt" {
		t.Errorf("unexpected redirect target %q", loc)
	}
}

func TestIndexListsDags(t *testing.T) {
	s := newTestServer(t, seededStore())
	w := doRequest(s, http.MethodGet, "/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "/dags/etl/gantt") {
		t.Error("expected dag link on index page")
	}
}

func TestEventsRejectsUnknownType(t *testing.T) {
	s := newTestServer(t, seededStore())
	w := doRequest(s, http.MethodGet, "/events?type=bogus", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

// authServer builds a server through NewServer so the auth wiring under
// test matches production. The base config leaves auth off.
func authServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Config{
		ListenAddr:     ":0",
		GanttWidth:     500,
		AuthLimit:      10,
		AuthWindow:     time.Minute,
		AuthMaxEntries: 16,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewServer(cfg, &fakeStore{}, events.NewBroker(1), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("failed to build server: %v", err)
	}
	return s
}

func authRequest(s *Server, target, remoteAddr, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestAuthOffByDefault(t *testing.T) {
	s := authServer(t, nil)
	if w := authRequest(s, "/healthz", "", ""); w.Code != http.StatusOK {
		t.Fatalf("expected open access when auth unconfigured, got %d", w.Code)
	}
}

func TestAuthBearerToken(t *testing.T) {
	s := authServer(t, func(c *config.Config) { c.AuthToken = "hunter2" })

	if w := authRequest(s, "/healthz", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", w.Code)
	}
	if w := authRequest(s, "/healthz", "", "Bearer wrong"); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong token, got %d", w.Code)
	}
	if w := authRequest(s, "/healthz", "", "Bearer hunter2"); w.Code != http.StatusOK {
		t.Fatalf("expected 200 with the configured token, got %d", w.Code)
	}
}

func TestAuthRepeatedFailuresRateLimited(t *testing.T) {
	s := authServer(t, func(c *config.Config) {
		c.AuthToken = "hunter2"
		c.AuthLimit = 1
	})

	if w := authRequest(s, "/metrics", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on first attempt, got %d", w.Code)
	}
	if w := authRequest(s, "/metrics", "", ""); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once over the limit, got %d", w.Code)
	}
	// Valid credentials skip the limiter entirely.
	if w := authRequest(s, "/healthz", "", "Bearer hunter2"); w.Code != http.StatusOK {
		t.Fatalf("expected valid credentials to keep working, got %d", w.Code)
	}
}

func TestAuthAllowlist(t *testing.T) {
	s := authServer(t, func(c *config.Config) { c.AllowCIDRs = []string{"10.9.0.0/16"} })

	if w := authRequest(s, "/healthz", "203.0.113.7:9999", ""); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for host outside the allowlist, got %d", w.Code)
	}
	if w := authRequest(s, "/healthz", "10.9.4.2:9999", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for allowlisted host, got %d", w.Code)
	}
}

func mintSessionToken(t *testing.T, secret string, claims map[string]any) string {
	t.Helper()
	encode := func(v any) string {
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("failed to marshal token part: %v", err)
		}
		return base64.RawURLEncoding.EncodeToString(raw)
	}
	signingInput := encode(map[string]string{"alg": "HS256"}) + "." + encode(claims)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestAuthSessionToken(t *testing.T) {
	s := authServer(t, func(c *config.Config) { c.SessionSecret = "s3cret" })

	claims := map[string]any{
		"aud":  "gantt-ui",
		"iss":  "airflow-gantt",
		"role": "viewer",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	token := mintSessionToken(t, "s3cret", claims)
	if w := authRequest(s, "/healthz", "", "Bearer "+token); w.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid session token, got %d", w.Code)
	}

	forged := mintSessionToken(t, "other-secret", claims)
	if w := authRequest(s, "/healthz", "", "Bearer "+forged); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for token signed with the wrong secret, got %d", w.Code)
	}
	if w := authRequest(s, "/healthz", "", "Bearer not-a-session-token"); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for malformed token, got %d", w.Code)
	}
}

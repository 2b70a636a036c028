package web

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mwebazejunior/airflow/internal/config"
	"github.com/mwebazejunior/airflow/internal/db"
	"github.com/mwebazejunior/airflow/internal/events"
	"github.com/mwebazejunior/airflow/internal/gantt"
	"github.com/mwebazejunior/airflow/internal/metrics"
	"github.com/mwebazejunior/airflow/internal/models"
)

// Server serves the chart pages, the JSON API, and the event stream.
type Server struct {
	store      db.Store
	selection  *MemorySelectionStore
	failures   gantt.FailureSource
	events     *events.Broker
	logger     *slog.Logger
	addr       string
	defaultDag string
	width      float64
	refresh    time.Duration
	shutdown   time.Duration
	token      string
	secret     string
	limiter    *authLimiter
	allow      *CIDRAllowlist
	tls        *tls.Config
	now        func() time.Time
}

func NewServer(cfg config.Config, store db.Store, broker *events.Broker, logger *slog.Logger) (*Server, error) {
	allow, err := ParseCIDRAllowlist(strings.Join(cfg.AllowCIDRs, ","))
	if err != nil {
		return nil, err
	}
	tlsConfig, err := BuildTLSConfig(cfg.TLSCert, cfg.TLSKey, cfg.TLSClientCA)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:      store,
		selection:  NewMemorySelectionStore(broker),
		failures:   NewFailCache(store, cfg.FailCacheTTL, logger, broker),
		events:     broker,
		logger:     logger,
		addr:       cfg.ListenAddr,
		defaultDag: cfg.DefaultDagID,
		width:      cfg.GanttWidth,
		refresh:    cfg.RefreshInterval,
		shutdown:   cfg.ShutdownTimeout,
		token:      cfg.AuthToken,
		secret:     cfg.SessionSecret,
		limiter:    newAuthLimiter(cfg.AuthLimit, cfg.AuthWindow, cfg.AuthMaxEntries),
		allow:      allow,
		tls:        tlsConfig,
		now:        time.Now,
	}, nil
}

// Connection limits for the listener. The SSE handler clears its own
// write deadline, every other response must finish inside these.
const (
	headerReadLimit  = 5 * time.Second
	requestReadLimit = 10 * time.Second
	responseLimit    = 10 * time.Second
	connIdleLimit    = 60 * time.Second
	headerByteLimit  = 1 << 20
)

// Start runs the listener until ctx is cancelled, then drains in-flight
// requests within the configured shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		TLSConfig:         s.tls,
		ReadHeaderTimeout: headerReadLimit,
		ReadTimeout:       requestReadLimit,
		WriteTimeout:      responseLimit,
		IdleTimeout:       connIdleLimit,
		MaxHeaderBytes:    headerByteLimit,
	}

	stop := context.AfterFunc(ctx, func() {
		timeout := s.shutdown
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		drainCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(drainCtx); err != nil {
			s.log().Warn("Server shutdown error", "error", err)
		}
	})
	defer stop()

	if s.tls != nil {
		return srv.ListenAndServeTLS("", "")
	}
	return srv.ListenAndServe()
}

// Handler builds the route table. Split out from Start for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /dags/{dagID}/gantt", s.handleGanttPage)
	mux.HandleFunc("GET /api/dags/{dagID}/gantt.json", s.handleGanttJSON)
	mux.HandleFunc("GET /api/selection", s.handleGetSelection)
	mux.HandleFunc("POST /api/selection", s.handleSetSelection)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	if s.defaultDag != "" {
		http.Redirect(w, r, "/dags/"+url.PathEscape(s.defaultDag)+"/gantt", http.StatusFound)
		return
	}
	dags, err := s.store.Dags(r.Context())
	if err != nil {
		s.logger.Warn("Dag listing failed", "error", err)
		http.Error(w, "dag listing failed", http.StatusInternalServerError)
		return
	}
	renderIndex(w, dags)
}

func (s *Server) handleGanttPage(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	q := parseViewQuery(r.PathValue("dagID"), r.URL.Query())
	view, open, err := s.buildGanttView(r.Context(), q)
	if err != nil {
		s.writeViewError(w, q.dagID, err)
		return
	}
	renderPage(w, ganttPageData{
		View:      view,
		Rows:      flattenRows(view.Rows, q, open),
		Legend:    stateLegend(),
		RefreshMS: s.refresh.Milliseconds(),
	})
}

func (s *Server) handleGanttJSON(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	q := parseViewQuery(r.PathValue("dagID"), r.URL.Query())
	view, _, err := s.buildGanttView(r.Context(), q)
	if err != nil {
		s.writeViewError(w, q.dagID, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(view); err != nil {
		s.logger.Warn("Chart encode failed", "dag_id", q.dagID, "error", err)
	}
}

func (s *Server) writeViewError(w http.ResponseWriter, dagID string, err error) {
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, fmt.Sprintf("dag %q not found", dagID), http.StatusNotFound)
		return
	}
	s.logger.Warn("Chart build failed", "dag_id", dagID, "error", err)
	http.Error(w, "chart build failed", http.StatusInternalServerError)
}

func (s *Server) handleGetSelection(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.selection.Get())
}

func (s *Server) handleSetSelection(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	var sel models.Selection
	body := http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(body).Decode(&sel); err != nil {
		http.Error(w, "invalid selection body", http.StatusBadRequest)
		return
	}
	s.selection.Set(sel)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("Health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	promhttp.Handler().ServeHTTP(w, r)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	if s.events == nil {
		http.Error(w, "events not configured", http.StatusNotFound)
		return
	}
	filter, err := parseEventFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	// Long-lived stream, the server-wide write deadline must not apply.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	metrics.SSEClients.Inc()
	defer metrics.SSEClients.Dec()

	// send reports false once the client is gone or the payload cannot
	// be written; filtered-out events count as sent.
	send := func(event events.Event) bool {
		if !filter.Matches(event) {
			return true
		}
		payload, err := json.Marshal(event)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	ch, cancel, snapshot := s.events.Subscribe()
	defer cancel()
	for _, event := range snapshot {
		if !send(event) {
			return
		}
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-ch:
			if !send(event) {
				return
			}
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// authorize gates every handler. Allowlisted hosts are checked first,
// then bearer credentials when auth is configured. Failed attempts
// count against the per-host limiter.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	host := remoteHost(r.RemoteAddr)
	if s.allow != nil && !s.allow.Allows(host) {
		s.deny(w, r, host, "allowlist", http.StatusForbidden, "forbidden")
		return false
	}
	if s.token == "" && s.secret == "" {
		return true
	}
	if token, ok := bearerToken(r); ok {
		if s.token != "" && token == s.token {
			return true
		}
		if s.secret != "" && verifySessionToken(token, s.secret) {
			return true
		}
	}
	s.deny(w, r, host, "credentials", http.StatusUnauthorized, "unauthorized")
	return false
}

func (s *Server) deny(w http.ResponseWriter, r *http.Request, host, reason string, status int, body string) {
	if s.limiter != nil && !s.limiter.allow(host, time.Now()) {
		status = http.StatusTooManyRequests
		body = "rate limited"
	}
	s.log().Warn(
		"Request denied",
		"path", r.URL.Path,
		"method", r.Method,
		"remote_addr", r.RemoteAddr,
		"remote_host", host,
		"reason", reason,
		"rate_limited", status == http.StatusTooManyRequests,
	)
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "bearer "
	header := r.Header.Get("Authorization")
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func (s *Server) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

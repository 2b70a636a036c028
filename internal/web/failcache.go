package web

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mwebazejunior/airflow/internal/db"
	"github.com/mwebazejunior/airflow/internal/events"
	"github.com/mwebazejunior/airflow/internal/gantt"
	"github.com/mwebazejunior/airflow/internal/metrics"
	"github.com/mwebazejunior/airflow/internal/models"
)

const (
	defaultFailTTL  = 30 * time.Second
	failFillTimeout = 5 * time.Second
)

// FailCache serves retry fail history to the overlay without blocking a
// render. A miss starts a background fill and reports unloaded; the
// fails_loaded event tells open charts to re-render once data is in.
type FailCache struct {
	store  db.Store
	ttl    time.Duration
	logger *slog.Logger
	events events.Publisher

	mu       sync.Mutex
	entries  map[string]failEntry
	inflight map[string]bool
}

type failEntry struct {
	fails    []models.TaskFail
	loadedAt time.Time
}

func NewFailCache(store db.Store, ttl time.Duration, logger *slog.Logger, pub events.Publisher) *FailCache {
	if ttl <= 0 {
		ttl = defaultFailTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	return &FailCache{
		store:    store,
		ttl:      ttl,
		logger:   logger,
		events:   pub,
		entries:  make(map[string]failEntry),
		inflight: make(map[string]bool),
	}
}

func (c *FailCache) Fetch(ctx context.Context, q gantt.FailQuery) ([]models.TaskFail, bool) {
	if !q.Enabled || q.TaskID == "" {
		return nil, false
	}
	key := q.DagID + "/" + q.RunID + "/" + q.TaskID

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && time.Since(entry.loadedAt) < c.ttl {
		fails := entry.fails
		c.mu.Unlock()
		metrics.FailureFetches.WithLabelValues(metrics.FetchHit).Inc()
		return fails, true
	}
	if !c.inflight[key] {
		c.inflight[key] = true
		go c.fill(key, q)
	}
	c.mu.Unlock()

	metrics.FailureFetches.WithLabelValues(metrics.FetchMiss).Inc()
	return nil, false
}

func (c *FailCache) fill(key string, q gantt.FailQuery) {
	ctx, cancel := context.WithTimeout(context.Background(), failFillTimeout)
	defer cancel()

	fails, err := c.store.TaskFails(ctx, q.DagID, q.TaskID, q.RunID)

	c.mu.Lock()
	delete(c.inflight, key)
	if err == nil {
		c.entries[key] = failEntry{fails: fails, loadedAt: time.Now()}
	}
	c.mu.Unlock()

	if err != nil {
		metrics.FailureFetches.WithLabelValues(metrics.FetchError).Inc()
		c.logger.Warn("Fail history load failed",
			"dag_id", q.DagID, "task_id", q.TaskID, "run_id", q.RunID, "error", err)
		return
	}
	c.events.Publish(events.Event{
		Type:   events.TypeFailsLoaded,
		DagID:  q.DagID,
		RunID:  q.RunID,
		TaskID: q.TaskID,
	})
}

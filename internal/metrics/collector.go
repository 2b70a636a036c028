package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mwebazejunior/airflow/internal/models"
)

const (
	defaultInterval = 15 * time.Second
	queryTimeout    = 2 * time.Second
)

// Instrumentation used by the web layer.
var (
	RendersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gantt_renders_total",
		Help: "Total number of chart layouts computed",
	}, []string{"dag"})

	RenderDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gantt_render_duration_seconds",
		Help:    "Time taken to compute a chart layout",
		Buckets: prometheus.DefBuckets,
	}, []string{"dag"})

	SelectionUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gantt_selection_updates_total",
		Help: "Total number of run/task selection changes",
	})

	FailureFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gantt_failure_fetches_total",
		Help: "Total number of task fail history lookups",
	}, []string{"outcome"})

	SSEClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gantt_sse_clients",
		Help: "Number of connected event stream clients",
	})
)

// Outcome labels for FailureFetches.
const (
	FetchHit   = "hit"
	FetchMiss  = "miss"
	FetchError = "error"
)

var instancesByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "gantt_task_instances",
	Help: "Number of stored task instances by state",
}, []string{"state"})

// StateCounter is the slice of the store the collector needs.
type StateCounter interface {
	StateCounts(ctx context.Context) (map[models.TaskState]int, error)
}

// StartCollector polls the store for instance state counts until ctx is
// cancelled. The first sample is taken immediately.
func StartCollector(ctx context.Context, store StateCounter, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = defaultInterval
	}
	c := stateCollector{store: store, logger: logger}
	go c.run(ctx, interval)
}

type stateCollector struct {
	store  StateCounter
	logger *slog.Logger
}

func (c stateCollector) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		c.collect(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c stateCollector) collect(ctx context.Context) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	counts, err := c.store.StateCounts(queryCtx)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("State metrics collection failed", "error", err)
		}
		return
	}
	// Every known state gets set, zeroing those with no rows so stale
	// values do not linger.
	for _, state := range models.TaskStates {
		instancesByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

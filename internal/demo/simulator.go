package demo

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/mwebazejunior/airflow/internal/db"
	"github.com/mwebazejunior/airflow/internal/events"
	"github.com/mwebazejunior/airflow/internal/models"
)

const (
	defaultTick       = 2 * time.Second
	defaultFailChance = 0.2
)

// Simulator animates a live run of the first example dag, one state
// transition per tick. It stands in for a scheduler in demo mode:
// every transition lands in the store and on the event broker, so open
// charts move on their own.
type Simulator struct {
	store      db.Store
	events     events.Publisher
	logger     *slog.Logger
	tick       time.Duration
	rng        *rand.Rand
	failChance float64

	spec dagSpec
	run  *models.DagRun
	inst *models.TaskInstance
	idx  int
}

func NewSimulator(store db.Store, pub events.Publisher, logger *slog.Logger, tick time.Duration, seed int64) *Simulator {
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if tick <= 0 {
		tick = defaultTick
	}
	return &Simulator{
		store:      store,
		events:     pub,
		logger:     logger,
		tick:       tick,
		rng:        rand.New(rand.NewSource(seed)),
		failChance: defaultFailChance,
		spec:       exampleDags()[0],
	}
}

// Start ticks until ctx is cancelled. Jitter on the ticker keeps two
// instances pointed at one database from moving in lockstep.
func (s *Simulator) Start(ctx context.Context) error {
	s.logger.Info("Starting demo simulator", "dag_id", s.spec.dag.DagID, "tick", s.tick)

	jitter := time.Duration(s.rng.Intn(200)) * time.Millisecond
	ticker := time.NewTicker(s.tick + jitter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Demo simulator stopped")
			return nil
		case <-ticker.C:
			if err := s.step(ctx, time.Now()); err != nil {
				s.logger.Error("Demo step failed", "error", err)
			}
		}
	}
}

// step applies one transition: create the next run, advance one task,
// or close the run out.
func (s *Simulator) step(ctx context.Context, now time.Time) error {
	switch {
	case s.run == nil:
		return s.startRun(ctx, now)
	case s.idx >= len(s.spec.leaves):
		return s.completeRun(ctx, now)
	default:
		return s.advanceTask(ctx, now)
	}
}

func (s *Simulator) startRun(ctx context.Context, now time.Time) error {
	now = now.UTC()
	run := models.DagRun{
		DagID:     s.spec.dag.DagID,
		RunID:     "manual__" + now.Format("2006-01-02T15:04:05"),
		State:     models.StateRunning,
		RunType:   models.RunTypeManual,
		QueuedAt:  &now,
		StartDate: &now,
	}
	if err := s.store.UpsertDagRun(ctx, run); err != nil {
		return err
	}
	s.run = &run
	s.idx = 0
	s.inst = nil
	s.events.Publish(events.Event{
		Type:  events.TypeRunsChanged,
		DagID: run.DagID,
		RunID: run.RunID,
		State: string(run.State),
	})
	s.logger.Info("Demo run started", "dag_id", run.DagID, "run_id", run.RunID)
	return nil
}

func (s *Simulator) advanceTask(ctx context.Context, now time.Time) error {
	now = now.UTC()
	taskID := s.spec.leaves[s.idx]

	if s.inst == nil {
		s.inst = &models.TaskInstance{
			DagID:      s.run.DagID,
			TaskID:     taskID,
			RunID:      s.run.RunID,
			State:      models.StateQueued,
			TryNumber:  1,
			QueuedDttm: &now,
		}
		return s.writeInstance(ctx)
	}

	switch s.inst.State {
	case models.StateQueued, models.StateUpForRetry:
		start := now
		s.inst.State = models.StateRunning
		s.inst.StartDate = &start
		return s.writeInstance(ctx)
	case models.StateRunning:
		if s.inst.TryNumber == 1 && s.rng.Float64() < s.failChance {
			// Record the failed attempt, then retry from scratch. The
			// instance keeps its old start until the retry begins.
			fail := models.TaskFail{
				DagID:     s.inst.DagID,
				TaskID:    s.inst.TaskID,
				RunID:     s.inst.RunID,
				StartDate: s.inst.StartDate,
				EndDate:   &now,
			}
			if err := s.store.InsertTaskFail(ctx, fail); err != nil {
				return err
			}
			s.inst.State = models.StateUpForRetry
			s.inst.TryNumber = 2
			return s.writeInstance(ctx)
		}
		end := now
		s.inst.State = models.StateSuccess
		s.inst.EndDate = &end
		if err := s.writeInstance(ctx); err != nil {
			return err
		}
		s.idx++
		s.inst = nil
		return nil
	default:
		s.inst = nil
		return nil
	}
}

func (s *Simulator) completeRun(ctx context.Context, now time.Time) error {
	now = now.UTC()
	run := *s.run
	run.State = models.StateSuccess
	run.EndDate = &now
	if err := s.store.UpsertDagRun(ctx, run); err != nil {
		return err
	}
	s.events.Publish(events.Event{
		Type:  events.TypeRunsChanged,
		DagID: run.DagID,
		RunID: run.RunID,
		State: string(run.State),
	})
	s.logger.Info("Demo run finished", "dag_id", run.DagID, "run_id", run.RunID)
	s.run = nil
	return nil
}

// writeInstance persists the current instance, rolls its groups up, and
// announces the change.
func (s *Simulator) writeInstance(ctx context.Context) error {
	if err := s.store.UpsertTaskInstance(ctx, *s.inst); err != nil {
		return err
	}
	if err := s.refreshGroups(ctx); err != nil {
		return err
	}
	s.events.Publish(events.Event{
		Type:   events.TypeStateChanged,
		DagID:  s.inst.DagID,
		RunID:  s.inst.RunID,
		TaskID: s.inst.TaskID,
		State:  string(s.inst.State),
	})
	return nil
}

func (s *Simulator) refreshGroups(ctx context.Context) error {
	instances, err := s.store.TaskInstances(ctx, s.run.DagID, s.run.RunID)
	if err != nil {
		return err
	}
	for _, agg := range aggregateGroupInstances(s.spec, instances) {
		if err := s.store.UpsertTaskInstance(ctx, agg); err != nil {
			return err
		}
	}
	return nil
}

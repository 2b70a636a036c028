package web

import (
	"sync"

	"github.com/mwebazejunior/airflow/internal/events"
	"github.com/mwebazejunior/airflow/internal/metrics"
	"github.com/mwebazejunior/airflow/internal/models"
)

// MemorySelectionStore holds the active run/task selection shared by
// every open chart. Changes are announced on the event broker.
type MemorySelectionStore struct {
	mu     sync.RWMutex
	sel    models.Selection
	events events.Publisher
}

func NewMemorySelectionStore(pub events.Publisher) *MemorySelectionStore {
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	return &MemorySelectionStore{events: pub}
}

func (s *MemorySelectionStore) Get() models.Selection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sel
}

func (s *MemorySelectionStore) Set(sel models.Selection) {
	s.mu.Lock()
	if s.sel == sel {
		s.mu.Unlock()
		return
	}
	s.sel = sel
	s.mu.Unlock()

	metrics.SelectionUpdates.Inc()
	s.events.Publish(events.Event{
		Type:   events.TypeSelectionChanged,
		RunID:  sel.RunID,
		TaskID: sel.TaskID,
	})
}

package gantt

import "github.com/mwebazejunior/airflow/internal/models"

// SelectionStore is the ambient (run, task) focus owned by the
// surrounding application. The layout reads it to resolve the active
// run and to highlight the focused task; it writes only through Set.
type SelectionStore interface {
	Get() models.Selection
	Set(models.Selection)
}

// Selector compares rows to the ambient selection and dispatches
// updates when the user picks an instance.
type Selector struct {
	Store SelectionStore
}

// Current returns the ambient selection, zero when no store is wired.
func (s Selector) Current() models.Selection {
	if s.Store == nil {
		return models.Selection{}
	}
	return s.Store.Get()
}

// Selected reports whether ti is the focused task. The run id is
// already matched when the instance was resolved, so the task id alone
// decides.
func (s Selector) Selected(ti *models.TaskInstance) bool {
	if s.Store == nil || ti == nil {
		return false
	}
	return s.Store.Get().TaskID == ti.TaskID
}

// Select makes ti the ambient selection. The dispatch is immediate and
// synchronous.
func (s Selector) Select(ti *models.TaskInstance) {
	if s.Store == nil || ti == nil {
		return
	}
	s.Store.Set(models.Selection{RunID: ti.RunID, TaskID: ti.TaskID})
}

// Package gantt lays out task execution intervals on a fixed-width
// pixel timeline. All geometry is derived from read-only snapshots;
// nothing here mutates model data.
package gantt

import (
	"time"

	"github.com/mwebazejunior/airflow/internal/models"
)

// DefaultWidth is the chart width in pixels when the caller supplies
// none.
const DefaultWidth = 500.0

// MinBarWidth keeps short intervals visible. A bar whose source
// duration is positive never renders narrower than this.
const MinBarWidth = 5.0

// Duration returns b minus a. Either side missing yields zero, so
// absent timestamps degrade to empty intervals instead of errors.
func Duration(a, b *time.Time) time.Duration {
	if a == nil || b == nil {
		return 0
	}
	return b.Sub(*a)
}

// QueuedValid reports whether the queued timestamp marks a real waiting
// interval: it must exist and precede the start strictly. A queued time
// at or after the start carries no information and is suppressed.
func QueuedValid(queued, start *time.Time) bool {
	if queued == nil {
		return false
	}
	return start == nil || queued.Before(*start)
}

// Window is the shared reference interval for the whole chart. Either
// bound may be nil.
type Window struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Duration is the window's span, zero when either bound is missing.
func (w Window) Duration() time.Duration { return Duration(w.Start, w.End) }

// Valid reports whether the window can scale intervals. A missing
// bound, a zero span, or an inverted span all make the window
// degenerate; degenerate windows lay out nothing rather than dividing
// by zero.
func (w Window) Valid() bool { return w.Duration() > 0 }

// Mapper scales absolute time intervals into pixel geometry within a
// fixed total width.
type Mapper struct {
	Window Window
	Width  float64
}

// NewMapper builds a Mapper, substituting DefaultWidth for a
// non-positive width.
func NewMapper(w Window, width float64) Mapper {
	if width <= 0 {
		width = DefaultWidth
	}
	return Mapper{Window: w, Width: width}
}

// scale converts a duration to pixels as a fraction of the window.
func (m Mapper) scale(d time.Duration) float64 {
	run := m.Window.Duration()
	if run <= 0 {
		return 0
	}
	return float64(d) / float64(run) * m.Width
}

// BarWidth returns the pixel width of the [from, to] interval with the
// minimum-width floor applied. Empty or inverted intervals, and every
// interval under a degenerate window, render as zero width and take no
// floor.
func (m Mapper) BarWidth(from, to *time.Time) float64 {
	d := Duration(from, to)
	if d <= 0 || !m.Window.Valid() {
		return 0
	}
	if w := m.scale(d); w > MinBarWidth {
		return w
	}
	return MinBarWidth
}

// Offset returns the pixel offset of ts from the window's left edge.
// No floor applies and no clamping happens: a timestamp before the
// window maps to a negative offset.
func (m Mapper) Offset(ts *time.Time) float64 {
	if !m.Window.Valid() {
		return 0
	}
	return m.scale(Duration(m.Window.Start, ts))
}

// BarGeometry is the layout of one instance bar: a left margin from the
// window edge, an optional queued segment rendered ahead of the main
// segment, and the main segment itself. All values are pixels.
type BarGeometry struct {
	OffsetMargin float64 `json:"offset_margin"`
	QueuedWidth  float64 `json:"queued_width"`
	Width        float64 `json:"width"`
}

// Empty reports whether the bar has nothing visible to draw.
func (g BarGeometry) Empty() bool { return g.Width == 0 && g.QueuedWidth == 0 }

// InstanceBar lays out one task instance against the window. The bar is
// anchored at the queued timestamp when the queued interval is valid,
// otherwise at the start timestamp. A degenerate window or a nil
// instance yields zero geometry.
func (m Mapper) InstanceBar(ti *models.TaskInstance) BarGeometry {
	if ti == nil || !m.Window.Valid() {
		return BarGeometry{}
	}
	g := BarGeometry{Width: m.BarWidth(ti.StartDate, ti.EndDate)}
	anchor := ti.StartDate
	if QueuedValid(ti.QueuedDttm, ti.StartDate) {
		g.QueuedWidth = m.BarWidth(ti.QueuedDttm, ti.StartDate)
		anchor = ti.QueuedDttm
	}
	g.OffsetMargin = m.Offset(anchor)
	return g
}

package spread

import (
	"math"
	"sync"
)

// MarkupTracker keeps an EMA of the observed execution markup of a venue,
// clamped to [0, max].
type MarkupTracker struct {
	mu      sync.Mutex
	value   float64
	alpha   float64
	max     float64
	samples int
}

// NewMarkupTracker seeds the EMA with initial.
func NewMarkupTracker(initial, alpha, max float64) *MarkupTracker {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	t := &MarkupTracker{alpha: alpha, max: max}
	t.value = t.clamp(initial)
	return t
}

func (t *MarkupTracker) clamp(v float64) float64 {
	v = math.Max(0, v)
	if t.max > 0 {
		v = math.Min(v, t.max)
	}
	return v
}

// Observe folds one markup sample (percent) into the EMA.
func (t *MarkupTracker) Observe(pct float64) {
	if math.IsNaN(pct) || math.IsInf(pct, 0) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.value = t.clamp(t.alpha*pct + (1-t.alpha)*t.value)
	t.samples++
}

// Value returns the current markup percent.
func (t *MarkupTracker) Value() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

// Samples returns how many fills were observed.
func (t *MarkupTracker) Samples() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.samples
}

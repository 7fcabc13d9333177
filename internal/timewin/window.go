// Package timewin implements sliding-window counting over timestamped
// events. A Window retains only entries newer than its horizon; callers are
// expected to prune before reading counts so stale entries never skew a
// decision. Windows are not safe for concurrent use, the owning component
// guards them with its own lock.
package timewin

import "time"

type Window struct {
	horizon time.Duration
	maxLen  int
	stamps  []time.Time
}

func New(horizon time.Duration) *Window {
	return &Window{horizon: horizon}
}

// NewBounded keeps at most maxLen newest entries in addition to the time
// horizon.
func NewBounded(horizon time.Duration, maxLen int) *Window {
	return &Window{horizon: horizon, maxLen: maxLen}
}

func (w *Window) Add(at time.Time) {
	w.stamps = append(w.stamps, at)
	if w.maxLen > 0 && len(w.stamps) > w.maxLen {
		w.stamps = w.stamps[len(w.stamps)-w.maxLen:]
	}
}

// Prune drops entries at or older than now minus the horizon.
func (w *Window) Prune(now time.Time) {
	cutoff := now.Add(-w.horizon)
	kept := w.stamps[:0]
	for _, s := range w.stamps {
		if s.After(cutoff) {
			kept = append(kept, s)
		}
	}
	w.stamps = kept
}

func (w *Window) Len() int {
	return len(w.stamps)
}

// CountWithin counts entries newer than now minus d, without pruning.
func (w *Window) CountWithin(now time.Time, d time.Duration) int {
	cutoff := now.Add(-d)
	n := 0
	for _, s := range w.stamps {
		if s.After(cutoff) {
			n++
		}
	}
	return n
}

func (w *Window) Reset() {
	w.stamps = w.stamps[:0]
}

// Stamps returns the retained timestamps, oldest first.
func (w *Window) Stamps() []time.Time {
	out := make([]time.Time, len(w.stamps))
	copy(out, w.stamps)
	return out
}

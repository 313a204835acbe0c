package isolation

import "time"

// slidingWindow counts events in a trailing window. Callers serialize access.
type slidingWindow struct {
	window time.Duration
	events []time.Time
}

func newSlidingWindow(window time.Duration) *slidingWindow {
	if window <= 0 {
		window = time.Minute
	}
	return &slidingWindow{window: window}
}

// prune drops events at or before now-window.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	kept := w.events[:0]
	for _, ts := range w.events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.events = kept
}

// count returns the events inside the window ending at now.
func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.events)
}

// exceeded reports whether another event would break limit. A limit of zero
// or less never trips.
func (w *slidingWindow) exceeded(now time.Time, limit int) bool {
	if limit <= 0 {
		return false
	}
	return w.count(now) >= limit
}

// hit records an event at now.
func (w *slidingWindow) hit(now time.Time) {
	w.events = append(w.events, now)
}

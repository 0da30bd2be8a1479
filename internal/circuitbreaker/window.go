package circuitbreaker

// Window is a fixed-size ring of call outcomes with a running failure count.
// It is not safe for concurrent use; owners hold their own lock around it.
type Window struct {
	slots    []bool // true = failed
	head     int    // next write position
	count    int    // outcomes recorded, up to len(slots)
	failures int
}

// NewWindow creates a window tracking the most recent size outcomes.
// size must be positive.
func NewWindow(size int) *Window {
	return &Window{slots: make([]bool, size)}
}

// Observe records one outcome, evicting the oldest when the window is full.
func (w *Window) Observe(failed bool) {
	if w.count == len(w.slots) {
		if w.slots[w.head] {
			w.failures--
		}
	} else {
		w.count++
	}

	w.slots[w.head] = failed
	if failed {
		w.failures++
	}
	w.head = (w.head + 1) % len(w.slots)
}

// FailureRate returns the failure ratio over recorded outcomes, 0 when empty.
func (w *Window) FailureRate() float64 {
	if w.count == 0 {
		return 0
	}
	return float64(w.failures) / float64(w.count)
}

// Full reports whether the window has wrapped at least once.
func (w *Window) Full() bool { return w.count == len(w.slots) }

// Len returns the number of outcomes currently recorded.
func (w *Window) Len() int { return w.count }

// Reset clears all recorded outcomes.
func (w *Window) Reset() {
	w.head = 0
	w.count = 0
	w.failures = 0
	for i := range w.slots {
		w.slots[i] = false
	}
}

package health

import (
	"sync"
	"time"
)

// Window counts events inside a trailing time window
type Window struct {
	mu     sync.Mutex
	size   time.Duration
	events []time.Time
}

// NewWindow creates a window of the given length
func NewWindow(size time.Duration) *Window {
	return &Window{size: size}
}

// Add records an event at now and returns how many fall inside the window
func (w *Window) Add(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, now)
	w.prune(now)
	return len(w.events)
}

// Count returns how many events fall inside the window at now
func (w *Window) Count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return len(w.events)
}

// Reset forgets all events
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = nil
}

// prune removes events outside the window
func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.size)
	keep := w.events[:0]
	for _, t := range w.events {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	w.events = keep
}

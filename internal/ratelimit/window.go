// Package ratelimit implements the per-caller sliding-window request counter.
package ratelimit

import (
	"sync"
	"time"
)

// Window counts request timestamps per caller over a trailing interval.
// Allow is a pure read; Record appends. Growth between two Prune calls is
// bounded only by how often callers submit.
type Window struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	limit   int
	length  time.Duration
	now     func() time.Time
}

// Option configures a Window.
type Option func(*Window)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Window) { w.now = now }
}

// New creates a window allowing fewer than limit requests per length.
func New(limit int, length time.Duration, opts ...Option) *Window {
	w := &Window{
		entries: make(map[string][]time.Time),
		limit:   limit,
		length:  length,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Allow reports whether fewer than limit timestamps for callerID fall
// inside the trailing window.
func (w *Window) Allow(callerID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.countLocked(callerID, w.now()) < w.limit
}

// Record appends now to the caller's history.
func (w *Window) Record(callerID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[callerID] = append(w.entries[callerID], w.now())
}

// RetryAfter returns how long until the oldest in-window request for
// callerID ages out, or 0 when the caller is not limited.
func (w *Window) RetryAfter(callerID string) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if w.countLocked(callerID, now) < w.limit {
		return 0
	}
	cutoff := now.Add(-w.length)
	for _, ts := range w.entries[callerID] {
		if ts.After(cutoff) {
			return ts.Sub(cutoff)
		}
	}
	return 0
}

// Prune drops timestamps older than the window and forgets callers whose
// history becomes empty. It returns the number of callers removed.
func (w *Window) Prune(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.length)
	removed := 0
	for caller, ts := range w.entries {
		kept := ts[:0]
		for _, t := range ts {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(w.entries, caller)
			removed++
			continue
		}
		w.entries[caller] = kept
	}
	return removed
}

// Callers returns how many callers currently have history.
func (w *Window) Callers() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

func (w *Window) countLocked(callerID string, now time.Time) int {
	cutoff := now.Add(-w.length)
	n := 0
	for _, ts := range w.entries[callerID] {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

/*
Copyright © 2025 DegenPotato.

Released under MIT license.
*/

// Package timewindow implements a timestamp-based sliding window that answers
// "how many events happened in the last span" and "when will a slot free up".
//
// Unlike bucket-based approximations, the window keeps the exact timestamps of
// recent events, so limiters built on top of it can sleep until the precise
// moment the oldest recorded event leaves the window.
//
// A Window is not safe for concurrent use. Every limiter owns its windows
// exclusively and guards them with its own mutex.
package timewindow

import "time"

// Window is a bounded list of recent event timestamps covering a fixed span.
type Window struct {
	timestamps []time.Time
	span       time.Duration
}

// New creates a window covering the given span.
func New(span time.Duration) *Window {
	return &Window{span: span}
}

// Span returns the window's time span.
func (w *Window) Span() time.Duration {
	return w.span
}

// Prune drops all timestamps older than now-span.
func (w *Window) Prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.timestamps) && !w.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[i:]...)
	}
}

// Len returns the number of timestamps currently recorded.
// Call Prune first to get the number of events within the window.
func (w *Window) Len() int {
	return len(w.timestamps)
}

// Allow reports whether one more event fits under max. It prunes first.
// Allow does not record the event; admission and recording are separate so
// a caller can check several windows before committing to all of them.
func (w *Window) Allow(now time.Time, max int) bool {
	w.Prune(now)
	return len(w.timestamps) < max
}

// Record appends an event timestamp. Timestamps must be non-decreasing.
func (w *Window) Record(now time.Time) {
	w.timestamps = append(w.timestamps, now)
}

// WaitTime returns how long to wait until a slot may free up, floored at zero.
// A zero result means the event is admissible right now. The returned wait is
// no guarantee of admission: another consumer may take the freed slot first,
// so callers must loop check → sleep → re-check.
func (w *Window) WaitTime(now time.Time, max int) time.Duration {
	w.Prune(now)
	if len(w.timestamps) < max {
		return 0
	}
	wait := w.timestamps[0].Add(w.span).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Oldest returns the oldest recorded timestamp and whether the window is non-empty.
func (w *Window) Oldest() (time.Time, bool) {
	if len(w.timestamps) == 0 {
		return time.Time{}, false
	}
	return w.timestamps[0], true
}

// Reset discards all recorded timestamps.
func (w *Window) Reset() {
	w.timestamps = w.timestamps[:0]
}

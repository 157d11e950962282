package ratelimit

import (
	"time"

	"github.com/benbjohnson/clock"
)

// AttemptTracker counts authentication failures per identifier.
type AttemptTracker struct {
	set *windowSet
}

func NewAttemptTracker(clk clock.Clock) *AttemptTracker {
	return &AttemptTracker{set: newWindowSet(clk)}
}

// RecordFailure appends a failure at the current time.
func (t *AttemptTracker) RecordFailure(id string) {
	t.set.with(id, func(w *window, now time.Time) {
		w.times = append(w.times, now)
	})
}

// IsBlocked reports whether id has at least limit failures inside span.
func (t *AttemptTracker) IsBlocked(id string, limit int, span time.Duration) bool {
	return t.Failures(id, span) >= limit
}

// Failures returns the failure count for id inside span.
func (t *AttemptTracker) Failures(id string, span time.Duration) int {
	n := 0
	t.set.peek(id, func(w *window, now time.Time) {
		w.pruneBefore(now.Add(-span))
		n = len(w.times)
	})
	return n
}

// Clear wipes id's failure history.
func (t *AttemptTracker) Clear(id string) {
	t.set.remove(id)
}

// Prune drops identifiers with no failure newer than maxAge.
func (t *AttemptTracker) Prune(maxAge time.Duration) int {
	return t.set.prune(maxAge)
}

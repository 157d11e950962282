// Package ratelimit implements sliding-window admission control and the
// failed-attempt lockout counter used by the security layer.
package ratelimit

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Limiter admits at most max events per identifier within a sliding window.
// Identifiers are independent: a busy IP never slows a quiet session.
type Limiter struct {
	set *windowSet
}

// NewLimiter creates a limiter reading time from clk. A nil clock uses the
// wall clock.
func NewLimiter(clk clock.Clock) *Limiter {
	return &Limiter{set: newWindowSet(clk)}
}

// Allow prunes id's history to span, then records now and returns
// true if fewer than max events remain. A denied call records nothing.
func (l *Limiter) Allow(id string, max int, span time.Duration) bool {
	if max <= 0 {
		return false
	}

	allowed := false
	l.set.with(id, func(w *window, now time.Time) {
		w.pruneBefore(now.Add(-span))
		if len(w.times) < max {
			w.times = append(w.times, now)
			allowed = true
		}
	})
	return allowed
}

// Count returns how many events id has inside span.
func (l *Limiter) Count(id string, span time.Duration) int {
	n := 0
	l.set.peek(id, func(w *window, now time.Time) {
		w.pruneBefore(now.Add(-span))
		n = len(w.times)
	})
	return n
}

// Reset forgets id's history.
func (l *Limiter) Reset(id string) {
	l.set.remove(id)
}

// Prune drops identifiers idle for longer than maxAge.
func (l *Limiter) Prune(maxAge time.Duration) int {
	return l.set.prune(maxAge)
}

// Len returns the number of tracked identifiers.
func (l *Limiter) Len() int {
	return l.set.size()
}

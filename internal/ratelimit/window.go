package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// window is the ordered timestamp history of one identifier.
type window struct {
	mu    sync.Mutex
	times []time.Time
	// dead marks a window removed from its set; holders must reload.
	dead bool
}

// pruneBefore drops every timestamp strictly before horizon.
func (w *window) pruneBefore(horizon time.Time) {
	i := 0
	for i < len(w.times) && w.times[i].Before(horizon) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

// windowSet maps identifiers to windows. The set lock only guards the map;
// each window serialises its own history.
type windowSet struct {
	clock   clock.Clock
	mu      sync.RWMutex
	windows map[string]*window
}

func newWindowSet(clk clock.Clock) *windowSet {
	if clk == nil {
		clk = clock.New()
	}
	return &windowSet{clock: clk, windows: make(map[string]*window)}
}

// with runs fn against the locked window for id, creating it if needed.
func (s *windowSet) with(id string, fn func(w *window, now time.Time)) {
	for {
		s.mu.RLock()
		w, ok := s.windows[id]
		s.mu.RUnlock()

		if !ok {
			s.mu.Lock()
			w, ok = s.windows[id]
			if !ok {
				w = &window{}
				s.windows[id] = w
			}
			s.mu.Unlock()
		}

		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}
		fn(w, s.clock.Now())
		w.mu.Unlock()
		return
	}
}

// peek runs fn against an existing window without creating one.
func (s *windowSet) peek(id string, fn func(w *window, now time.Time)) bool {
	s.mu.RLock()
	w, ok := s.windows[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return false
	}
	fn(w, s.clock.Now())
	return true
}

func (s *windowSet) remove(id string) {
	s.mu.Lock()
	w, ok := s.windows[id]
	delete(s.windows, id)
	s.mu.Unlock()

	if ok {
		w.mu.Lock()
		w.dead = true
		w.times = nil
		w.mu.Unlock()
	}
}

// prune drops windows whose newest timestamp is older than maxAge and
// returns how many were removed.
func (s *windowSet) prune(maxAge time.Duration) int {
	horizon := s.clock.Now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, w := range s.windows {
		w.mu.Lock()
		w.pruneBefore(horizon)
		if len(w.times) == 0 {
			w.dead = true
			delete(s.windows, id)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

func (s *windowSet) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.windows)
}

package health

import (
	"sort"
	"sync"
	"time"
)

// attempt is one delivery or probe outcome inside the rolling window.
type attempt struct {
	at           time.Time
	success      bool
	responseTime time.Duration
}

// windowStats is the aggregate view over the live portion of the window.
type windowStats struct {
	total       int
	successes   int
	failures    int
	successRate float64
	errorRate   float64
	avgResponse time.Duration
	p95Response time.Duration
	p99Response time.Duration
}

// attemptWindow keeps the most recent attempts, bounded by count and age.
// Each provider owns its own window, so unrelated providers never contend
// on a shared lock.
type attemptWindow struct {
	mu      sync.Mutex
	maxSize int
	maxAge  time.Duration
	entries []attempt
}

func newAttemptWindow(maxSize int, maxAge time.Duration) *attemptWindow {
	return &attemptWindow{maxSize: maxSize, maxAge: maxAge}
}

// add appends an attempt, evicting the oldest past the size cap.
func (w *attemptWindow) add(success bool, responseTime time.Duration, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(now)
	w.entries = append(w.entries, attempt{at: now, success: success, responseTime: responseTime})
	if len(w.entries) > w.maxSize {
		w.entries = w.entries[len(w.entries)-w.maxSize:]
	}
}

// stats aggregates the live window. An empty window reports a 100% success
// rate so a provider with no traffic is not penalized.
func (w *attemptWindow) stats(now time.Time) windowStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(now)

	s := windowStats{total: len(w.entries), successRate: 1}
	if s.total == 0 {
		return s
	}

	var totalRT time.Duration
	times := make([]time.Duration, 0, s.total)
	for _, a := range w.entries {
		if a.success {
			s.successes++
		} else {
			s.failures++
		}
		totalRT += a.responseTime
		times = append(times, a.responseTime)
	}

	s.successRate = float64(s.successes) / float64(s.total)
	s.errorRate = float64(s.failures) / float64(s.total)
	s.avgResponse = totalRT / time.Duration(s.total)

	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	s.p95Response = percentile(times, 0.95)
	s.p99Response = percentile(times, 0.99)
	return s
}

func (w *attemptWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.maxAge)
	idx := 0
	for idx < len(w.entries) && w.entries[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		w.entries = w.entries[idx:]
	}
}

// percentile picks from a sorted slice using the nearest-rank method.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

package rules

import (
	"sync"
	"time"
)

// RateTracker keeps a sliding window of qualifying event times per rule.
// Windows are pruned lazily when a rule records a new event.
type RateTracker struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

func NewRateTracker() *RateTracker {
	return &RateTracker{windows: make(map[string][]time.Time)}
}

// Record appends at to the rule's window, drops entries older than window
// and returns the number of entries left. An entry exactly window old stays.
func (t *RateTracker) Record(ruleID string, at time.Time, window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := append(t.windows[ruleID], at)
	cutoff := at.Add(-window)
	keep := entries[:0]
	for _, ts := range entries {
		if !ts.Before(cutoff) {
			keep = append(keep, ts)
		}
	}
	t.windows[ruleID] = keep
	return len(keep)
}

// Count returns the current window size without pruning
func (t *RateTracker) Count(ruleID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.windows[ruleID])
}

// Reset drops the window of a rule
func (t *RateTracker) Reset(ruleID string) {
	t.mu.Lock()
	delete(t.windows, ruleID)
	t.mu.Unlock()
}

// Package background runs deferred memory work: extraction, summary
// refresh, and learning maintenance. Tasks execute only when the user is
// quiet so foreground latency never pays for them.
package background

import (
	"sync"
	"time"
)

// defaultQuietThreshold is how long without user activity counts as quiet.
const defaultQuietThreshold = 30 * time.Second

// ActivityTracker records the last moment of user-facing activity.
// Channels and the agent loop pulse it; quiet-gated tasks consult it.
type ActivityTracker struct {
	mu        sync.RWMutex
	last      time.Time
	threshold time.Duration
}

// NewActivityTracker starts with the tracker considering the system
// active right now.
func NewActivityTracker(threshold time.Duration) *ActivityTracker {
	if threshold <= 0 {
		threshold = defaultQuietThreshold
	}
	return &ActivityTracker{last: time.Now(), threshold: threshold}
}

// Pulse marks activity at the current time.
func (a *ActivityTracker) Pulse() {
	a.mu.Lock()
	a.last = time.Now()
	a.mu.Unlock()
}

// IsQuiet reports whether the quiet threshold has elapsed since the last
// pulse.
func (a *ActivityTracker) IsQuiet() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return time.Since(a.last) >= a.threshold
}

// LastActivity returns the time of the most recent pulse.
func (a *ActivityTracker) LastActivity() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last
}

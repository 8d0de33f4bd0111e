// Package quota enforces per-device daily synthesis budgets.
//
// Synthesis is billed per character, so each device gets a daily character
// allowance. The session checks Allow before starting a reply and records
// usage with Add as sentences are synthesized. The gateway calls Rollover
// on a timer to reset all counters when the UTC day changes.
package quota

import (
	"sync"
	"time"
)

// DefaultDailyChars is the default per-device daily character allowance.
const DefaultDailyChars = 50000

// Tracker tracks per-device character usage against a daily limit.
// Safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	limit int
	used  map[string]int
	day   time.Time
}

// New creates a tracker with the given daily character limit.
// A non-positive limit disables enforcement.
func New(limit int) *Tracker {
	return &Tracker{
		limit: limit,
		used:  make(map[string]int),
		day:   dayOf(time.Now()),
	}
}

// Allow reports whether the device still has budget for another reply.
func (t *Tracker) Allow(deviceID string) bool {
	if t.limit <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used[deviceID] < t.limit
}

// Add records synthesized characters against the device's budget.
func (t *Tracker) Add(deviceID string, chars int) {
	if chars <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.used[deviceID] += chars
}

// Remaining returns the characters left in the device's budget.
// Unlimited trackers report the maximum int.
func (t *Tracker) Remaining(deviceID string) int {
	if t.limit <= 0 {
		return int(^uint(0) >> 1)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	left := t.limit - t.used[deviceID]
	if left < 0 {
		return 0
	}
	return left
}

// Used returns the characters consumed by the device today.
func (t *Tracker) Used(deviceID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used[deviceID]
}

// Rollover resets all counters when now has crossed into a new UTC day.
// Returns true if a reset happened.
func (t *Tracker) Rollover(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	day := dayOf(now)
	if day.Equal(t.day) {
		return false
	}
	t.day = day
	t.used = make(map[string]int)
	return true
}

func dayOf(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

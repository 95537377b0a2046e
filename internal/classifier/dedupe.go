package classifier

import (
	"sync"
	"time"
)

// compactThreshold bounds memory when many sessions churn through
// without the window ever expiring entries naturally.
const compactThreshold = 10000

// DedupeCache suppresses repeat events of the same type for the same
// session within a trailing window. Detectors run several times per
// second; without suppression one sustained condition would produce a
// row and a broadcast per frame. The window is short enough that
// genuinely distinct occurrences, separated by recovery, still record
// separately.
type DedupeCache struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
}

// NewDedupeCache creates a cache with the given suppression window.
func NewDedupeCache(window time.Duration) *DedupeCache {
	return &DedupeCache{
		window: window,
		last:   make(map[string]time.Time),
	}
}

// Suppress reports whether an event of this type for this session was
// recorded within the window. When it was not, the occurrence is
// recorded at now.
func (d *DedupeCache) Suppress(sessionID, eventType string, now time.Time) bool {
	key := sessionID + "|" + eventType
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.last[key]; ok && now.Sub(ts) <= d.window {
		return true
	}
	d.last[key] = now
	if len(d.last) > compactThreshold {
		d.compactLocked(now)
	}
	return false
}

func (d *DedupeCache) compactLocked(now time.Time) {
	for k, ts := range d.last {
		if now.Sub(ts) > d.window {
			delete(d.last, k)
		}
	}
}

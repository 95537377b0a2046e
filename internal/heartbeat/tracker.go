package heartbeat

import (
	"sync"
	"time"
)

// compactThreshold bounds the map size between opportunistic prunes when
// no active-session queries are running.
const compactThreshold = 10000

// Tracker is the in-memory liveness map keyed by session ID. It is
// process-local and rebuildable from zero: losing it degrades "who is
// currently live" queries, never stored history. Marks are
// last-write-wins; a stale mark overwritten by a newer one is harmless.
type Tracker struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
	now    func() time.Time
}

// NewTracker creates a tracker with the given liveness window.
func NewTracker(window time.Duration) *Tracker {
	return &Tracker{
		window: window,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// Mark records "now" as the last-seen time for a session. Called on
// every accepted inbound activity, violation reports and benign
// keep-alives alike.
func (t *Tracker) Mark(sessionID string) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen[sessionID] = now
	if len(t.seen) > compactThreshold {
		t.pruneLocked(now)
	}
}

// Forget drops a session's entry, used when the session reaches a
// terminal state.
func (t *Tracker) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.seen, sessionID)
}

// IsActive reports whether the session was marked within the liveness
// window.
func (t *Tracker) IsActive(sessionID string) bool {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.seen[sessionID]
	return ok && now.Sub(ts) <= t.window
}

// LastSeen returns the last mark time for a session.
func (t *Tracker) LastSeen(sessionID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.seen[sessionID]
	return ts, ok
}

// Prune removes entries older than the liveness window. Run
// opportunistically before active-session queries rather than on a
// timer, so an idle process never wakes up for it.
func (t *Tracker) Prune() {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(now)
}

func (t *Tracker) pruneLocked(now time.Time) {
	for id, ts := range t.seen {
		if now.Sub(ts) > t.window {
			delete(t.seen, id)
		}
	}
}

package interfaces

import (
	"context"
	"time"

	"proctorhub/pkg/types"
)

// EvidenceStore persists raw capture artifacts and returns an opaque
// storage reference. Evidence writes are best-effort; a failure here
// must never prevent the owning event from being persisted.
type EvidenceStore interface {
	Save(ctx context.Context, eventID string, evidence *types.Evidence) (ref string, err error)
}

// AuditLedger submits high-severity violations to an external
// append-only log. Failures are logged by callers and never roll back
// the primary persistence or broadcast path.
type AuditLedger interface {
	Record(ctx context.Context, entry types.AuditEntry) error
}

// HeartbeatTracker tracks per-session liveness in process-local memory.
// It owns no durable state; losing it only degrades "currently live"
// queries, never stored history.
type HeartbeatTracker interface {
	Mark(sessionID string)
	Forget(sessionID string)
	IsActive(sessionID string) bool
	LastSeen(sessionID string) (time.Time, bool)
	Prune()
}

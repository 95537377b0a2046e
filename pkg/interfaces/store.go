package interfaces

import (
	"context"

	"proctorhub/pkg/types"
)

// SessionStore handles all durable persistence for sessions, events and
// evidence captures. Implementations must enforce the one-in-progress-
// session-per-(user,exam) invariant at the storage layer and preserve
// per-session event insertion order.
type SessionStore interface {
	// CreateSession inserts a new session row. Returns
	// types.ErrSessionConflict when an in_progress session already
	// exists for the same (user, exam) pair.
	CreateSession(ctx context.Context, session *types.ExamSession) error

	// GetSession retrieves a session by ID. Returns
	// types.ErrSessionNotFound for unknown IDs.
	GetSession(ctx context.Context, sessionID string) (*types.ExamSession, error)

	// FindInProgressSession returns the most recent in_progress session
	// for a (user, exam) pair, or types.ErrSessionNotFound.
	FindInProgressSession(ctx context.Context, userID, examID string) (*types.ExamSession, error)

	// UpdateSessionEnd records a terminal transition: end time, status,
	// and optional reviewer/notes.
	UpdateSessionEnd(ctx context.Context, session *types.ExamSession) error

	// ListInProgressSessions returns all sessions still marked
	// in_progress, optionally filtered by exam when examID is non-empty.
	ListInProgressSessions(ctx context.Context, examID string) ([]*types.ExamSession, error)

	// CreateEvent inserts an event and, when capture is non-nil, its
	// linked media capture in the same transaction, and folds the event
	// severity into the owning session's counters.
	CreateEvent(ctx context.Context, event *types.ProctoringEvent, capture *types.MediaCapture) error

	// GetSessionEvents returns a session's events ordered by timestamp.
	GetSessionEvents(ctx context.Context, sessionID string) ([]*types.ProctoringEvent, error)

	// MarkEventReviewed flips the reviewed flag, the only permitted
	// event mutation. Returns types.ErrEventNotFound for unknown IDs.
	MarkEventReviewed(ctx context.Context, eventID string) error

	// HealthCheck verifies connectivity and basic read access.
	HealthCheck(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}

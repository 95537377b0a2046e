package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// Manager owns session lifecycle: explicit start, lazy creation for
// early detection reports, terminal transitions, and the live-session
// read path that intersects storage with the heartbeat tracker.
type Manager struct {
	store   interfaces.SessionStore
	tracker interfaces.HeartbeatTracker
	hub     interfaces.Publisher
	logger  *slog.Logger

	// startLocks serializes session creation per (user, exam) pair so
	// concurrent first reports race at most once against the storage
	// unique index.
	startMu    sync.Mutex
	startLocks map[string]*sync.Mutex
}

func NewManager(store interfaces.SessionStore, tracker interfaces.HeartbeatTracker, hub interfaces.Publisher, logger *slog.Logger) *Manager {
	return &Manager{
		store:      store,
		tracker:    tracker,
		hub:        hub,
		logger:     logger,
		startLocks: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) startLock(userID, examID string) *sync.Mutex {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	key := userID + "|" + examID
	lock, ok := m.startLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.startLocks[key] = lock
	}
	return lock
}

// StartSession creates a new in_progress session. Returns
// types.ErrSessionConflict when the user already has a live session for
// the exam.
func (m *Manager) StartSession(ctx context.Context, userID, examID string) (*types.ExamSession, error) {
	if !types.IsValidUserID(userID) {
		return nil, types.ErrInvalidUserID
	}
	if !types.IsValidExamID(examID) {
		return nil, types.ErrInvalidExamID
	}

	lock := m.startLock(userID, examID)
	lock.Lock()
	defer lock.Unlock()

	session := &types.ExamSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		ExamID:    examID,
		StartTime: time.Now().UTC(),
		Status:    types.SessionInProgress,
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	m.tracker.Mark(session.ID)
	m.logger.Info("proctoring session started",
		"session_id", session.ID, "user_id", userID, "exam_id", examID)

	m.hub.PublishToExam(examID, types.BroadcastSessionStatus, map[string]interface{}{
		"session_id": session.ID,
		"exam_id":    examID,
		"user_id":    userID,
		"status":     types.SessionInProgress,
	})

	return session, nil
}

// EnsureSession resolves the session a detection report belongs to,
// creating one when the report arrived before any explicit start.
// A stale sessionID pointing at an ended session is ignored rather
// than revived.
func (m *Manager) EnsureSession(ctx context.Context, sessionID, userID, examID string) (*types.ExamSession, error) {
	if sessionID != "" {
		session, err := m.store.GetSession(ctx, sessionID)
		switch {
		case err == nil && !session.Terminal():
			return session, nil
		case err == nil:
			m.logger.Warn("report referenced ended session, resolving by user and exam",
				"session_id", sessionID, "user_id", userID)
		case !errors.Is(err, types.ErrSessionNotFound):
			return nil, err
		}
	}

	session, err := m.store.FindInProgressSession(ctx, userID, examID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, types.ErrSessionNotFound) {
		return nil, err
	}

	lock := m.startLock(userID, examID)
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the lock; a concurrent report may have created it.
	session, err = m.store.FindInProgressSession(ctx, userID, examID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, types.ErrSessionNotFound) {
		return nil, err
	}

	session = &types.ExamSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		ExamID:    examID,
		StartTime: time.Now().UTC(),
		Status:    types.SessionInProgress,
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		if errors.Is(err, types.ErrSessionConflict) {
			return m.store.FindInProgressSession(ctx, userID, examID)
		}
		return nil, err
	}

	m.tracker.Mark(session.ID)
	m.logger.Info("session created from detection report",
		"session_id", session.ID, "user_id", userID, "exam_id", examID)

	return session, nil
}

// CompleteSession marks a normal finish. Calling it on a session that
// already reached a terminal status is a no-op returning the stored
// row unchanged.
func (m *Manager) CompleteSession(ctx context.Context, sessionID string) (*types.ExamSession, error) {
	return m.endSession(ctx, sessionID, types.SessionCompleted, nil, nil)
}

// TerminateSession forcibly ends a session, recording who pulled the
// trigger and why. Idempotent for already terminated sessions.
func (m *Manager) TerminateSession(ctx context.Context, sessionID, reviewedBy, notes string) (*types.ExamSession, error) {
	var by, n *string
	if reviewedBy != "" {
		by = &reviewedBy
	}
	if notes != "" {
		n = &notes
	}
	return m.endSession(ctx, sessionID, types.SessionTerminated, by, n)
}

func (m *Manager) endSession(ctx context.Context, sessionID, status string, reviewedBy, notes *string) (*types.ExamSession, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// Serialize against concurrent start and end calls for the same
	// pair; without this two racing end calls could both see a live
	// session and double-broadcast the terminal notice.
	lock := m.startLock(session.UserID, session.ExamID)
	lock.Lock()
	defer lock.Unlock()

	session, err = m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// Terminal sessions are left untouched: re-terminating or completing
	// an already-ended session returns the stored row as-is.
	if session.Terminal() {
		return session, nil
	}

	now := time.Now().UTC()
	session.EndTime = &now
	session.Status = status
	if reviewedBy != nil {
		session.ReviewedBy = reviewedBy
	}
	if notes != nil {
		session.ReviewNotes = notes
	}

	if err := m.store.UpdateSessionEnd(ctx, session); err != nil {
		return nil, err
	}

	m.tracker.Forget(sessionID)

	event := types.BroadcastSessionCompleted
	if status == types.SessionTerminated {
		event = types.BroadcastSessionEnded
	}
	payload := map[string]interface{}{
		"session_id": session.ID,
		"exam_id":    session.ExamID,
		"user_id":    session.UserID,
		"status":     status,
	}
	m.hub.PublishToExam(session.ExamID, event, payload)
	m.hub.PublishToUser(session.UserID, event, payload)

	m.logger.Info("proctoring session ended",
		"session_id", session.ID, "status", status)

	return session, nil
}

// GetSession returns a session by ID.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.ExamSession, error) {
	return m.store.GetSession(ctx, sessionID)
}

// GetSessionHistory returns a session's persisted events in timestamp
// order.
func (m *Manager) GetSessionHistory(ctx context.Context, sessionID string) ([]*types.ProctoringEvent, error) {
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.store.GetSessionEvents(ctx, sessionID)
}

// MarkEventReviewed flips an event's reviewed flag.
func (m *Manager) MarkEventReviewed(ctx context.Context, eventID string) error {
	return m.store.MarkEventReviewed(ctx, eventID)
}

// Heartbeat records liveness for a session. The session must exist and
// still be in progress.
func (m *Manager) Heartbeat(ctx context.Context, sessionID string) error {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Terminal() {
		return ErrSessionAlreadyEnded
	}
	m.tracker.Mark(sessionID)
	return nil
}

// ListActiveSessions returns live sessions, optionally scoped to one
// exam: stored in_progress rows intersected with recent heartbeats.
// Sessions without a recent heartbeat are omitted, not mutated; their
// rows stay in_progress until an explicit end call.
func (m *Manager) ListActiveSessions(ctx context.Context, examID string) ([]types.ActiveSession, error) {
	m.tracker.Prune()

	sessions, err := m.store.ListInProgressSessions(ctx, examID)
	if err != nil {
		return nil, err
	}

	active := make([]types.ActiveSession, 0, len(sessions))
	for _, session := range sessions {
		lastSeen, ok := m.tracker.LastSeen(session.ID)
		if !ok {
			continue
		}
		active = append(active, types.ActiveSession{
			SessionID:       session.ID,
			UserID:          session.UserID,
			StartedAt:       session.StartTime,
			LastHeartbeatAt: lastSeen,
		})
	}
	return active, nil
}

// SendWarning pushes an admin warning to the exam room and directly to
// the targeted user. Returns false when the user is not connected; the
// room broadcast happens either way.
func (m *Manager) SendWarning(examID, userID, message string) bool {
	payload := map[string]interface{}{
		"exam_id": examID,
		"user_id": userID,
		"message": message,
	}
	m.hub.PublishToExam(examID, types.BroadcastAdminWarning, payload)
	return m.hub.PublishToUser(userID, types.BroadcastAdminWarning, payload)
}

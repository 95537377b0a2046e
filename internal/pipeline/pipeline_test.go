package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctorhub/internal/config"
	"proctorhub/internal/logging"
	"proctorhub/internal/session"
	"proctorhub/pkg/types"
)

type memStore struct {
	mu        sync.Mutex
	sessions  map[string]*types.ExamSession
	events    []*types.ProctoringEvent
	captures  []*types.MediaCapture
	eventErr  error
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*types.ExamSession)}
}

func (m *memStore) CreateSession(_ context.Context, s *types.ExamSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.UserID == s.UserID && existing.ExamID == s.ExamID &&
			existing.Status == types.SessionInProgress {
			return types.ErrSessionConflict
		}
	}
	copied := *s
	m.sessions[s.ID] = &copied
	return nil
}

func (m *memStore) GetSession(_ context.Context, id string) (*types.ExamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, types.ErrSessionNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *memStore) FindInProgressSession(_ context.Context, userID, examID string) (*types.ExamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.UserID == userID && s.ExamID == examID && s.Status == types.SessionInProgress {
			copied := *s
			return &copied, nil
		}
	}
	return nil, types.ErrSessionNotFound
}

func (m *memStore) UpdateSessionEnd(_ context.Context, s *types.ExamSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *s
	m.sessions[s.ID] = &copied
	return nil
}

func (m *memStore) ListInProgressSessions(context.Context, string) ([]*types.ExamSession, error) {
	return nil, nil
}

func (m *memStore) CreateEvent(_ context.Context, event *types.ProctoringEvent, capture *types.MediaCapture) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.eventErr != nil {
		return m.eventErr
	}
	m.events = append(m.events, event)
	if capture != nil {
		m.captures = append(m.captures, capture)
	}
	return nil
}

func (m *memStore) GetSessionEvents(_ context.Context, sessionID string) ([]*types.ProctoringEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.ProctoringEvent
	for _, e := range m.events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) MarkEventReviewed(context.Context, string) error { return nil }
func (m *memStore) HealthCheck(context.Context) error               { return nil }
func (m *memStore) Close() error                                    { return nil }

func (m *memStore) storedEvents() []*types.ProctoringEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.ProctoringEvent(nil), m.events...)
}

type memTracker struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newMemTracker() *memTracker { return &memTracker{seen: make(map[string]time.Time)} }

func (m *memTracker) Mark(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[id] = time.Now().UTC()
}
func (m *memTracker) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, id)
}
func (m *memTracker) IsActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[id]
	return ok
}
func (m *memTracker) LastSeen(id string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.seen[id]
	return at, ok
}
func (m *memTracker) Prune() {}

type memHub struct {
	mu     sync.Mutex
	frames []frameRecord
}

type frameRecord struct {
	Target  string
	Event   string
	Payload map[string]interface{}
}

func (m *memHub) PublishToExam(examID, event string, payload map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, frameRecord{examID, event, payload})
}

func (m *memHub) PublishToUser(userID, event string, payload map[string]interface{}) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, frameRecord{userID, event, payload})
	return true
}

func (m *memHub) byEvent(event string) []frameRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []frameRecord
	for _, f := range m.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

type memEvidence struct {
	mu    sync.Mutex
	saved map[string][]byte
	err   error
}

func newMemEvidence() *memEvidence { return &memEvidence{saved: make(map[string][]byte)} }

func (m *memEvidence) Save(_ context.Context, eventID string, ev *types.Evidence) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.saved[eventID] = ev.Data
	return "/evidence/" + eventID, nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []types.AuditEntry
}

func (m *memAudit) Record(_ context.Context, entry types.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memAudit) recorded() []types.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.AuditEntry(nil), m.entries...)
}

type testDeps struct {
	store    *memStore
	tracker  *memTracker
	hub      *memHub
	evidence *memEvidence
	audit    *memAudit
	sessions *session.Manager
}

func newTestPipeline(t *testing.T, cfg config.DetectionConfig) (*Pipeline, *testDeps) {
	t.Helper()
	if cfg.Safelist == nil {
		cfg.Safelist = []string{
			types.EventFaceNotDetected,
			types.EventMultipleFaces,
			types.EventPhoneDetected,
			types.EventTabSwitch,
		}
	}
	if cfg.DedupeWindow == 0 {
		cfg.DedupeWindow = 5 * time.Second
	}

	deps := &testDeps{
		store:    newMemStore(),
		tracker:  newMemTracker(),
		hub:      &memHub{},
		evidence: newMemEvidence(),
		audit:    &memAudit{},
	}
	logger := logging.NewLogger("error")
	deps.sessions = session.NewManager(deps.store, deps.tracker, deps.hub, logger)

	p := New(cfg, deps.sessions, deps.store, deps.evidence, deps.audit, deps.tracker, deps.hub, logger)
	return p, deps
}

func TestProcessRejectsInvalidReport(t *testing.T) {
	p, _ := newTestPipeline(t, config.DetectionConfig{})

	_, err := p.Process(context.Background(), &types.DetectionReport{
		UserID: "bad user!",
		ExamID: "exam1",
	})
	assert.ErrorIs(t, err, types.ErrInvalidUserID)
}

func TestProcessEmptyBatchHasNoSideEffects(t *testing.T) {
	p, deps := newTestPipeline(t, config.DetectionConfig{})

	// An all-clear signal off the safelist classifies to nothing.
	events, err := p.Process(context.Background(), &types.DetectionReport{
		UserID: "student1",
		ExamID: "exam1",
		Detections: []types.RawDetection{
			{Type: "FACE_OK"},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Empty(t, deps.store.sessions, "no session should be created")
	assert.Empty(t, deps.hub.frames, "nothing should be broadcast")
}

func TestProcessPersistsAndBroadcasts(t *testing.T) {
	p, deps := newTestPipeline(t, config.DetectionConfig{})

	confidence := 0.97
	events, err := p.Process(context.Background(), &types.DetectionReport{
		UserID: "student1",
		ExamID: "exam1",
		Detections: []types.RawDetection{
			{Type: types.EventPhoneDetected, Severity: types.SeverityHigh, Confidence: &confidence},
			{Type: types.EventTabSwitch},
		},
	})
	require.NoError(t, err)
	require.Len(t, events, 2)

	// A session was created lazily and marked live.
	sess, err := deps.store.FindInProgressSession(context.Background(), "student1", "exam1")
	require.NoError(t, err)
	assert.True(t, deps.tracker.IsActive(sess.ID))

	// Missing severity normalized to medium, confidence folded in.
	assert.Equal(t, types.SeverityHigh, events[0].Severity)
	assert.Equal(t, confidence, events[0].Metadata["confidence"])
	assert.Equal(t, types.SeverityMedium, events[1].Severity)

	violations := deps.hub.byEvent(types.BroadcastViolation)
	require.Len(t, violations, 2)
	assert.Equal(t, "exam1", violations[0].Target)
	assert.Equal(t, types.EventPhoneDetected, violations[0].Payload["type"])

	statuses := deps.hub.byEvent(types.BroadcastSessionStatus)
	require.Len(t, statuses, 1)
	assert.Equal(t, true, statuses[0].Payload["face_detected"])
	assert.Equal(t, 2, statuses[0].Payload["new_events"])
}

func TestProcessReportsFaceMissing(t *testing.T) {
	p, deps := newTestPipeline(t, config.DetectionConfig{})

	_, err := p.Process(context.Background(), &types.DetectionReport{
		UserID: "student1",
		ExamID: "exam1",
		Detections: []types.RawDetection{
			{Type: types.EventFaceNotDetected, Severity: types.SeverityMedium},
		},
	})
	require.NoError(t, err)

	statuses := deps.hub.byEvent(types.BroadcastSessionStatus)
	require.Len(t, statuses, 1)
	assert.Equal(t, false, statuses[0].Payload["face_detected"])
}

func TestProcessDeduplicatesWithinWindow(t *testing.T) {
	p, deps := newTestPipeline(t, config.DetectionConfig{DedupeWindow: time.Minute})
	ctx := context.Background()

	report := &types.DetectionReport{
		UserID: "student1",
		ExamID: "exam1",
		Detections: []types.RawDetection{
			{Type: types.EventMultipleFaces, Severity: types.SeverityHigh},
		},
	}

	first, err := p.Process(ctx, report)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Same condition on subsequent frames inside the window.
	for i := 0; i < 3; i++ {
		repeat, err := p.Process(ctx, report)
		require.NoError(t, err)
		assert.Empty(t, repeat)
	}

	assert.Len(t, deps.store.storedEvents(), 1)
	// Suppressed frames still refresh the status feed.
	assert.Len(t, deps.hub.byEvent(types.BroadcastSessionStatus), 4)
	assert.Len(t, deps.hub.byEvent(types.BroadcastViolation), 1)
}

func TestProcessAttachesEvidenceToFirstEvent(t *testing.T) {
	p, deps := newTestPipeline(t, config.DetectionConfig{})

	events, err := p.Process(context.Background(), &types.DetectionReport{
		UserID: "student1",
		ExamID: "exam1",
		Detections: []types.RawDetection{
			{Type: types.EventPhoneDetected, Severity: types.SeverityHigh},
			{Type: types.EventTabSwitch, Severity: types.SeverityLow},
		},
		Evidence: &types.Evidence{CaptureType: "webcam_frame", Data: []byte("frame")},
	})
	require.NoError(t, err)
	require.Len(t, events, 2)

	require.Len(t, deps.store.captures, 1)
	capture := deps.store.captures[0]
	assert.Equal(t, events[0].ID, capture.EventID)
	assert.Equal(t, "webcam_frame", capture.CaptureType)
	assert.Equal(t, "/evidence/"+events[0].ID, capture.StorageRef)
	assert.Equal(t, []byte("frame"), deps.evidence.saved[events[0].ID])

	assert.Equal(t, capture.StorageRef, events[0].Metadata["evidence_ref"],
		"stored reference should be embedded in the event metadata")
	assert.NotContains(t, events[1].Metadata, "evidence_ref")
}

func TestProcessSurvivesEvidenceFailure(t *testing.T) {
	p, deps := newTestPipeline(t, config.DetectionConfig{})
	deps.evidence.err = errors.New("disk full")

	events, err := p.Process(context.Background(), &types.DetectionReport{
		UserID: "student1",
		ExamID: "exam1",
		Detections: []types.RawDetection{
			{Type: types.EventPhoneDetected, Severity: types.SeverityHigh},
		},
		Evidence: &types.Evidence{CaptureType: "webcam_frame", Data: []byte("frame")},
	})
	require.NoError(t, err)
	require.Len(t, events, 1, "event must persist even when evidence fails")
	assert.Empty(t, deps.store.captures)
}

func TestProcessRecordsHighSeverityAudit(t *testing.T) {
	p, deps := newTestPipeline(t, config.DetectionConfig{})

	_, err := p.Process(context.Background(), &types.DetectionReport{
		UserID: "student1",
		ExamID: "exam1",
		Detections: []types.RawDetection{
			{Type: types.EventPhoneDetected, Severity: types.SeverityHigh},
			{Type: types.EventTabSwitch, Severity: types.SeverityLow},
		},
	})
	require.NoError(t, err)

	// The audit submission runs detached.
	assert.Eventually(t, func() bool {
		return len(deps.audit.recorded()) == 1
	}, time.Second, 10*time.Millisecond)

	entries := deps.audit.recorded()
	assert.Equal(t, types.EventPhoneDetected, entries[0].ViolationType)
	assert.Equal(t, "student1", entries[0].UserID)
}

func TestProcessContinuesPastPersistFailure(t *testing.T) {
	p, deps := newTestPipeline(t, config.DetectionConfig{})
	deps.store.eventErr = errors.New("database is locked")

	events, err := p.Process(context.Background(), &types.DetectionReport{
		UserID: "student1",
		ExamID: "exam1",
		Detections: []types.RawDetection{
			{Type: types.EventPhoneDetected, Severity: types.SeverityHigh},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Empty(t, deps.hub.byEvent(types.BroadcastViolation))
	// The status update still flows.
	assert.Len(t, deps.hub.byEvent(types.BroadcastSessionStatus), 1)
}

func TestProcessUsesExistingSession(t *testing.T) {
	p, deps := newTestPipeline(t, config.DetectionConfig{})
	ctx := context.Background()

	started, err := deps.sessions.StartSession(ctx, "student1", "exam1")
	require.NoError(t, err)

	events, err := p.Process(ctx, &types.DetectionReport{
		SessionID: started.ID,
		UserID:    "student1",
		ExamID:    "exam1",
		Detections: []types.RawDetection{
			{Type: types.EventTabSwitch, Severity: types.SeverityLow},
		},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, started.ID, events[0].SessionID)
}

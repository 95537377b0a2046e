package database

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"proctorhub/pkg/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestSession(userID, examID string) *types.ExamSession {
	return &types.ExamSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		ExamID:    examID,
		StartTime: time.Now().UTC(),
		Status:    types.SessionInProgress,
	}
}

func TestCreateAndGetSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := newTestSession("student1", "exam1")
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.UserID != "student1" || got.ExamID != "exam1" {
		t.Errorf("unexpected session: %+v", got)
	}
	if got.Status != types.SessionInProgress {
		t.Errorf("expected status %q, got %q", types.SessionInProgress, got.Status)
	}
	if got.EndTime != nil {
		t.Errorf("expected nil end time, got %v", got.EndTime)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetSession(context.Background(), "missing")
	if !errors.Is(err, types.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCreateSessionConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateSession(ctx, newTestSession("student1", "exam1")); err != nil {
		t.Fatalf("first CreateSession failed: %v", err)
	}

	err := store.CreateSession(ctx, newTestSession("student1", "exam1"))
	if !errors.Is(err, types.ErrSessionConflict) {
		t.Errorf("expected ErrSessionConflict, got %v", err)
	}

	// Same user in a different exam is fine.
	if err := store.CreateSession(ctx, newTestSession("student1", "exam2")); err != nil {
		t.Errorf("CreateSession for second exam failed: %v", err)
	}
}

func TestConflictClearsAfterSessionEnds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := newTestSession("student1", "exam1")
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	now := time.Now().UTC()
	session.EndTime = &now
	session.Status = types.SessionCompleted
	if err := store.UpdateSessionEnd(ctx, session); err != nil {
		t.Fatalf("UpdateSessionEnd failed: %v", err)
	}

	if err := store.CreateSession(ctx, newTestSession("student1", "exam1")); err != nil {
		t.Errorf("CreateSession after completion failed: %v", err)
	}
}

func TestFindInProgressSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := newTestSession("student1", "exam1")
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got, err := store.FindInProgressSession(ctx, "student1", "exam1")
	if err != nil {
		t.Fatalf("FindInProgressSession failed: %v", err)
	}
	if got.ID != session.ID {
		t.Errorf("expected session %s, got %s", session.ID, got.ID)
	}

	_, err = store.FindInProgressSession(ctx, "student2", "exam1")
	if !errors.Is(err, types.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestUpdateSessionEnd(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := newTestSession("student1", "exam1")
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	now := time.Now().UTC()
	reviewer := "admin1"
	notes := "too many faces"
	session.EndTime = &now
	session.Status = types.SessionTerminated
	session.ReviewedBy = &reviewer
	session.ReviewNotes = &notes
	if err := store.UpdateSessionEnd(ctx, session); err != nil {
		t.Fatalf("UpdateSessionEnd failed: %v", err)
	}

	got, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != types.SessionTerminated {
		t.Errorf("expected status terminated, got %q", got.Status)
	}
	if got.EndTime == nil {
		t.Error("expected end time to be set")
	}
	if got.ReviewedBy == nil || *got.ReviewedBy != "admin1" {
		t.Errorf("unexpected reviewed_by: %v", got.ReviewedBy)
	}
	if got.ReviewNotes == nil || *got.ReviewNotes != "too many faces" {
		t.Errorf("unexpected review_notes: %v", got.ReviewNotes)
	}
}

func TestListInProgressSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, pair := range []struct{ user, exam string }{
		{"student1", "exam1"},
		{"student2", "exam1"},
		{"student3", "exam2"},
	} {
		session := newTestSession(pair.user, pair.exam)
		session.StartTime = session.StartTime.Add(time.Duration(i) * time.Second)
		if err := store.CreateSession(ctx, session); err != nil {
			t.Fatalf("CreateSession %d failed: %v", i, err)
		}
	}

	ended := newTestSession("student4", "exam1")
	if err := store.CreateSession(ctx, ended); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	now := time.Now().UTC()
	ended.EndTime = &now
	ended.Status = types.SessionCompleted
	if err := store.UpdateSessionEnd(ctx, ended); err != nil {
		t.Fatalf("UpdateSessionEnd failed: %v", err)
	}

	all, err := store.ListInProgressSessions(ctx, "")
	if err != nil {
		t.Fatalf("ListInProgressSessions failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 live sessions, got %d", len(all))
	}

	exam1, err := store.ListInProgressSessions(ctx, "exam1")
	if err != nil {
		t.Fatalf("ListInProgressSessions(exam1) failed: %v", err)
	}
	if len(exam1) != 2 {
		t.Errorf("expected 2 live sessions in exam1, got %d", len(exam1))
	}
}

func TestCreateEventUpdatesSessionSeverity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := newTestSession("student1", "exam1")
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	base := time.Now().UTC()
	for i, severity := range []string{types.SeverityLow, types.SeverityHigh, types.SeverityMedium, types.SeverityHigh} {
		event := &types.ProctoringEvent{
			ID:        uuid.NewString(),
			SessionID: session.ID,
			Type:      types.EventPhoneDetected,
			Severity:  severity,
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Metadata:  map[string]interface{}{"confidence": 0.9},
		}
		if err := store.CreateEvent(ctx, event, nil); err != nil {
			t.Fatalf("CreateEvent %d failed: %v", i, err)
		}
	}

	got, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.HighestSeverity != types.SeverityHigh {
		t.Errorf("expected highest severity high, got %q", got.HighestSeverity)
	}
	if got.HighSeverityCount != 2 {
		t.Errorf("expected high severity count 2, got %d", got.HighSeverityCount)
	}
}

func TestCreateEventWithCapture(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := newTestSession("student1", "exam1")
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	event := &types.ProctoringEvent{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Type:      types.EventMultipleFaces,
		Severity:  types.SeverityHigh,
		Timestamp: time.Now().UTC(),
	}
	capture := &types.MediaCapture{
		ID:          uuid.NewString(),
		EventID:     event.ID,
		CaptureType: "webcam_frame",
		StorageRef:  "/evidence/" + event.ID,
	}
	if err := store.CreateEvent(ctx, event, capture); err != nil {
		t.Fatalf("CreateEvent failed: %v", err)
	}

	var storageRef string
	err := store.db.QueryRowContext(ctx,
		`SELECT storage_ref FROM captures WHERE event_id = ?`, event.ID).Scan(&storageRef)
	if err != nil {
		t.Fatalf("capture not persisted: %v", err)
	}
	if storageRef != capture.StorageRef {
		t.Errorf("unexpected storage ref %q", storageRef)
	}
}

func TestGetSessionEventsOrdered(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := newTestSession("student1", "exam1")
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	base := time.Now().UTC()
	ids := make([]string, 0, 3)
	// Insert out of chronological order.
	for _, offset := range []time.Duration{2 * time.Second, 0, time.Second} {
		event := &types.ProctoringEvent{
			ID:        uuid.NewString(),
			SessionID: session.ID,
			Type:      types.EventTabSwitch,
			Severity:  types.SeverityLow,
			Timestamp: base.Add(offset),
		}
		if err := store.CreateEvent(ctx, event, nil); err != nil {
			t.Fatalf("CreateEvent failed: %v", err)
		}
		ids = append(ids, event.ID)
	}

	events, err := store.GetSessionEvents(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSessionEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].ID != ids[1] || events[1].ID != ids[2] || events[2].ID != ids[0] {
		t.Error("events not ordered by timestamp")
	}
	if events[0].Metadata == nil {
		t.Error("expected empty metadata map, got nil")
	}
}

func TestMarkEventReviewed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := newTestSession("student1", "exam1")
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	event := &types.ProctoringEvent{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Type:      types.EventSpeechDetected,
		Severity:  types.SeverityMedium,
		Timestamp: time.Now().UTC(),
	}
	if err := store.CreateEvent(ctx, event, nil); err != nil {
		t.Fatalf("CreateEvent failed: %v", err)
	}

	if err := store.MarkEventReviewed(ctx, event.ID); err != nil {
		t.Fatalf("MarkEventReviewed failed: %v", err)
	}

	events, err := store.GetSessionEvents(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSessionEvents failed: %v", err)
	}
	if !events[0].Reviewed {
		t.Error("expected event to be reviewed")
	}

	err = store.MarkEventReviewed(ctx, "missing")
	if !errors.Is(err, types.ErrEventNotFound) {
		t.Errorf("expected ErrEventNotFound, got %v", err)
	}
}

func TestHealthCheckAndClose(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	err := store.CreateSession(ctx, newTestSession("student1", "exam1"))
	if err == nil {
		t.Error("expected error writing to closed store")
	}
}

func TestConcurrentCreateSessionUniqueness(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.CreateSession(ctx, newTestSession("student1", "exam1"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, types.ErrSessionConflict):
				conflicts++
			default:
				t.Errorf("unexpected CreateSession error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("expected exactly one successful create, got %d", created)
	}
	if conflicts != 19 {
		t.Errorf("expected 19 conflicts, got %d", conflicts)
	}

	live, err := store.ListInProgressSessions(ctx, "exam1")
	if err != nil {
		t.Fatalf("ListInProgressSessions failed: %v", err)
	}
	if len(live) != 1 {
		t.Errorf("expected one in_progress row, got %d", len(live))
	}
}

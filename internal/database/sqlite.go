package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// sqliteSchema is applied idempotently at startup. The partial unique
// index is the storage-level guarantee of at most one in_progress
// session per (user, exam) pair.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		exam_id TEXT NOT NULL,
		start_time DATETIME NOT NULL,
		end_time DATETIME,
		status TEXT NOT NULL CHECK (status IN ('in_progress', 'completed', 'terminated')),
		highest_severity TEXT NOT NULL DEFAULT '',
		high_severity_count INTEGER NOT NULL DEFAULT 0,
		reviewed_by TEXT,
		review_notes TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_live
		ON sessions(user_id, exam_id) WHERE status = 'in_progress'`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_exam_status ON sessions(exam_id, status)`,
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		type TEXT NOT NULL,
		severity TEXT NOT NULL CHECK (severity IN ('low', 'medium', 'high')),
		timestamp DATETIME NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		reviewed INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_session_time ON events(session_id, timestamp)`,
	`CREATE TABLE IF NOT EXISTS captures (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
		capture_type TEXT NOT NULL,
		storage_ref TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_captures_event ON captures(event_id)`,
}

// SQLiteStore implements SessionStore on sqlite. All writes funnel
// through a single goroutine: sqlite allows concurrent readers under
// WAL but only one writer, and serializing writes here also preserves
// per-session event insertion order for callers.
type SQLiteStore struct {
	db           *sql.DB
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewSQLiteStore opens (and migrates) a sqlite database at the given
// path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Concurrent reads are fine under WAL; writes are serialized by the
	// write loop anyway.
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	s := &SQLiteStore{
		db:           db,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.writeLoop()

	return s, nil
}

// writeLoop processes all write operations in a single goroutine,
// retrying exactly once after a short delay on transient failures.
func (s *SQLiteStore) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeChannel:
			err := op.operation(s.db)
			if err != nil && isRetryable(err) {
				log.Printf("database write failed, retrying: %v", err)
				time.Sleep(time.Second)
				err = op.operation(s.db)
			}
			op.result <- err

		case <-s.shutdown:
			return
		}
	}
}

// isRetryable distinguishes transient storage failures from constraint
// violations, which retrying would only repeat.
func isRetryable(err error) bool {
	if errors.Is(err, types.ErrSessionConflict) ||
		errors.Is(err, types.ErrSessionNotFound) ||
		errors.Is(err, types.ErrEventNotFound) {
		return false
	}
	msg := err.Error()
	return !strings.Contains(msg, "UNIQUE constraint failed") &&
		!strings.Contains(msg, "CHECK constraint failed") &&
		!strings.Contains(msg, "FOREIGN KEY constraint failed")
}

func (s *SQLiteStore) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("session store is closed")
	}
	s.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case s.writeChannel <- writeOperation{operation: operation, result: result}:
		select {
		case err := <-result:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-s.shutdown:
		return fmt.Errorf("session store is shutting down")
	}
}

const sqliteSessionColumns = `id, user_id, exam_id, start_time, end_time, status,
	highest_severity, high_severity_count, reviewed_by, review_notes`

// CreateSession inserts a session; the partial unique index turns a
// duplicate live session into types.ErrSessionConflict.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *types.ExamSession) error {
	return s.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO sessions (id, user_id, exam_id, start_time, end_time, status,
				highest_severity, high_severity_count, reviewed_by, review_notes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			session.ID,
			session.UserID,
			session.ExamID,
			session.StartTime,
			session.EndTime,
			session.Status,
			session.HighestSeverity,
			session.HighSeverityCount,
			session.ReviewedBy,
			session.ReviewNotes,
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return types.ErrSessionConflict
			}
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*types.ExamSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSessionColumns+` FROM sessions WHERE id = ?`, sessionID)

	session, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, types.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return session, nil
}

func (s *SQLiteStore) FindInProgressSession(ctx context.Context, userID, examID string) (*types.ExamSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteSessionColumns+` FROM sessions
		WHERE user_id = ? AND exam_id = ? AND status = 'in_progress'
		ORDER BY start_time DESC LIMIT 1`,
		userID, examID)

	session, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, types.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to query in-progress session: %w", err)
	}
	return session, nil
}

// UpdateSessionEnd records a terminal transition.
func (s *SQLiteStore) UpdateSessionEnd(ctx context.Context, session *types.ExamSession) error {
	return s.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			UPDATE sessions SET end_time = ?, status = ?, reviewed_by = ?, review_notes = ?
			WHERE id = ?`,
			session.EndTime,
			session.Status,
			session.ReviewedBy,
			session.ReviewNotes,
			session.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) ListInProgressSessions(ctx context.Context, examID string) ([]*types.ExamSession, error) {
	query := `SELECT ` + sqliteSessionColumns + ` FROM sessions WHERE status = 'in_progress'`
	args := []interface{}{}
	if examID != "" {
		query += ` AND exam_id = ?`
		args = append(args, examID)
	}
	query += ` ORDER BY start_time DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query in-progress sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.ExamSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

// CreateEvent writes the event, its optional capture, and the owning
// session's severity counters in one transaction.
func (s *SQLiteStore) CreateEvent(ctx context.Context, event *types.ProctoringEvent, capture *types.MediaCapture) error {
	return s.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (id, session_id, type, severity, timestamp, metadata, reviewed)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			event.ID,
			event.SessionID,
			event.Type,
			event.Severity,
			event.Timestamp,
			encodeMetadata(event.Metadata),
			event.Reviewed,
		)
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}

		if capture != nil {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO captures (id, event_id, capture_type, storage_ref)
				VALUES (?, ?, ?, ?)`,
				capture.ID,
				capture.EventID,
				capture.CaptureType,
				capture.StorageRef,
			)
			if err != nil {
				return fmt.Errorf("failed to insert capture: %w", err)
			}
		}

		var highest string
		if err := tx.QueryRowContext(ctx,
			`SELECT highest_severity FROM sessions WHERE id = ?`, event.SessionID,
		).Scan(&highest); err != nil {
			return fmt.Errorf("failed to read session severity: %w", err)
		}

		highInc := 0
		if event.Severity == types.SeverityHigh {
			highInc = 1
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE sessions SET highest_severity = ?, high_severity_count = high_severity_count + ?
			WHERE id = ?`,
			types.MaxSeverity(highest, event.Severity),
			highInc,
			event.SessionID,
		)
		if err != nil {
			return fmt.Errorf("failed to update session severity: %w", err)
		}

		if err = tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit event: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) GetSessionEvents(ctx context.Context, sessionID string) ([]*types.ProctoringEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, type, severity, timestamp, metadata, reviewed
		FROM events WHERE session_id = ?
		ORDER BY timestamp ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*types.ProctoringEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		events = append(events, event)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

func (s *SQLiteStore) MarkEventReviewed(ctx context.Context, eventID string) error {
	return s.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE events SET reviewed = 1 WHERE id = ?`, eventID)
		if err != nil {
			return fmt.Errorf("failed to mark event reviewed: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return types.ErrEventNotFound
		}
		return nil
	})
}

func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions LIMIT 1").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

var _ interfaces.SessionStore = (*SQLiteStore)(nil)

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		exam_id TEXT NOT NULL,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ,
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
		timestamp TIMESTAMPTZ NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		reviewed BOOLEAN NOT NULL DEFAULT FALSE
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

// PostgresStore implements SessionStore on postgres via the pgx stdlib
// driver. Unlike sqlite there is no single-writer funnel; postgres
// handles concurrent writers, and per-session ordering is provided by
// the pipeline's per-session serialization.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens (and migrates) a postgres database.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/proctorhub?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	for _, stmt := range postgresSchema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return &PostgresStore{db: db}, nil
}

// isUniqueViolation matches SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const pgSessionColumns = `id, user_id, exam_id, start_time, end_time, status,
	highest_severity, high_severity_count, reviewed_by, review_notes`

func (s *PostgresStore) CreateSession(ctx context.Context, session *types.ExamSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, exam_id, start_time, end_time, status,
			highest_severity, high_severity_count, reviewed_by, review_notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
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
		if isUniqueViolation(err) {
			return types.ErrSessionConflict
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*types.ExamSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgSessionColumns+` FROM sessions WHERE id = $1`, sessionID)

	session, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, types.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return session, nil
}

func (s *PostgresStore) FindInProgressSession(ctx context.Context, userID, examID string) (*types.ExamSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pgSessionColumns+` FROM sessions
		WHERE user_id = $1 AND exam_id = $2 AND status = 'in_progress'
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

func (s *PostgresStore) UpdateSessionEnd(ctx context.Context, session *types.ExamSession) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET end_time = $1, status = $2, reviewed_by = $3, review_notes = $4
		WHERE id = $5`,
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
}

func (s *PostgresStore) ListInProgressSessions(ctx context.Context, examID string) ([]*types.ExamSession, error) {
	query := `SELECT ` + pgSessionColumns + ` FROM sessions WHERE status = 'in_progress'`
	args := []interface{}{}
	if examID != "" {
		query += ` AND exam_id = $1`
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

func (s *PostgresStore) CreateEvent(ctx context.Context, event *types.ProctoringEvent, capture *types.MediaCapture) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, session_id, type, severity, timestamp, metadata, reviewed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
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
			VALUES ($1, $2, $3, $4)`,
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
		`SELECT highest_severity FROM sessions WHERE id = $1 FOR UPDATE`, event.SessionID,
	).Scan(&highest); err != nil {
		return fmt.Errorf("failed to read session severity: %w", err)
	}

	highInc := 0
	if event.Severity == types.SeverityHigh {
		highInc = 1
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET highest_severity = $1, high_severity_count = high_severity_count + $2
		WHERE id = $3`,
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
}

func (s *PostgresStore) GetSessionEvents(ctx context.Context, sessionID string) ([]*types.ProctoringEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, type, severity, timestamp, metadata::text, reviewed
		FROM events WHERE session_id = $1
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

func (s *PostgresStore) MarkEventReviewed(ctx context.Context, eventID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET reviewed = TRUE WHERE id = $1`, eventID)
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
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

var _ interfaces.SessionStore = (*PostgresStore)(nil)

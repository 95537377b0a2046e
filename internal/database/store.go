package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"proctorhub/internal/config"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// NewStore selects a SessionStore implementation from the configured
// driver.
func NewStore(cfg config.StorageConfig) (interfaces.SessionStore, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLiteStore(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgresStore(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

// rowScanner abstracts sql.Row and sql.Rows for the shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*types.ExamSession, error) {
	var session types.ExamSession
	var endTime sql.NullTime
	var reviewedBy, reviewNotes sql.NullString

	err := row.Scan(
		&session.ID,
		&session.UserID,
		&session.ExamID,
		&session.StartTime,
		&endTime,
		&session.Status,
		&session.HighestSeverity,
		&session.HighSeverityCount,
		&reviewedBy,
		&reviewNotes,
	)
	if err != nil {
		return nil, err
	}

	if endTime.Valid {
		session.EndTime = &endTime.Time
	}
	if reviewedBy.Valid {
		session.ReviewedBy = &reviewedBy.String
	}
	if reviewNotes.Valid {
		session.ReviewNotes = &reviewNotes.String
	}
	return &session, nil
}

func scanEvent(row rowScanner) (*types.ProctoringEvent, error) {
	var event types.ProctoringEvent
	var metadataJSON string

	err := row.Scan(
		&event.ID,
		&event.SessionID,
		&event.Type,
		&event.Severity,
		&event.Timestamp,
		&metadataJSON,
		&event.Reviewed,
	)
	if err != nil {
		return nil, err
	}

	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &event.Metadata); err != nil {
			return nil, err
		}
	}
	return &event, nil
}

func encodeMetadata(metadata map[string]interface{}) string {
	if metadata == nil {
		return "{}"
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(data)
}

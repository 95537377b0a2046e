package types

import (
	"time"
)

// Session status values. A session leaves in_progress exactly once and
// never returns to it.
const (
	SessionInProgress = "in_progress"
	SessionCompleted  = "completed"
	SessionTerminated = "terminated"
)

// Severity levels assigned to proctoring events.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Detectable condition vocabulary. Detectors may emit other labels
// (including informational all-clear signals); only types on the
// configured safelist are ever persisted.
const (
	EventFaceNotDetected = "FACE_NOT_DETECTED"
	EventMultipleFaces   = "MULTIPLE_FACES"
	EventLookingAway     = "LOOKING_AWAY"
	EventPhoneDetected   = "PHONE_DETECTED"
	EventForbiddenObject = "FORBIDDEN_OBJECT"
	EventSpeechDetected  = "SPEECH_DETECTED"
	EventTabSwitch       = "TAB_SWITCH"
	EventWindowBlur      = "WINDOW_BLUR"
)

// Named events pushed to monitoring clients.
const (
	BroadcastSessionStatus    = "session_status_update"
	BroadcastViolation        = "violation_detected"
	BroadcastAdminWarning     = "admin_warning"
	BroadcastSessionEnded     = "proctoring_session_terminated"
	BroadcastSessionCompleted = "proctoring_session_completed"
)

// Connection roles accepted at room join time.
const (
	RoleStudent    = "student"
	RoleInstructor = "instructor"
	RoleAdmin      = "admin"
)

// ExamSession is one proctored attempt by one user at one exam.
// EndTime is set if and only if Status != in_progress. Rows are never
// hard-deleted; terminated and completed sessions are retained for audit.
type ExamSession struct {
	ID                string     `json:"id" db:"id"`
	UserID            string     `json:"user_id" db:"user_id"`
	ExamID            string     `json:"exam_id" db:"exam_id"`
	StartTime         time.Time  `json:"start_time" db:"start_time"`
	EndTime           *time.Time `json:"end_time,omitempty" db:"end_time"`
	Status            string     `json:"status" db:"status"`
	HighestSeverity   string     `json:"highest_severity,omitempty" db:"highest_severity"`
	HighSeverityCount int        `json:"high_severity_count" db:"high_severity_count"`
	ReviewedBy        *string    `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ReviewNotes       *string    `json:"review_notes,omitempty" db:"review_notes"`
}

// Terminal reports whether the session has left in_progress.
func (s *ExamSession) Terminal() bool {
	return s.Status == SessionCompleted || s.Status == SessionTerminated
}

// ProctoringEvent is a detection that passed the safelist and dedupe
// filters and was persisted. Immutable once created except for the
// Reviewed flag.
type ProctoringEvent struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"session_id"`
	Type      string                 `json:"type"`
	Severity  string                 `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Reviewed  bool                   `json:"reviewed"`
}

// MediaCapture is an optional stored evidence artifact attached to an
// event. A capture cannot outlive its event.
type MediaCapture struct {
	ID          string `json:"id"`
	EventID     string `json:"event_id"`
	CaptureType string `json:"capture_type"`
	StorageRef  string `json:"storage_ref"`
}

// RawDetection is a single candidate observation as received from the
// external analysis collaborator. Severity and confidence are optional;
// metadata is pass-through.
type RawDetection struct {
	Type       string                 `json:"type"`
	Severity   string                 `json:"severity,omitempty"`
	Confidence *float64               `json:"confidence,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Detection is a raw detection that passed the reportable safelist and
// had its severity normalized.
type Detection struct {
	Type       string
	Severity   string
	Confidence *float64
	Metadata   map[string]interface{}
}

// DetectionReport is one inbound batch from the detection collaborator,
// one per captured frame. SessionID may be empty when the report arrives
// before the explicit start call was observed.
type DetectionReport struct {
	SessionID  string         `json:"session_id,omitempty"`
	ExamID     string         `json:"exam_id"`
	UserID     string         `json:"user_id"`
	Detections []RawDetection `json:"detections"`
	Evidence   *Evidence      `json:"evidence,omitempty"`
}

// Evidence is a raw captured artifact supplied alongside a detection
// batch, stored best-effort.
type Evidence struct {
	CaptureType string `json:"capture_type"`
	Data        []byte `json:"data"`
}

// AuditEntry is the fire-and-forget record submitted to the external
// tamper-evident ledger for high-severity violations.
type AuditEntry struct {
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	ViolationType string    `json:"violation_type"`
	Timestamp     time.Time `json:"timestamp"`
}

// ActiveSession is the read-API projection of a live session: the
// storage row intersected with the heartbeat tracker.
type ActiveSession struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	StartedAt       time.Time `json:"started_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// SeverityRank orders severities for highest-observed tracking. Unknown
// severities rank below low.
func SeverityRank(severity string) int {
	switch severity {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	default:
		return 0
	}
}

// MaxSeverity returns the higher-ranked of two severities.
func MaxSeverity(a, b string) string {
	if SeverityRank(b) > SeverityRank(a) {
		return b
	}
	return a
}

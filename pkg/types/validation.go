package types

import (
	"regexp"
)

var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidUserID checks user identifier format. The same rule applies to
// exam identifiers; both end up in URLs, filenames and room keys.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return idRegex.MatchString(userID)
}

// IsValidExamID checks exam identifier format.
func IsValidExamID(examID string) bool {
	return IsValidUserID(examID)
}

// IsValidSeverity checks that a severity is one of the three levels.
// The empty string is accepted on raw detections and normalized to
// medium by the classifier.
func IsValidSeverity(severity string) bool {
	switch severity {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	default:
		return false
	}
}

// IsValidRole checks a declared connection role.
func IsValidRole(role string) bool {
	switch role {
	case RoleStudent, RoleInstructor, RoleAdmin:
		return true
	default:
		return false
	}
}

// IsValidStatus checks a session status value.
func IsValidStatus(status string) bool {
	switch status {
	case SessionInProgress, SessionCompleted, SessionTerminated:
		return true
	default:
		return false
	}
}

// Validate ensures a detection report is well formed enough to enter the
// pipeline. An empty detection list is valid; it simply produces no
// events.
func (r *DetectionReport) Validate() error {
	if !IsValidUserID(r.UserID) {
		return ErrInvalidUserID
	}
	if !IsValidExamID(r.ExamID) {
		return ErrInvalidExamID
	}
	for _, d := range r.Detections {
		if d.Severity != "" && !IsValidSeverity(d.Severity) {
			return ErrInvalidSeverity
		}
	}
	return nil
}

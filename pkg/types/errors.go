package types

import "errors"

// Sentinel errors shared across components. Callers branch on these with
// errors.Is after unwrapping.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionConflict = errors.New("an in-progress session already exists for this user and exam")
	ErrEventNotFound   = errors.New("event not found")
	ErrInvalidUserID   = errors.New("user ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidExamID   = errors.New("exam ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidSeverity = errors.New("severity must be low, medium, or high")
	ErrInvalidRole     = errors.New("role must be student, instructor, or admin")
)

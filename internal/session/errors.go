package session

import "errors"

var (
	ErrSessionAlreadyEnded = errors.New("session has already ended")
	ErrInvalidReport       = errors.New("detection report failed validation")
)

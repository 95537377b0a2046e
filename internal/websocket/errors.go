package websocket

import "errors"

var (
	ErrConnectionClosed           = errors.New("connection is closed")
	ErrInvalidJSON                = errors.New("failed to marshal message to JSON")
	ErrWriteTimeout               = errors.New("write operation timed out")
	ErrNilConnection              = errors.New("connection cannot be nil")
	ErrConnectionNotAuthenticated = errors.New("connection is not authenticated")
	ErrInvalidToken               = errors.New("join token is invalid")
)

package interfaces

import "errors"

// Cross-component errors shared between the registry, router, and transports.
var (
	ErrUsernameTaken    = errors.New("username already taken")
	ErrServerFull       = errors.New("maximum concurrent sessions reached")
	ErrNotFound         = errors.New("username not registered")
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timed out")
)

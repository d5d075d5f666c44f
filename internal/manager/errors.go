package manager

import "errors"

var (
	// ErrNotFound is returned when no app or instance has the given name.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState is returned when an operation is not allowed in the
	// instance's current state.
	ErrInvalidState = errors.New("invalid state")
	// ErrShuttingDown is returned for commands sent after Shutdown.
	ErrShuttingDown = errors.New("manager shutting down")
)

package core

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a conditional write lost against a concurrent one.
	ErrConflict     = errors.New("version conflict")
	ErrLeaseLost    = errors.New("task lease lost")
	ErrInvalidState = errors.New("invalid task state")
)

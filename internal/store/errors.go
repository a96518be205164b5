package store

import "errors"

var (
	// ErrNotFound indicates no session exists for the agent id.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidDocument indicates a stored session failed structural
	// validation and cannot be loaded.
	ErrInvalidDocument = errors.New("invalid session document")

	// ErrBadAgentID indicates an agent id unsafe to use as a storage key.
	ErrBadAgentID = errors.New("invalid agent id")
)

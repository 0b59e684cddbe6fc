package domain

import "errors"

var (
	// ErrConflict indicates a mutating operation attempted while an
	// incompatible deployment or proposal state already exists.
	ErrConflict = errors.New("conflicting state")

	// ErrNotFound indicates an operation on an unknown id.
	ErrNotFound = errors.New("not found")

	// ErrUnreachable indicates an agent or host could not be contacted
	// within the retry budget.
	ErrUnreachable = errors.New("unreachable")

	// ErrValidation indicates a malformed image reference or unknown
	// strategy in caller input.
	ErrValidation = errors.New("validation failed")
)

package mailqueue

import "errors"

// Repository errors.
var (
	ErrEntryNotFound = errors.New("queue entry not found")
)

// Service errors.
var (
	ErrInvalidInput = errors.New("invalid enqueue input")
)

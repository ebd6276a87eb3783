// Package uuidv7 mints time-ordered identifiers for commands and agents.
package uuidv7

import "github.com/google/uuid"

// New returns a fresh UUIDv7. Generation only fails when the entropy
// source is broken, which is not recoverable, so it panics instead of
// returning an error.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString is New rendered in canonical form.
func NewString() string {
	return New().String()
}

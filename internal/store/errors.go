package store

import "errors"

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrActiveSessionExists is returned when inserting a session races
	// with an existing active lease for the same owner.
	ErrActiveSessionExists = errors.New("active session already exists for owner")
)

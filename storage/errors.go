package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown or expired ids.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyUsed is returned when a single-use entity was already consumed.
	ErrAlreadyUsed = errors.New("already used")

	// ErrDuplicate is returned when an entity with the same id exists.
	ErrDuplicate = errors.New("duplicate id")

	// ErrUnknownKind is returned by Factory.Repository for unsupported kinds.
	ErrUnknownKind = errors.New("unknown repository kind")
)

// StorageError wraps a backend failure (connection loss, I/O, encoding).
// Sentinel outcomes such as ErrNotFound are never wrapped in it.
type StorageError struct {
	Op   string
	Kind Kind
	Err  error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying cause
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Wrap returns err as a *StorageError unless it is nil or one of the
// package sentinels.
func Wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyUsed) || errors.Is(err, ErrDuplicate) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Kind: kind, Err: err}
}

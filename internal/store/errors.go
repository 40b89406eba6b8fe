package store

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by every operation on a closed Store.
	ErrClosed = errors.New("store is closed")

	// ErrLocked means another process holds the store's writer lock.
	ErrLocked = errors.New("store is locked by another process")

	// ErrNewerSchema means the store was initialized by a newer build.
	ErrNewerSchema = errors.New("store schema is newer than this build supports")
)

// LocalPersistenceError wraps any failure of a local store operation. When
// it is returned from a mutating call, the transaction was rolled back and
// no partial effect is visible.
type LocalPersistenceError struct {
	Op   string
	Kind string
	Err  error
}

func (e *LocalPersistenceError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("local store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("local store %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *LocalPersistenceError) Unwrap() error {
	return e.Err
}

func persistErr(op, kind string, err error) error {
	if err == nil {
		return nil
	}
	return &LocalPersistenceError{Op: op, Kind: kind, Err: err}
}

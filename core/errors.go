package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidProfile marks a profile the BAC model cannot use.
	ErrInvalidProfile = errors.New("invalid profile")
	// ErrUnknownMetric marks a metric name outside the catalog.
	ErrUnknownMetric = errors.New("unknown metric")
	// ErrMissingSessionContext marks a session-scoped request made without a session.
	ErrMissingSessionContext = errors.New("missing session context")
	// ErrSessionNotEnded marks a session-end check made before the session's end time.
	ErrSessionNotEnded = errors.New("session has not ended")
	// ErrEmptyUserID marks a blank user id.
	ErrEmptyUserID = errors.New("empty user id")
	// ErrInvalidCriteria marks a malformed criteria document.
	ErrInvalidCriteria = errors.New("invalid criteria")
	// ErrUnknownCategory marks a badge category with no award scope.
	ErrUnknownCategory = errors.New("unknown badge category")
	// ErrNotFound is returned by stores for missing users, sessions and badges.
	ErrNotFound = errors.New("not found")
)

// PersistenceError wraps any failure reported by a store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps err as a PersistenceError for op. It returns nil for a nil
// err and leaves an existing PersistenceError untouched.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsPersistence reports whether err came from a store.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

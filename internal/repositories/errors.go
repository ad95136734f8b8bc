package repositories

import "fmt"

// StoreError is a backend neutral RepositoryError used by the in-memory and SQL stores.
type StoreError struct {
	Op          string
	Err         error
	NotFound    bool
	Conflict    bool
	Unavailable bool
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return e.Op
	}
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying error.
func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *StoreError) IsNotFound() bool    { return e != nil && e.NotFound }
func (e *StoreError) IsConflict() bool    { return e != nil && e.Conflict }
func (e *StoreError) IsUnavailable() bool { return e != nil && e.Unavailable }

// NewNotFound reports that the addressed record does not exist.
func NewNotFound(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err, NotFound: true}
}

// NewConflict reports a failed precondition or uniqueness violation.
func NewConflict(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err, Conflict: true}
}

// NewUnavailable reports a transient backend failure.
func NewUnavailable(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err, Unavailable: true}
}

// Package apperr defines the error taxonomy shared by the content client,
// the edit session and the web layer.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrAuth       = errors.New("authentication failed")
	ErrConflict   = errors.New("content hash conflict")
	ErrNetwork    = errors.New("network error")
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
)

// AuthError is returned when the API rejects the token. It ends the session.
type AuthError struct {
	Op     string
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed (status %d)", e.Op, e.Status)
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuth
}

// ConflictError is returned when a write precondition on the content hash
// fails, or when an overwrite of a remotely changed page was not confirmed.
type ConflictError struct {
	Path         string
	ExpectedSHA  string
	CurrentSHA   string
	NeedsConfirm bool
}

func (e *ConflictError) Error() string {
	if e.NeedsConfirm {
		return fmt.Sprintf("%s changed remotely since editing started; overwrite must be confirmed", e.Path)
	}
	return fmt.Sprintf("%s: remote content no longer matches %s", e.Path, shortSHA(e.ExpectedSHA))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// NetworkError covers transport failures and unexpected HTTP statuses.
type NetworkError struct {
	Op     string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
	}
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork
}

// ValidationError blocks an operation before any network call, or reports a
// payload that could not be decoded into a typed record.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NotFoundError is returned for missing or stale paths and hashes.
type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string {
	return e.What + " not found"
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Validation is shorthand for a ValidationError.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Status converts an error into the status line shown to the user.
func Status(err error) string {
	if err == nil {
		return ""
	}

	var conflict *ConflictError
	var validation *ValidationError
	var notFound *NotFoundError
	switch {
	case errors.As(err, &conflict):
		if conflict.NeedsConfirm {
			return "This page changed on the server since you started editing. Confirm to overwrite, or reload."
		}
		return "Save rejected: the page changed on the server. Reload or overwrite."
	case errors.Is(err, ErrAuth):
		return "Your token was rejected. Please log in again."
	case errors.As(err, &validation):
		return "Invalid input: " + validation.Error()
	case errors.As(err, &notFound):
		return notFound.Error()
	case errors.Is(err, ErrNetwork):
		return "Could not reach GitHub. Try again."
	default:
		return "Error: " + err.Error()
	}
}

func shortSHA(sha string) string {
	if sha == "" {
		return "(new file)"
	}
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

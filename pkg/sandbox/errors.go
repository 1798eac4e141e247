package sandbox

import (
	"context"
	"errors"
)

// Sentinel errors. Provider adapters wrap them so callers can classify
// failures with errors.Is.
var (
	// ErrInvalidKey is returned for an empty session key.
	ErrInvalidKey = errors.New("sandbox: session key must not be empty")

	// ErrProviderUnavailable marks a transient provider failure (network
	// error, 5xx, throttling). Safe to retry with backoff.
	ErrProviderUnavailable = errors.New("sandbox: provider unavailable")

	// ErrCreationFailed marks a provider rejection of a create request.
	ErrCreationFailed = errors.New("sandbox: creation failed")

	// ErrResumeTimeout is returned when a started sandbox does not reach
	// the running state within the resume window.
	ErrResumeTimeout = errors.New("sandbox: resume timed out")

	// ErrNotFound is internal to the provider contract. The manager turns
	// it into the creation path and never returns it from Acquire.
	ErrNotFound = errors.New("sandbox: not found")
)

// IsNotFound reports whether err signals that a sandbox does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrProviderUnavailable)
}

// Unavailable wraps err as a transient provider failure.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrProviderUnavailable) {
		return err
	}
	return &classifiedError{kind: ErrProviderUnavailable, err: err}
}

// CreationFailed wraps err as a hard creation failure.
func CreationFailed(err error) error {
	if err == nil || errors.Is(err, ErrCreationFailed) {
		return err
	}
	return &classifiedError{kind: ErrCreationFailed, err: err}
}

// classifiedError attaches a sentinel to an underlying cause while keeping
// both reachable through errors.Is.
type classifiedError struct {
	kind error
	err  error
}

func (e *classifiedError) Error() string {
	return e.kind.Error() + ": " + e.err.Error()
}

func (e *classifiedError) Unwrap() []error {
	return []error{e.kind, e.err}
}

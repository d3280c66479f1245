package registry

import (
	"errors"
	"fmt"
)

// modelUnavailableError signals that a handle could not be created.
type modelUnavailableError struct {
	name  string
	cause error
}

func (e modelUnavailableError) Error() string {
	if e.cause == nil {
		return "model unavailable: " + e.name
	}
	return fmt.Sprintf("model unavailable: %s: %v", e.name, e.cause)
}

func (e modelUnavailableError) Unwrap() error { return e.cause }

// ErrModelUnavailable wraps the reason a model could not be acquired.
func ErrModelUnavailable(name string, cause error) error {
	return modelUnavailableError{name: name, cause: cause}
}

// IsModelUnavailable reports whether err came from a failed acquisition.
func IsModelUnavailable(err error) bool {
	var e modelUnavailableError
	return errors.As(err, &e)
}

// acquisitionFailedError is delivered to every waiter of a failed pull.
type acquisitionFailedError struct {
	name  string
	cause error
}

func (e acquisitionFailedError) Error() string {
	return fmt.Sprintf("pull %s failed: %v", e.name, e.cause)
}

func (e acquisitionFailedError) Unwrap() error { return e.cause }

// ErrAcquisitionFailed wraps the cause of a failed pull.
func ErrAcquisitionFailed(name string, cause error) error {
	return acquisitionFailedError{name: name, cause: cause}
}

// IsAcquisitionFailed reports whether err came from a failed pull.
func IsAcquisitionFailed(err error) bool {
	var e acquisitionFailedError
	return errors.As(err, &e)
}

var errClosed = errors.New("registry closed")

// ModelName returns the model named by an acquisition error, if any.
func ModelName(err error) string {
	var mu modelUnavailableError
	if errors.As(err, &mu) {
		return mu.name
	}
	var af acquisitionFailedError
	if errors.As(err, &af) {
		return af.name
	}
	return ""
}

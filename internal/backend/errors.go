package backend

import "errors"

// unknownModelError signals a model the backend does not have locally.
type unknownModelError struct{ name string }

func (e unknownModelError) Error() string { return "model not found: " + e.name }

// ErrUnknownModel returns an error for a model the backend does not know.
func ErrUnknownModel(name string) error { return unknownModelError{name: name} }

// IsUnknownModel reports whether err indicates a model missing from the backend.
func IsUnknownModel(err error) bool {
	var e unknownModelError
	return errors.As(err, &e)
}

// unavailableError signals that the backend itself cannot be reached or used.
type unavailableError struct{ msg string }

func (e unavailableError) Error() string { return e.msg }

// ErrUnavailable constructs an error for an unreachable or disabled backend.
func ErrUnavailable(msg string) error { return unavailableError{msg: msg} }

// IsUnavailable reports whether err indicates a missing/failed backend.
func IsUnavailable(err error) bool {
	var e unavailableError
	return errors.As(err, &e)
}

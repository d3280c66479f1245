package session

import (
	"context"
	"errors"
	"fmt"

	"relayd/internal/backend"
	"relayd/internal/registry"
)

// malformedError signals a bad inbound frame. The session stays open.
type malformedError struct{ reason string }

func (e malformedError) Error() string { return "malformed request: " + e.reason }

// ErrMalformed constructs a malformed-request error.
func ErrMalformed(reason string) error { return malformedError{reason: reason} }

// IsMalformed reports whether err is a malformed-request error.
func IsMalformed(err error) bool {
	var e malformedError
	return errors.As(err, &e)
}

// noModelBoundError signals a request with no explicit or bound model.
type noModelBoundError struct{}

func (noModelBoundError) Error() string { return "no model bound to session" }

// ErrNoModelBound constructs a no-model-bound error.
func ErrNoModelBound() error { return noModelBoundError{} }

// IsNoModelBound reports whether err is a no-model-bound error.
func IsNoModelBound(err error) bool {
	var e noModelBoundError
	return errors.As(err, &e)
}

// sessionBusyError rejects a request while another one is generating.
type sessionBusyError struct{}

func (sessionBusyError) Error() string { return "session busy" }

// ErrSessionBusy constructs a session-busy error.
func ErrSessionBusy() error { return sessionBusyError{} }

// IsSessionBusy reports whether err is a session-busy error.
func IsSessionBusy(err error) bool {
	var e sessionBusyError
	return errors.As(err, &e)
}

// transportError is a connection-level failure; the session closes.
type transportError struct{ cause error }

func (e transportError) Error() string { return fmt.Sprintf("transport failure: %v", e.cause) }

func (e transportError) Unwrap() error { return e.cause }

// ErrTransportFailure wraps a connection-level failure.
func ErrTransportFailure(cause error) error { return transportError{cause: cause} }

// IsTransportFailure reports whether err is a transport failure.
func IsTransportFailure(err error) bool {
	var e transportError
	return errors.As(err, &e)
}

var errEmitterClosed = errors.New("emitter closed")

// Describe returns the client-facing text for err. Internal detail stays in
// the logs.
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case IsMalformed(err):
		var e malformedError
		errors.As(err, &e)
		return "Malformed request: " + e.reason
	case IsNoModelBound(err):
		return "No model selected. Connect to /ws/{model} or set \"model\" in the message."
	case IsSessionBusy(err):
		return "A response is already being generated. Wait for it to finish before sending another message."
	case registry.IsModelUnavailable(err):
		name := registry.ModelName(err)
		switch {
		case registry.IsAcquisitionFailed(err):
			return fmt.Sprintf("Model %s could not be pulled.", name)
		case backend.IsUnknownModel(err):
			return fmt.Sprintf("Model %s is not available.", name)
		case backend.IsUnavailable(err):
			return "The model backend is unavailable."
		case errors.Is(err, context.DeadlineExceeded):
			return fmt.Sprintf("Timed out loading model %s.", name)
		}
		return fmt.Sprintf("Model %s could not be loaded.", name)
	case backend.IsUnavailable(err):
		return "The model backend is unavailable."
	case backend.IsUnknownModel(err):
		return "The model is no longer available."
	}
	return "Generation failed."
}

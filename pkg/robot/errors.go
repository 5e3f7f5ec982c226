package robot

import (
	"errors"
	"fmt"
)

// Failure taxonomy. Connection failures are retried with backoff before they
// surface; safety, limit and session failures are never retried automatically
// because they reflect a precondition the caller has to fix first.
var (
	ErrConnection          = errors.New("connection error")
	ErrSafetyViolation     = errors.New("safety violation")
	ErrWorkspaceLimit      = errors.New("workspace limit exceeded")
	ErrJointLimit          = errors.New("joint limit exceeded")
	ErrBusy                = errors.New("command slot busy")
	ErrForceControlTimeout = errors.New("force control timeout")
	ErrSessionConflict     = errors.New("session conflict")
	ErrMalformed           = errors.New("malformed command")
)

func newLimitError(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// UserMessage translates any failure into the stable, non-technical message
// set the UI layer displays. Raw codes and wrapped detail never cross the API.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConnection):
		return "Robot is disconnected"
	case errors.Is(err, ErrSafetyViolation):
		return "Robot is not ready"
	case errors.Is(err, ErrWorkspaceLimit):
		return "Target is outside the allowed workspace"
	case errors.Is(err, ErrJointLimit):
		return "Target exceeds a joint limit"
	case errors.Is(err, ErrBusy):
		return "Robot is busy, try again"
	case errors.Is(err, ErrForceControlTimeout):
		return "Piece contact was not detected"
	case errors.Is(err, ErrSessionConflict):
		return "Another session is in control"
	case errors.Is(err, ErrMalformed):
		return "Invalid command"
	default:
		return "Operation failed"
	}
}

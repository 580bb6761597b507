package client

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joescharf/bugtrack/internal/lifecycle"
)

// MsgUnreachable is shown for every transport failure.
const MsgUnreachable = "Unable to reach the server. Please try again."

// ValidationError is a request the client refused to send.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return e.Err }

// TransportError is a request that never produced an HTTP response.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// RejectionError is a non-2xx response. Message is the server's "error"
// field, or the status text when the body carried none.
type RejectionError struct {
	StatusCode int
	Message    string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("server rejected request (%d): %s", e.StatusCode, e.Message)
}

// UserMessage translates the server message into text for the user.
func (e *RejectionError) UserMessage() string {
	msg := strings.ToLower(e.Message)
	switch {
	case strings.Contains(msg, "already assigned"):
		return "This item is already assigned."
	case strings.Contains(msg, "not found"):
		return "The item or user was not found."
	case strings.Contains(msg, "closed"):
		return "This item is closed and can no longer be changed."
	case strings.Contains(msg, "not allowed"):
		return "You are not allowed to perform this action."
	case e.StatusCode == 400:
		return e.Message
	case e.StatusCode == 401:
		return "Your session has expired. Please log in again."
	}
	return "Something went wrong. Please try again."
}

// UserMessage returns the one line to show for err.
func UserMessage(err error) string {
	var verr *ValidationError
	var terr *TransportError
	var rerr *RejectionError
	switch {
	case errors.As(err, &verr):
		return verr.Message
	case errors.As(err, &terr):
		return MsgUnreachable
	case errors.As(err, &rerr):
		return rerr.UserMessage()
	case errors.Is(err, ErrNoSession):
		return err.Error()
	}
	return err.Error()
}

// refuse converts a lifecycle rejection into a ValidationError.
func refuse(entity string, err error) error {
	var lerr *lifecycle.ValidationError
	switch {
	case errors.As(err, &lerr):
		return &ValidationError{Message: lerr.Message, Err: err}
	case errors.Is(err, lifecycle.ErrTerminal):
		return &ValidationError{Message: fmt.Sprintf("This %s is closed and can no longer be changed.", entity), Err: err}
	case errors.Is(err, lifecycle.ErrForbidden):
		return &ValidationError{Message: "Your role cannot perform this action.", Err: err}
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return &ValidationError{Message: fmt.Sprintf("That action is not available for this %s.", entity), Err: err}
	}
	return &ValidationError{Message: err.Error(), Err: err}
}

// Package lifecycle holds the bug and task state machines.
//
// Every status change is looked up in an explicit transition table keyed by
// (current status, action, role). The same tables are used by the server when
// applying a transition and by the client before it sends a request, so a
// rule lives in exactly one place.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joescharf/bugtrack/internal/models"
)

// Sentinel errors returned by Bug and Task. Validation failures wrap
// ErrValidation together with a user-facing message.
var (
	ErrTerminal          = errors.New("closed and can no longer be changed")
	ErrForbidden         = errors.New("not allowed for this role")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrValidation        = errors.New("validation failed")
)

// User-facing validation messages.
const (
	MsgSelectDeveloper = "Please select a developer."
	MsgSelectTester    = "Please select a tester."
	MsgNotesOrImage    = "Please provide notes or an image."
	MsgComment         = "Please provide a comment."
)

// ValidationError is a missing or malformed payload field.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Unwrap makes errors.Is(err, ErrValidation) hold.
func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(msg string) error { return &ValidationError{Message: msg} }

// Action names a lifecycle operation.
type Action string

const (
	ActionAssign              Action = "assign"
	ActionStartProgress       Action = "start_progress"
	ActionResolve             Action = "resolve"
	ActionClose               Action = "close"
	ActionReassignByTester    Action = "reassign_by_tester"
	ActionReopen              Action = "reopen"
	ActionRequestReassignment Action = "request_reassignment"
	ActionAddNote             Action = "add_note"
)

// Payload carries the user-supplied fields of a transition.
type Payload struct {
	Notes      string // notes, resolution, or comment text
	HasImage   bool
	AssigneeID string // developer for bugs, tester for tasks
}

func (p Payload) hasNotes() bool { return strings.TrimSpace(p.Notes) != "" }

// requirement is the payload rule attached to a table entry.
type requirement int

const (
	needNothing requirement = iota
	needDeveloper
	needTester
	needNotesOrImage
	needComment
)

func (r requirement) check(p Payload) error {
	switch r {
	case needDeveloper:
		if strings.TrimSpace(p.AssigneeID) == "" {
			return invalid(MsgSelectDeveloper)
		}
	case needTester:
		if strings.TrimSpace(p.AssigneeID) == "" {
			return invalid(MsgSelectTester)
		}
	case needNotesOrImage:
		if !p.hasNotes() && !p.HasImage {
			return invalid(MsgNotesOrImage)
		}
	case needComment:
		if !p.hasNotes() {
			return invalid(MsgComment)
		}
	}
	return nil
}

// ActionForStatus maps a developer's requested target status to an action.
func ActionForStatus(s models.BugStatus) (Action, error) {
	switch s {
	case models.BugStatusInProgress:
		return ActionStartProgress, nil
	case models.BugStatusResolved:
		return ActionResolve, nil
	}
	return "", fmt.Errorf("%w: developers cannot set status %s", ErrInvalidTransition, s)
}

package lifecycle

import (
	"fmt"
	"slices"

	"github.com/joescharf/bugtrack/internal/models"
)

type bugKey struct {
	from   models.BugStatus
	action Action
}

// bugRule is the outcome of a table lookup. An empty to leaves the status
// unchanged (notes, reassignment requests).
type bugRule struct {
	to  models.BugStatus
	req requirement
}

// bugRoles lists which roles may attempt each action at all.
var bugRoles = map[Action][]models.Role{
	ActionAssign:              {models.RoleAdmin, models.RoleDeveloper},
	ActionStartProgress:       {models.RoleDeveloper},
	ActionResolve:             {models.RoleDeveloper},
	ActionClose:               {models.RoleTester},
	ActionReassignByTester:    {models.RoleTester},
	ActionReopen:              {models.RoleTester},
	ActionRequestReassignment: {models.RoleTester},
	ActionAddNote:             {models.RoleDeveloper},
}

var bugTable = buildBugTable()

func buildBugTable() map[bugKey]bugRule {
	t := make(map[bugKey]bugRule)
	add := func(action Action, to models.BugStatus, req requirement, from ...models.BugStatus) {
		for _, f := range from {
			t[bugKey{f, action}] = bugRule{to: to, req: req}
		}
	}

	open := []models.BugStatus{
		models.BugStatusNew, models.BugStatusOpen, models.BugStatusAssigned,
		models.BugStatusInProgress, models.BugStatusResolved,
	}
	working := []models.BugStatus{models.BugStatusAssigned, models.BugStatusInProgress}

	add(ActionAssign, models.BugStatusAssigned, needDeveloper, open...)
	add(ActionStartProgress, models.BugStatusInProgress, needNotesOrImage, working...)
	add(ActionResolve, models.BugStatusResolved, needNotesOrImage, working...)
	add(ActionClose, models.BugStatusClosed, needComment, models.BugStatusResolved)
	add(ActionReassignByTester, models.BugStatusAssigned, needDeveloper, models.BugStatusResolved)
	add(ActionReopen, models.BugStatusInProgress, needNotesOrImage, models.BugStatusResolved)
	add(ActionRequestReassignment, "", needNothing, open...)
	add(ActionAddNote, "", needNotesOrImage, open...)
	return t
}

// Bug validates action on a bug in status from, performed by role with the
// given payload, and returns the resulting status. Checks run in order:
// terminal state, role, transition, payload.
func Bug(from models.BugStatus, action Action, role models.Role, p Payload) (models.BugStatus, error) {
	if from.IsTerminal() {
		return from, fmt.Errorf("bug is %w", ErrTerminal)
	}
	roles, ok := bugRoles[action]
	if !ok {
		return from, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}
	if !slices.Contains(roles, role) {
		return from, fmt.Errorf("%w: %s cannot %s a bug", ErrForbidden, role, action)
	}
	rule, ok := bugTable[bugKey{from, action}]
	if !ok {
		return from, fmt.Errorf("%w: cannot %s a bug in status %s", ErrInvalidTransition, action, from)
	}
	if err := rule.req.check(p); err != nil {
		return from, err
	}
	if rule.to == "" {
		return from, nil
	}
	return rule.to, nil
}

// BugActions returns the actions role may attempt on a bug in status from,
// ignoring payload and ownership.
func BugActions(from models.BugStatus, role models.Role) []Action {
	if from.IsTerminal() {
		return nil
	}
	var out []Action
	for _, a := range bugActionOrder {
		if !slices.Contains(bugRoles[a], role) {
			continue
		}
		if _, ok := bugTable[bugKey{from, a}]; ok {
			out = append(out, a)
		}
	}
	return out
}

var bugActionOrder = []Action{
	ActionAssign, ActionStartProgress, ActionResolve, ActionAddNote,
	ActionClose, ActionReassignByTester, ActionReopen, ActionRequestReassignment,
}

// ClearsAttention reports whether action acknowledges a pending reassignment
// request. Only a developer status change does.
func ClearsAttention(action Action) bool {
	return action == ActionStartProgress || action == ActionResolve
}

// RaisesAttention reports whether action flags the bug for the developer.
func RaisesAttention(action Action) bool {
	return action == ActionRequestReassignment || action == ActionReassignByTester
}

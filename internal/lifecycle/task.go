package lifecycle

import (
	"fmt"

	"github.com/joescharf/bugtrack/internal/models"
)

type taskKey struct {
	from   models.TaskStatus
	action Action
	role   models.Role
}

type taskRule struct {
	to  models.TaskStatus
	req requirement
}

// Tasks have no reopen transition.
var taskTable = map[taskKey]taskRule{
	{models.TaskStatusUnassigned, ActionAssign, models.RoleAdmin}: {models.TaskStatusAssigned, needTester},
	{models.TaskStatusAssigned, ActionAssign, models.RoleAdmin}:   {models.TaskStatusAssigned, needTester},
	{models.TaskStatusAssigned, ActionClose, models.RoleTester}:   {models.TaskStatusClosed, needComment},
}

var taskRoles = map[Action]models.Role{
	ActionAssign: models.RoleAdmin,
	ActionClose:  models.RoleTester,
}

// Task validates action on a task in status from and returns the resulting
// status. Check order matches Bug.
func Task(from models.TaskStatus, action Action, role models.Role, p Payload) (models.TaskStatus, error) {
	if from.IsTerminal() {
		return from, fmt.Errorf("task is %w", ErrTerminal)
	}
	allowed, ok := taskRoles[action]
	if !ok {
		return from, fmt.Errorf("%w: unknown task action %q", ErrInvalidTransition, action)
	}
	if allowed != role {
		return from, fmt.Errorf("%w: %s cannot %s a task", ErrForbidden, role, action)
	}
	rule, ok := taskTable[taskKey{from, action, role}]
	if !ok {
		return from, fmt.Errorf("%w: cannot %s a task in status %s", ErrInvalidTransition, action, from)
	}
	if err := rule.req.check(p); err != nil {
		return from, err
	}
	return rule.to, nil
}

package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/bugtrack/internal/models"
)

var allRoles = []models.Role{models.RoleAdmin, models.RoleDeveloper, models.RoleTester}

var allBugActions = []Action{
	ActionAssign, ActionStartProgress, ActionResolve, ActionClose,
	ActionReassignByTester, ActionReopen, ActionRequestReassignment, ActionAddNote,
}

var fullPayload = Payload{Notes: "done", HasImage: true, AssigneeID: "dev-1"}

func TestBug_Transitions(t *testing.T) {
	tests := []struct {
		name   string
		from   models.BugStatus
		action Action
		role   models.Role
		p      Payload
		want   models.BugStatus
	}{
		{"admin assigns open bug", models.BugStatusOpen, ActionAssign, models.RoleAdmin, Payload{AssigneeID: "d"}, models.BugStatusAssigned},
		{"admin assigns new bug", models.BugStatusNew, ActionAssign, models.RoleAdmin, Payload{AssigneeID: "d"}, models.BugStatusAssigned},
		{"developer reassigns in progress", models.BugStatusInProgress, ActionAssign, models.RoleDeveloper, Payload{AssigneeID: "d"}, models.BugStatusAssigned},
		{"developer starts with notes", models.BugStatusAssigned, ActionStartProgress, models.RoleDeveloper, Payload{Notes: "looking"}, models.BugStatusInProgress},
		{"developer resolves with image only", models.BugStatusInProgress, ActionResolve, models.RoleDeveloper, Payload{HasImage: true}, models.BugStatusResolved},
		{"developer resolves straight from assigned", models.BugStatusAssigned, ActionResolve, models.RoleDeveloper, Payload{Notes: "fixed"}, models.BugStatusResolved},
		{"tester closes resolved", models.BugStatusResolved, ActionClose, models.RoleTester, Payload{Notes: "verified"}, models.BugStatusClosed},
		{"tester reassigns resolved", models.BugStatusResolved, ActionReassignByTester, models.RoleTester, Payload{AssigneeID: "d"}, models.BugStatusAssigned},
		{"tester reopens resolved", models.BugStatusResolved, ActionReopen, models.RoleTester, Payload{Notes: "still broken"}, models.BugStatusInProgress},
		{"request reassignment keeps status", models.BugStatusInProgress, ActionRequestReassignment, models.RoleTester, Payload{}, models.BugStatusInProgress},
		{"note keeps status", models.BugStatusAssigned, ActionAddNote, models.RoleDeveloper, Payload{Notes: "n"}, models.BugStatusAssigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Bug(tt.from, tt.action, tt.role, tt.p)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBug_ClosedIsTerminal(t *testing.T) {
	for _, a := range allBugActions {
		for _, r := range allRoles {
			got, err := Bug(models.BugStatusClosed, a, r, fullPayload)
			require.Error(t, err, "%s by %s", a, r)
			assert.ErrorIs(t, err, ErrTerminal)
			assert.Equal(t, models.BugStatusClosed, got)
		}
	}
	assert.Empty(t, BugActions(models.BugStatusClosed, models.RoleAdmin))
}

func TestBug_RoleGating(t *testing.T) {
	_, err := Bug(models.BugStatusResolved, ActionClose, models.RoleDeveloper, fullPayload)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = Bug(models.BugStatusOpen, ActionAssign, models.RoleTester, fullPayload)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = Bug(models.BugStatusAssigned, ActionResolve, models.RoleAdmin, fullPayload)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestBug_InvalidTransitions(t *testing.T) {
	_, err := Bug(models.BugStatusOpen, ActionResolve, models.RoleDeveloper, fullPayload)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = Bug(models.BugStatusAssigned, ActionClose, models.RoleTester, fullPayload)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = Bug(models.BugStatusInProgress, ActionReopen, models.RoleTester, fullPayload)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = Bug(models.BugStatusOpen, Action("delete"), models.RoleAdmin, fullPayload)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestBug_NotesOrImageRequired(t *testing.T) {
	for _, a := range []Action{ActionStartProgress, ActionResolve} {
		got, err := Bug(models.BugStatusInProgress, a, models.RoleDeveloper, Payload{Notes: "   "})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrValidation)
		assert.Equal(t, MsgNotesOrImage, err.Error())
		assert.Equal(t, models.BugStatusInProgress, got)
	}
}

func TestBug_DeveloperSelectionRequired(t *testing.T) {
	_, err := Bug(models.BugStatusAssigned, ActionAssign, models.RoleAdmin, Payload{})
	require.Error(t, err)
	assert.Equal(t, MsgSelectDeveloper, err.Error())

	_, err = Bug(models.BugStatusResolved, ActionReassignByTester, models.RoleTester, Payload{Notes: "again"})
	require.Error(t, err)
	assert.Equal(t, MsgSelectDeveloper, err.Error())
}

func TestBug_CloseNeedsComment(t *testing.T) {
	_, err := Bug(models.BugStatusResolved, ActionClose, models.RoleTester, Payload{HasImage: true})
	require.Error(t, err)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, MsgComment, ve.Message)
}

func TestBugActions(t *testing.T) {
	assert.Equal(t, []Action{ActionAssign}, BugActions(models.BugStatusOpen, models.RoleAdmin))
	assert.Equal(t,
		[]Action{ActionAssign, ActionStartProgress, ActionResolve, ActionAddNote},
		BugActions(models.BugStatusAssigned, models.RoleDeveloper))
	assert.Equal(t,
		[]Action{ActionClose, ActionReassignByTester, ActionReopen, ActionRequestReassignment},
		BugActions(models.BugStatusResolved, models.RoleTester))
}

func TestActionForStatus(t *testing.T) {
	a, err := ActionForStatus(models.BugStatusResolved)
	require.NoError(t, err)
	assert.Equal(t, ActionResolve, a)

	a, err = ActionForStatus(models.BugStatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, ActionStartProgress, a)

	_, err = ActionForStatus(models.BugStatusClosed)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAttentionFlags(t *testing.T) {
	assert.True(t, ClearsAttention(ActionResolve))
	assert.True(t, ClearsAttention(ActionStartProgress))
	assert.False(t, ClearsAttention(ActionAddNote))
	assert.True(t, RaisesAttention(ActionRequestReassignment))
	assert.True(t, RaisesAttention(ActionReassignByTester))
	assert.False(t, RaisesAttention(ActionAssign))
}

func TestTask_Transitions(t *testing.T) {
	got, err := Task(models.TaskStatusUnassigned, ActionAssign, models.RoleAdmin, Payload{AssigneeID: "t"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusAssigned, got)

	got, err = Task(models.TaskStatusAssigned, ActionClose, models.RoleTester, Payload{Notes: "ok"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusClosed, got)
}

func TestTask_Rejections(t *testing.T) {
	_, err := Task(models.TaskStatusUnassigned, ActionAssign, models.RoleAdmin, Payload{})
	require.Error(t, err)
	assert.Equal(t, MsgSelectTester, err.Error())

	_, err = Task(models.TaskStatusAssigned, ActionClose, models.RoleTester, Payload{HasImage: true})
	require.Error(t, err)
	assert.Equal(t, MsgComment, err.Error())

	_, err = Task(models.TaskStatusUnassigned, ActionClose, models.RoleTester, Payload{Notes: "x"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = Task(models.TaskStatusAssigned, ActionAssign, models.RoleDeveloper, Payload{AssigneeID: "t"})
	assert.ErrorIs(t, err, ErrForbidden)

	for _, a := range []Action{ActionAssign, ActionClose, ActionReopen} {
		for _, r := range allRoles {
			_, err := Task(models.TaskStatusClosed, a, r, Payload{Notes: "x", AssigneeID: "t"})
			assert.ErrorIs(t, err, ErrTerminal)
		}
	}
}

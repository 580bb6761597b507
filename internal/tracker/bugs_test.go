package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/bugtrack/internal/breach"
	"github.com/joescharf/bugtrack/internal/events"
	"github.com/joescharf/bugtrack/internal/lifecycle"
	"github.com/joescharf/bugtrack/internal/models"
	"github.com/joescharf/bugtrack/internal/store"
)

func (e *testEnv) createBug(t *testing.T, title string) *models.Bug {
	t.Helper()
	b, err := e.svc.CreateBug(context.Background(), e.tester.Ref(), CreateBugInput{
		ProjectID:   e.project.ID,
		Title:       title,
		Description: "steps to reproduce",
		Priority:    models.PriorityHigh,
	})
	require.NoError(t, err)
	return b
}

// resolvedBug walks a new bug to RESOLVED by dave.
func (e *testEnv) resolvedBug(t *testing.T, title string) *models.Bug {
	t.Helper()
	ctx := context.Background()
	b := e.createBug(t, title)
	_, err := e.svc.AssignBug(ctx, e.admin.Ref(), b.ID, e.dev.ID)
	require.NoError(t, err)
	b, err = e.svc.UpdateStatus(ctx, e.dev.Ref(), b.ID, UpdateStatusInput{Status: models.BugStatusResolved, Resolution: "fixed"})
	require.NoError(t, err)
	return b
}

func TestCreateBug(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	b, err := env.svc.CreateBug(ctx, env.tester.Ref(), CreateBugInput{
		ProjectID:   env.project.ID,
		Title:       "  Checkout fails  ",
		Description: "500 on submit",
		Image:       []byte("jpeg"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Checkout fails", b.Title)
	assert.Equal(t, models.BugStatusOpen, b.Status)
	assert.Equal(t, models.PriorityMedium, b.Priority)
	assert.True(t, b.HasImage())
	assert.Equal(t, b.ImageKey, b.OriginalImageKey)

	img, err := env.svc.BugImage(ctx, b.ID, true)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), img)

	logs, err := env.svc.BugLogs(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "500 on submit", logs[0].Text)
	assert.Equal(t, "OPEN", logs[0].Status)

	env.notifier.Wait()
	assert.Equal(t, []string{"New bug reported: Checkout fails"}, env.mailer.subjects())
	assert.Equal(t, []string{events.TypeBugCreated}, env.drain())
}

func TestCreateBug_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	in := CreateBugInput{ProjectID: env.project.ID, Title: "x"}

	_, err := env.svc.CreateBug(ctx, env.dev.Ref(), in)
	assert.ErrorIs(t, err, lifecycle.ErrForbidden)

	_, err = env.svc.CreateBug(ctx, env.tester.Ref(), CreateBugInput{ProjectID: env.project.ID})
	assert.ErrorIs(t, err, lifecycle.ErrValidation)

	_, err = env.svc.CreateBug(ctx, env.tester.Ref(), CreateBugInput{ProjectID: env.project.ID, Title: "x", Priority: "URGENT"})
	assert.ErrorIs(t, err, lifecycle.ErrValidation)

	_, err = env.svc.CreateBug(ctx, env.tester.Ref(), CreateBugInput{ProjectID: "missing", Title: "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	outsider := &models.UserRef{ID: "zz", Username: "zed", Role: models.RoleTester}
	_, err = env.svc.CreateBug(ctx, outsider, in)
	assert.ErrorIs(t, err, lifecycle.ErrForbidden)
}

func TestAssignBug_PopulatesAssignee(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.createBug(t, "crash")
	require.Nil(t, b.AssignedTo)

	got, err := env.svc.AssignBug(ctx, env.admin.Ref(), b.ID, env.dev.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AssignedTo)
	assert.Equal(t, "dave", got.AssignedTo.Username)
	assert.Equal(t, models.BugStatusAssigned, got.Status)

	active, err := env.svc.ListBugs(ctx, env.dev.Ref(), BugQuery{})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, env.dev.ID, active[0].AssignedTo.ID)

	// Developer hands it on.
	got, err = env.svc.AssignBug(ctx, env.dev.Ref(), b.ID, env.dev2.ID)
	require.NoError(t, err)
	assert.Equal(t, "dora", got.AssignedTo.Username)

	logs, err := env.svc.BugLogs(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "Reassigning bug to: dora", logs[0].Text)
	assert.Equal(t, "Assigned to developer: dave", logs[1].Text)

	env.notifier.Wait()
	assert.Contains(t, env.mailer.subjects(), "Bug assigned to you: crash")
	assert.Contains(t, env.mailer.subjects(), "Bug reassigned to you: crash")
}

func TestAssignBug_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.createBug(t, "crash")

	_, err := env.svc.AssignBug(ctx, env.admin.Ref(), b.ID, "")
	var verr *lifecycle.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, lifecycle.MsgSelectDeveloper, verr.Message)

	_, err = env.svc.AssignBug(ctx, env.admin.Ref(), b.ID, env.tester.ID)
	assert.ErrorIs(t, err, lifecycle.ErrValidation)

	_, err = env.svc.AssignBug(ctx, env.dev2.Ref(), b.ID, env.dev.ID)
	assert.ErrorIs(t, err, lifecycle.ErrForbidden, "developer may only reassign own bug")

	_, err = env.svc.AssignBug(ctx, env.tester.Ref(), b.ID, env.dev.ID)
	assert.ErrorIs(t, err, lifecycle.ErrForbidden)

	_, err = env.svc.AssignBug(ctx, env.admin.Ref(), b.ID, env.dev.ID)
	require.NoError(t, err)
	_, err = env.svc.AssignBug(ctx, env.admin.Ref(), b.ID, env.dev.ID)
	assert.ErrorIs(t, err, ErrAlreadyAssigned)
	assert.Contains(t, err.Error(), "already assigned")

	_, err = env.svc.AssignBug(ctx, env.admin.Ref(), "missing", env.dev.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAssignBug_StaleReassignmentConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.createBug(t, "crash")
	_, err := env.svc.AssignBug(ctx, env.admin.Ref(), b.ID, env.dev.ID)
	require.NoError(t, err)
	env.drain()

	// Two admins read the same ASSIGNED row and both reassign it.
	p := lifecycle.Payload{AssigneeID: env.dev2.ID}
	first, to1, err := env.svc.prepare(ctx, env.admin.Ref(), b.ID, lifecycle.ActionAssign, p)
	require.NoError(t, err)
	second, to2, err := env.svc.prepare(ctx, env.admin.Ref(), b.ID, lifecycle.ActionAssign, p)
	require.NoError(t, err)
	require.Equal(t, models.BugStatusAssigned, to1)
	require.Equal(t, models.BugStatusAssigned, to2)

	first.bug.AssignedTo = env.dev2.Ref()
	require.NoError(t, env.svc.commit(ctx, env.admin.Ref(), first, to1, "Reassigning bug to: dora", nil))

	second.bug.AssignedTo = env.dev2.Ref()
	err = env.svc.commit(ctx, env.admin.Ref(), second, to2, "Reassigning bug to: dora", nil)
	assert.ErrorIs(t, err, store.ErrConflict)

	logs, err := env.svc.BugLogs(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3, "losing writer adds no log entry")
	assert.Equal(t, "Reassigning bug to: dora", logs[0].Text)
	assert.Equal(t, 1, count(env.drain(), events.TypeBugUpdated))
}

func TestUpdateStatus_RequiresNotesOrImage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.createBug(t, "crash")
	_, err := env.svc.AssignBug(ctx, env.admin.Ref(), b.ID, env.dev.ID)
	require.NoError(t, err)

	_, err = env.svc.UpdateStatus(ctx, env.dev.Ref(), b.ID, UpdateStatusInput{Status: models.BugStatusResolved, Resolution: "  "})
	var verr *lifecycle.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Please provide notes or an image.", verr.Message)

	got, err := env.svc.GetBug(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BugStatusAssigned, got.Status, "rejected transition leaves bug unchanged")

	// An image alone is enough.
	got, err = env.svc.UpdateStatus(ctx, env.dev.Ref(), b.ID, UpdateStatusInput{Status: models.BugStatusInProgress, Image: []byte("png")})
	require.NoError(t, err)
	assert.Equal(t, models.BugStatusInProgress, got.Status)
	img, err := env.svc.BugImage(ctx, b.ID, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), img)

	logs, err := env.svc.BugLogs(ctx, b.ID)
	require.NoError(t, err)
	logImg, err := env.svc.BugLogImage(ctx, logs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), logImg)
}

func TestUpdateStatus_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.createBug(t, "crash")
	_, err := env.svc.AssignBug(ctx, env.admin.Ref(), b.ID, env.dev.ID)
	require.NoError(t, err)

	_, err = env.svc.UpdateStatus(ctx, env.dev2.Ref(), b.ID, UpdateStatusInput{Status: models.BugStatusResolved, Resolution: "x"})
	assert.ErrorIs(t, err, lifecycle.ErrForbidden)

	_, err = env.svc.UpdateStatus(ctx, env.dev.Ref(), b.ID, UpdateStatusInput{Status: models.BugStatusClosed, Resolution: "x"})
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	_, err = env.svc.UpdateStatus(ctx, env.tester.Ref(), b.ID, UpdateStatusInput{Status: models.BugStatusResolved, Resolution: "x"})
	assert.ErrorIs(t, err, lifecycle.ErrForbidden)
}

func TestUpdateStatus_NotifiesTesterOnResolve(t *testing.T) {
	env := newTestEnv(t)
	b := env.resolvedBug(t, "crash")
	assert.Equal(t, "fixed", b.Resolution)

	env.notifier.Wait()
	assert.Contains(t, env.mailer.subjects(), "Bug resolved: crash")
}

func TestAttentionFlag_ClearedExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.createBug(t, "flaky")
	_, err := env.svc.AssignBug(ctx, env.admin.Ref(), b.ID, env.dev.ID)
	require.NoError(t, err)
	env.drain()

	got, err := env.svc.RequestReassignment(ctx, env.tester.Ref(), b.ID)
	require.NoError(t, err)
	assert.True(t, got.NeedsAttention)
	assert.Equal(t, models.BugStatusAssigned, got.Status, "request does not change status")

	// A second request keeps the flag without raising it again.
	_, err = env.svc.RequestReassignment(ctx, env.tester.Ref(), b.ID)
	require.NoError(t, err)

	got, err = env.svc.UpdateStatus(ctx, env.dev.Ref(), b.ID, UpdateStatusInput{Status: models.BugStatusInProgress, Resolution: "looking"})
	require.NoError(t, err)
	assert.False(t, got.NeedsAttention)

	_, err = env.svc.UpdateStatus(ctx, env.dev.Ref(), b.ID, UpdateStatusInput{Status: models.BugStatusResolved, Resolution: "done"})
	require.NoError(t, err)

	types := env.drain()
	assert.Equal(t, 1, count(types, events.TypeBugAttentionRaised))
	assert.Equal(t, 1, count(types, events.TypeBugAttentionCleared))

	stored, err := env.svc.GetBug(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, stored.NeedsAttention)

	env.notifier.Wait()
	assert.Contains(t, env.mailer.subjects(), "Reassignment requested: flaky")
}

func TestRequestReassignment_OnlyCreator(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.createBug(t, "flaky")

	_, err := env.svc.RequestReassignment(ctx, env.tester2.Ref(), b.ID)
	assert.ErrorIs(t, err, lifecycle.ErrForbidden)
	_, err = env.svc.RequestReassignment(ctx, env.dev.Ref(), b.ID)
	assert.ErrorIs(t, err, lifecycle.ErrForbidden)
}

func TestCloseByTester_RemovesFromViews(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	breachedBug := env.resolvedBug(t, "slow")
	require.NoError(t, env.store.MarkBugBreached(ctx, breachedBug.ID))
	activeBug := env.resolvedBug(t, "typo")

	tester := env.tester.Ref()
	breachedView, err := env.svc.ListBugs(ctx, tester, BugQuery{Breached: true})
	require.NoError(t, err)
	require.Len(t, breachedView, 1)
	activeView, err := env.svc.ListBugs(ctx, tester, BugQuery{})
	require.NoError(t, err)
	require.Len(t, activeView, 1)

	for _, b := range []*models.Bug{breachedBug, activeBug} {
		closed, err := env.svc.CloseByTester(ctx, tester, b.ID, TesterInput{Text: "verified"})
		require.NoError(t, err)
		assert.Equal(t, models.BugStatusClosed, closed.Status)

		logs, err := env.svc.BugLogs(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, "CLOSED", logs[0].Status)
		assert.Equal(t, "verified", logs[0].Text)
	}

	breachedView, err = env.svc.ListBugs(ctx, tester, BugQuery{Breached: true})
	require.NoError(t, err)
	assert.Empty(t, breachedView)
	activeView, err = env.svc.ListBugs(ctx, tester, BugQuery{})
	require.NoError(t, err)
	assert.Empty(t, activeView)

	env.notifier.Wait()
	assert.Contains(t, env.mailer.subjects(), "Bug closed: slow")
}

func TestCloseByTester_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.resolvedBug(t, "slow")

	_, err := env.svc.CloseByTester(ctx, env.tester.Ref(), b.ID, TesterInput{})
	var verr *lifecycle.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, lifecycle.MsgComment, verr.Message)

	_, err = env.svc.CloseByTester(ctx, env.tester2.Ref(), b.ID, TesterInput{Text: "ok"})
	assert.ErrorIs(t, err, lifecycle.ErrForbidden)
}

func TestClosedBug_IsTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.resolvedBug(t, "done")
	_, err := env.svc.CloseByTester(ctx, env.tester.Ref(), b.ID, TesterInput{Text: "ok"})
	require.NoError(t, err)

	attempts := []error{}
	_, err = env.svc.AssignBug(ctx, env.admin.Ref(), b.ID, env.dev2.ID)
	attempts = append(attempts, err)
	_, err = env.svc.UpdateStatus(ctx, env.dev.Ref(), b.ID, UpdateStatusInput{Status: models.BugStatusInProgress, Resolution: "x"})
	attempts = append(attempts, err)
	_, err = env.svc.CloseByTester(ctx, env.tester.Ref(), b.ID, TesterInput{Text: "again"})
	attempts = append(attempts, err)
	_, err = env.svc.ReassignByTester(ctx, env.tester.Ref(), b.ID, env.dev.ID, TesterInput{})
	attempts = append(attempts, err)
	_, err = env.svc.Reopen(ctx, env.tester.Ref(), b.ID, TesterInput{Text: "x"})
	attempts = append(attempts, err)
	_, err = env.svc.RequestReassignment(ctx, env.tester.Ref(), b.ID)
	attempts = append(attempts, err)
	_, err = env.svc.AddNote(ctx, env.dev.Ref(), b.ID, TesterInput{Text: "x"})
	attempts = append(attempts, err)

	for i, err := range attempts {
		assert.ErrorIs(t, err, lifecycle.ErrTerminal, "attempt %d", i)
	}

	logs, err := env.svc.BugLogs(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "CLOSED", logs[0].Status, "no entries after close")
}

func TestReassignByTester(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.resolvedBug(t, "regressed")
	env.drain()

	// dora is a developer but not on the project.
	_, err := env.svc.ReassignByTester(ctx, env.tester.Ref(), b.ID, env.dev2.ID, TesterInput{})
	assert.ErrorIs(t, err, lifecycle.ErrValidation)

	got, err := env.svc.ReassignByTester(ctx, env.tester.Ref(), b.ID, env.dev.ID, TesterInput{Text: "still broken"})
	require.NoError(t, err)
	assert.Equal(t, models.BugStatusAssigned, got.Status)
	assert.True(t, got.NeedsAttention)

	logs, err := env.svc.BugLogs(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Reassigning bug to: dave\nstill broken", logs[0].Text)
	assert.Equal(t, 1, count(env.drain(), events.TypeBugAttentionRaised))
}

func TestReopen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.resolvedBug(t, "regressed")

	_, err := env.svc.Reopen(ctx, env.tester.Ref(), b.ID, TesterInput{})
	assert.ErrorIs(t, err, lifecycle.ErrValidation)

	got, err := env.svc.Reopen(ctx, env.tester.Ref(), b.ID, TesterInput{Image: []byte("shot")})
	require.NoError(t, err)
	assert.Equal(t, models.BugStatusInProgress, got.Status)
	assert.True(t, got.LastStatusChange.After(b.CreatedAt) || got.LastStatusChange.Equal(b.CreatedAt))
}

func TestAddNote(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.createBug(t, "crash")
	_, err := env.svc.AssignBug(ctx, env.admin.Ref(), b.ID, env.dev.ID)
	require.NoError(t, err)

	_, err = env.svc.AddNote(ctx, env.dev2.Ref(), b.ID, TesterInput{Text: "hi"})
	assert.ErrorIs(t, err, lifecycle.ErrForbidden)

	entry, err := env.svc.AddNote(ctx, env.dev.Ref(), b.ID, TesterInput{Text: "root cause found"})
	require.NoError(t, err)
	assert.Equal(t, "ASSIGNED", entry.Status)

	got, err := env.svc.GetBug(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BugStatusAssigned, got.Status, "notes do not change status")
}

func TestListBugs_ScopesAndCutoff(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env.svc.now = func() time.Time { return base }
	old := env.createBug(t, "old")
	env.svc.now = func() time.Time { return base.AddDate(0, 0, 10) }
	recent := env.createBug(t, "recent")

	all, err := env.svc.ListBugs(ctx, env.admin.Ref(), BugQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	cut, err := env.svc.ListBugs(ctx, env.admin.Ref(), BugQuery{Days: 3})
	require.NoError(t, err)
	require.Len(t, cut, 1)
	assert.Equal(t, recent.ID, cut[0].ID)

	mine, err := env.svc.ListBugs(ctx, env.tester2.Ref(), BugQuery{})
	require.NoError(t, err)
	assert.Empty(t, mine, "testers see only their own reports")

	_, err = env.svc.AssignBug(ctx, env.admin.Ref(), old.ID, env.dev.ID)
	require.NoError(t, err)
	queue, err := env.svc.AssignedBugs(ctx, env.dev.Ref())
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, old.ID, queue[0].ID)

	_, err = env.svc.AssignedBugs(ctx, env.tester.Ref())
	assert.ErrorIs(t, err, lifecycle.ErrForbidden)
}

func TestFilterBugs_SortsByPriority(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, p := range []models.Priority{models.PriorityLow, models.PriorityCritical, models.PriorityMedium, models.PriorityHigh} {
		_, err := env.svc.CreateBug(ctx, env.tester.Ref(), CreateBugInput{ProjectID: env.project.ID, Title: string(p), Priority: p})
		require.NoError(t, err)
	}

	bugs, err := env.svc.FilterBugs(ctx, env.admin.Ref(), BugFilter{ProjectID: env.project.ID})
	require.NoError(t, err)
	var got []models.Priority
	for _, b := range bugs {
		got = append(got, b.Priority)
	}
	assert.Equal(t, []models.Priority{models.PriorityCritical, models.PriorityHigh, models.PriorityMedium, models.PriorityLow}, got)

	high, err := env.svc.FilterBugs(ctx, env.admin.Ref(), BugFilter{Priority: models.PriorityHigh})
	require.NoError(t, err)
	assert.Len(t, high, 1)
}

func TestAssess_UsesPolicy(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBug(t, "timer")
	_, err := env.svc.AssignBug(context.Background(), env.admin.Ref(), b.ID, env.dev.ID)
	require.NoError(t, err)
	got, err := env.svc.GetBug(context.Background(), b.ID)
	require.NoError(t, err)

	env.svc.now = func() time.Time { return got.LastStatusChange.Add(35 * time.Second) }
	a := env.svc.Assess(got)
	assert.Equal(t, breach.StageWarning1, a.Stage)
	assert.Equal(t, "2m 55s left", breach.FormatRemaining(a))
}

func TestBugImage_Missing(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBug(t, "no image")
	_, err := env.svc.BugImage(context.Background(), b.ID, false)
	assert.Error(t, err)
}

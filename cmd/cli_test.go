package cmd

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/bugtrack/internal/client"
	"github.com/joescharf/bugtrack/internal/models"
)

// testServer starts the full API over the test environment's database and
// points the CLI at it.
func testServer(t *testing.T) {
	t.Helper()
	viper.Set("auth.jwt_secret", "test-secret")

	deps, err := newServerDeps(context.Background(), nil)
	require.NoError(t, err)

	srv := httptest.NewServer(deps.api.Router())
	t.Cleanup(func() {
		srv.Close()
		deps.notifier.Wait()
	})
	viper.Set("client.server_url", srv.URL)
}

// seedUsers creates an admin locally, logs in as admin and creates a
// developer and a tester through the API.
func seedUsers(t *testing.T, ctx context.Context) {
	t.Helper()
	t.Cleanup(func() {
		userLocal = false
		userRole = ""
	})

	userLocal = true
	userRole = "admin"
	require.NoError(t, userCreateRun(ctx, "root", "secret1"))
	require.NoError(t, loginRun(ctx, "root", "secret1"))

	userLocal = false
	userRole = "developer"
	require.NoError(t, userCreateRun(ctx, "dev", "secret1"))
	userRole = "tester"
	require.NoError(t, userCreateRun(ctx, "tess", "secret1"))
}

func resetBugFlags(t *testing.T) {
	t.Helper()
	reset := func() {
		bugProject, bugTitle, bugDescription = "", "", ""
		bugPriority, bugFilterPrio, bugStatus = "MEDIUM", "", ""
		bugImage, bugNotes = "", ""
		bugBreached, bugAssigned = false, false
		bugDays = 0
	}
	reset()
	t.Cleanup(reset)
}

func onlyBugID(t *testing.T, ctx context.Context) string {
	t.Helper()
	bugs, err := getClient().FilterBugs(ctx, client.FilterOptions{})
	require.NoError(t, err)
	require.Len(t, bugs, 1)
	return bugs[0].ID
}

func TestCLI_BugLifecycle(t *testing.T) {
	testEnv(t)
	testServer(t)
	resetBugFlags(t)
	buf := captureOutput(t)
	ctx := context.Background()

	seedUsers(t, ctx)
	require.NoError(t, projectCreateRun(ctx, "Apollo"))
	require.NoError(t, projectAddMemberRun(ctx, "apollo", "dev"))
	require.NoError(t, projectAddMemberRun(ctx, "apollo", "tess"))

	// Tester reports.
	require.NoError(t, loginRun(ctx, "tess", "secret1"))
	bugProject = "Apollo"
	bugTitle = "Login button unresponsive"
	bugDescription = "Tap does nothing on the second attempt"
	bugPriority = "high"
	require.NoError(t, bugCreateRun(ctx))
	assert.Contains(t, buf.String(), "Reported bug")
	id := onlyBugID(t, ctx)

	// Admin assigns by short ID and developer username.
	require.NoError(t, loginRun(ctx, "root", "secret1"))
	require.NoError(t, bugAssignRun(ctx, shortID(id), "dev"))
	assert.Contains(t, buf.String(), "Assigned bug "+shortID(id))

	// Developer works and resolves. Progress needs notes or an image.
	require.NoError(t, loginRun(ctx, "dev", "secret1"))
	err := bugStatusRun(ctx, id, "in_progress")
	var verr *client.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Please provide notes or an image.", verr.Message)

	bugNotes = "Looking into it"
	require.NoError(t, bugStatusRun(ctx, id, "in_progress"))
	bugNotes = "Debounce removed"
	require.NoError(t, bugStatusRun(ctx, id, "RESOLVED"))

	// Tester cannot close without a comment; the request never leaves the CLI.
	require.NoError(t, loginRun(ctx, "tess", "secret1"))
	bugNotes = ""
	err = bugCloseRun(ctx, id)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Please provide a comment.", verr.Message)

	bugNotes = "Verified on staging"
	require.NoError(t, bugCloseRun(ctx, id))

	buf.Reset()
	require.NoError(t, bugShowRun(ctx, id))
	out := buf.String()
	assert.Contains(t, out, "CLOSED")
	assert.Contains(t, out, "Debounce removed")
	assert.Contains(t, out, "Verified on staging")
	assert.Contains(t, out, "Full ID:    "+id)

	// Closed bugs drop out of the active list.
	buf.Reset()
	require.NoError(t, bugListRun(ctx))
	assert.Contains(t, buf.String(), "No active bugs.")
}

func TestCLI_ReassignmentRequestFlagsBug(t *testing.T) {
	testEnv(t)
	testServer(t)
	resetBugFlags(t)
	buf := captureOutput(t)
	ctx := context.Background()

	seedUsers(t, ctx)
	require.NoError(t, projectCreateRun(ctx, "Apollo"))
	require.NoError(t, projectAddMemberRun(ctx, "Apollo", "dev"))
	require.NoError(t, projectAddMemberRun(ctx, "Apollo", "tess"))

	require.NoError(t, loginRun(ctx, "tess", "secret1"))
	bugProject, bugTitle = "Apollo", "Crash on save"
	require.NoError(t, bugCreateRun(ctx))
	id := onlyBugID(t, ctx)

	require.NoError(t, bugRequestRun(ctx, id))

	b, err := getClient().GetBug(ctx, id)
	require.NoError(t, err)
	assert.True(t, b.NeedsAttention)
	assert.Equal(t, models.BugStatusOpen, b.Status)

	buf.Reset()
	require.NoError(t, bugShowRun(ctx, id))
	assert.Contains(t, buf.String(), "Crash on save")
	assert.Contains(t, buf.String(), "REASSIGNED")

	buf.Reset()
	require.NoError(t, bugListRun(ctx))
	assert.Contains(t, buf.String(), "REASSIGNED")
}

func TestCLI_TaskLifecycle(t *testing.T) {
	testEnv(t)
	testServer(t)
	buf := captureOutput(t)
	ctx := context.Background()
	t.Cleanup(func() {
		taskProject, taskTitle, taskNotes = "", "", ""
		taskPriority = "MEDIUM"
	})

	seedUsers(t, ctx)
	require.NoError(t, projectCreateRun(ctx, "Apollo"))
	require.NoError(t, projectAddMemberRun(ctx, "Apollo", "dev"))
	require.NoError(t, projectAddMemberRun(ctx, "Apollo", "tess"))

	require.NoError(t, loginRun(ctx, "dev", "secret1"))
	taskProject, taskTitle, taskPriority = "Apollo", "Verify export", "low"
	require.NoError(t, taskCreateRun(ctx))
	tasks, err := getClient().ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	id := tasks[0].ID

	require.NoError(t, loginRun(ctx, "root", "secret1"))
	require.NoError(t, taskAssignRun(ctx, shortID(id), "tess"))

	require.NoError(t, loginRun(ctx, "tess", "secret1"))
	taskNotes = "Export matches"
	require.NoError(t, taskCloseRun(ctx, id))

	buf.Reset()
	require.NoError(t, taskShowRun(ctx, id))
	out := buf.String()
	assert.Contains(t, out, "Verify export")
	assert.Contains(t, out, "tess")
	assert.Contains(t, out, "Export matches")

	// A second close is refused before any request is made.
	err = taskCloseRun(ctx, id)
	require.Error(t, err)
	var verr *client.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCLI_StatusAndExport(t *testing.T) {
	testEnv(t)
	testServer(t)
	resetBugFlags(t)
	buf := captureOutput(t)
	ctx := context.Background()
	t.Cleanup(func() {
		exportFormat, exportType, exportProject = "json", "bugs", ""
	})

	seedUsers(t, ctx)
	require.NoError(t, projectCreateRun(ctx, "Apollo"))
	require.NoError(t, projectAddMemberRun(ctx, "Apollo", "tess"))
	require.NoError(t, loginRun(ctx, "tess", "secret1"))
	bugProject, bugTitle = "Apollo", "Broken | pipe"
	require.NoError(t, bugCreateRun(ctx))

	require.NoError(t, loginRun(ctx, "root", "secret1"))
	buf.Reset()
	require.NoError(t, statusOverviewRun(ctx))
	assert.Contains(t, buf.String(), "Apollo")

	buf.Reset()
	exportFormat, exportType = "markdown", "bugs"
	require.NoError(t, exportRun(ctx))
	assert.Contains(t, buf.String(), `Broken \| pipe`)

	buf.Reset()
	exportFormat, exportType, exportProject = "csv", "projects", "Apollo"
	require.NoError(t, exportRun(ctx))
	assert.Contains(t, buf.String(), "ID,Name,Description,Created")

	exportType = "sessions"
	assert.Error(t, exportRun(ctx))
}

func TestCLI_WhoamiRequiresSession(t *testing.T) {
	testEnv(t)
	captureOutput(t)

	err := whoamiRun(context.Background())
	assert.ErrorIs(t, err, client.ErrNoSession)
}

func TestCLI_LogoutClearsSession(t *testing.T) {
	dir := testEnv(t)
	testServer(t)
	captureOutput(t)
	ctx := context.Background()

	seedUsers(t, ctx)
	_, err := os.Stat(filepath.Join(dir, "session.yaml"))
	require.NoError(t, err)

	require.NoError(t, logoutRun())
	_, err = os.Stat(filepath.Join(dir, "session.yaml"))
	assert.True(t, os.IsNotExist(err))
}

func TestFindBug_UnknownPrefix(t *testing.T) {
	testEnv(t)
	testServer(t)
	captureOutput(t)
	ctx := context.Background()
	seedUsers(t, ctx)

	_, err := findBug(ctx, getClient(), "01ZZZZ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bug not found")
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "01ARZ3NDEKTS", shortID("01ARZ3NDEKTSV4RRFFQ69G5FAV"))
	assert.Equal(t, "abc", shortID("abc"))
}

func TestReadSecret(t *testing.T) {
	testEnv(t)
	captureOutput(t)

	v, err := readSecret(nil, "Password: ", "given")
	require.NoError(t, err)
	assert.Equal(t, "given", v)

	v, err = readSecret(strings.NewReader("typed\n"), "Password: ", "")
	require.NoError(t, err)
	assert.Equal(t, "typed", v)
}

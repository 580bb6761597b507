package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/bugtrack/internal/events"
	"github.com/joescharf/bugtrack/internal/lifecycle"
	"github.com/joescharf/bugtrack/internal/models"
)

// countingServer answers every request with status and body and counts
// how many arrived.
func countingServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &n
}

func sessionFor(role models.Role, id string) *Session {
	return &Session{Token: "tok", UserID: id, Username: id, Role: role}
}

func bugIn(status models.BugStatus, creator, assignee string) *Bug {
	b := &Bug{}
	b.ID = "b1"
	b.Status = status
	b.CreatedBy = &models.UserRef{ID: creator}
	if assignee != "" {
		b.AssignedTo = &models.UserRef{ID: assignee}
	}
	return b
}

func TestClient_ValidationSendsNothing(t *testing.T) {
	srv, hits := countingServer(t, http.StatusOK, `{}`)
	ctx := context.Background()

	tests := []struct {
		name string
		role models.Role
		user string
		call func(c *Client) error
		want string
	}{
		{
			name: "resolve without notes",
			role: models.RoleDeveloper, user: "dev",
			call: func(c *Client) error {
				_, err := c.UpdateStatus(ctx, bugIn(models.BugStatusAssigned, "qa", "dev"), models.BugStatusResolved, "  ", nil)
				return err
			},
			want: lifecycle.MsgNotesOrImage,
		},
		{
			name: "close without comment",
			role: models.RoleTester, user: "qa",
			call: func(c *Client) error {
				_, err := c.CloseBug(ctx, bugIn(models.BugStatusResolved, "qa", "dev"), "", nil)
				return err
			},
			want: lifecycle.MsgComment,
		},
		{
			name: "assign without developer",
			role: models.RoleAdmin, user: "admin",
			call: func(c *Client) error {
				_, err := c.AssignBug(ctx, bugIn(models.BugStatusOpen, "qa", ""), "")
				return err
			},
			want: lifecycle.MsgSelectDeveloper,
		},
		{
			name: "note on closed bug",
			role: models.RoleDeveloper, user: "dev",
			call: func(c *Client) error {
				_, err := c.AddNote(ctx, bugIn(models.BugStatusClosed, "qa", "dev"), "late", nil)
				return err
			},
			want: "This bug is closed and can no longer be changed.",
		},
		{
			name: "developer closes",
			role: models.RoleDeveloper, user: "dev",
			call: func(c *Client) error {
				_, err := c.CloseBug(ctx, bugIn(models.BugStatusResolved, "qa", "dev"), "done", nil)
				return err
			},
			want: "Your role cannot perform this action.",
		},
		{
			name: "reopen open bug",
			role: models.RoleTester, user: "qa",
			call: func(c *Client) error {
				_, err := c.ReopenBug(ctx, bugIn(models.BugStatusOpen, "qa", ""), "again", nil)
				return err
			},
			want: "That action is not available for this bug.",
		},
		{
			name: "status update by other developer",
			role: models.RoleDeveloper, user: "other",
			call: func(c *Client) error {
				_, err := c.UpdateStatus(ctx, bugIn(models.BugStatusAssigned, "qa", "dev"), models.BugStatusInProgress, "x", nil)
				return err
			},
			want: "Only the assigned developer can update this bug.",
		},
		{
			name: "close by other tester",
			role: models.RoleTester, user: "qa2",
			call: func(c *Client) error {
				_, err := c.CloseBug(ctx, bugIn(models.BugStatusResolved, "qa", "dev"), "ok", nil)
				return err
			},
			want: "Only the tester who reported this bug can do that.",
		},
		{
			name: "developer sets closed",
			role: models.RoleDeveloper, user: "dev",
			call: func(c *Client) error {
				_, err := c.UpdateStatus(ctx, bugIn(models.BugStatusAssigned, "qa", "dev"), models.BugStatusClosed, "x", nil)
				return err
			},
			want: "That action is not available for this bug.",
		},
		{
			name: "close closed task",
			role: models.RoleTester, user: "qa",
			call: func(c *Client) error {
				task := &Task{}
				task.Status = models.TaskStatusClosed
				_, err := c.CloseTask(ctx, task, "again", nil)
				return err
			},
			want: "This task is closed and can no longer be changed.",
		},
		{
			name: "tester creates task",
			role: models.RoleTester, user: "qa",
			call: func(c *Client) error {
				_, err := c.CreateTask(ctx, NewTask{ProjectID: "p", Title: "t"})
				return err
			},
			want: "Only developers can create tasks.",
		},
		{
			name: "bug without title",
			role: models.RoleTester, user: "qa",
			call: func(c *Client) error {
				_, err := c.CreateBug(ctx, NewBug{ProjectID: "p"})
				return err
			},
			want: "Please provide a title.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(srv.URL, sessionFor(tt.role, tt.user))
			err := tt.call(c)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.want, verr.Message)
			assert.Equal(t, tt.want, UserMessage(err))
		})
	}
	assert.Zero(t, hits.Load(), "validation failures must not reach the server")
}

func TestClient_NoSession(t *testing.T) {
	srv, hits := countingServer(t, http.StatusOK, `[]`)
	c := New(srv.URL, nil)

	_, err := c.ListBugs(context.Background(), ListOptions{})
	assert.ErrorIs(t, err, ErrNoSession)

	expired := sessionFor(models.RoleTester, "qa")
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	c = New(srv.URL, expired)
	_, err = c.AssignedBugs(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Zero(t, hits.Load())
}

func TestClient_Rejection(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   string
	}{
		{http.StatusConflict, `{"error":"bug is already assigned to dave"}`, "This item is already assigned."},
		{http.StatusNotFound, `{"error":"bug x: not found"}`, "The item or user was not found."},
		{http.StatusConflict, `{"error":"bug is closed and can no longer be changed"}`, "This item is closed and can no longer be changed."},
		{http.StatusForbidden, `{"error":"not allowed for this role"}`, "You are not allowed to perform this action."},
		{http.StatusBadRequest, `{"error":"Please provide a comment."}`, "Please provide a comment."},
		{http.StatusUnauthorized, `{"error":"invalid token"}`, "Your session has expired. Please log in again."},
		{http.StatusInternalServerError, `oops`, "Something went wrong. Please try again."},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			srv, hits := countingServer(t, tt.status, tt.body)
			c := New(srv.URL, sessionFor(models.RoleAdmin, "admin"))

			_, err := c.GetBug(context.Background(), "b1")
			var rerr *RejectionError
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, tt.status, rerr.StatusCode)
			assert.Equal(t, tt.want, UserMessage(err))
			assert.EqualValues(t, 1, hits.Load(), "no retries")
		})
	}
}

func TestClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url, sessionFor(models.RoleAdmin, "admin"), WithTimeout(time.Second))
	_, err := c.ListBugs(context.Background(), ListOptions{Breached: true})
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, MsgUnreachable, UserMessage(err))
}

func TestClient_ListBugsQuery(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.RequestURI()
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[{"id":"b1","status":"OPEN","stage":"stage-1","remaining":"2m 55s left"}]`))
	}))
	defer srv.Close()

	c := New(srv.URL, sessionFor(models.RoleTester, "qa"))
	bugs, err := c.ListBugs(context.Background(), ListOptions{Breached: true, Days: 7})
	require.NoError(t, err)
	assert.Equal(t, "/api/bugs?breached=true&days=7", got)
	require.Len(t, bugs, 1)
	assert.Equal(t, "b1", bugs[0].ID)
	assert.Equal(t, "2m 55s left", bugs[0].Remaining)
}

func TestSession_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.yaml")

	_, err := LoadSession(path)
	assert.ErrorIs(t, err, ErrNoSession)

	s := &Session{ServerURL: "http://localhost:8080", Token: "tok", UserID: "u1", Username: "tina", Role: models.RoleTester}
	require.NoError(t, s.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadSession(path)
	require.NoError(t, err)
	assert.Equal(t, s.Username, loaded.Username)
	assert.Equal(t, models.RoleTester, loaded.Role)
	assert.True(t, loaded.Valid(time.Now()))

	require.NoError(t, ClearSession(path))
	require.NoError(t, ClearSession(path))
	_, err = LoadSession(path)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestLoadAttachment(t *testing.T) {
	dir := t.TempDir()

	a, err := LoadAttachment("")
	require.NoError(t, err)
	assert.Nil(t, a)

	path := filepath.Join(dir, "shot.png")
	require.NoError(t, os.WriteFile(path, []byte("png"), 0o644))
	a, err = LoadAttachment(path)
	require.NoError(t, err)
	assert.Equal(t, "shot.png", a.Name)
	assert.Equal(t, []byte("png"), a.Data)

	_, err = LoadAttachment(filepath.Join(dir, "missing.png"))
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	empty := filepath.Join(dir, "empty.png")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = LoadAttachment(empty)
	assert.ErrorAs(t, err, &verr)
}

func TestPoller_TicksNeverOverlap(t *testing.T) {
	var running, maxRunning, calls atomic.Int32
	refresh := func(ctx context.Context) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		calls.Add(1)
		time.Sleep(15 * time.Millisecond)
		return nil
	}

	p := NewPoller(5*time.Millisecond, refresh, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	go func() {
		for ctx.Err() == nil {
			p.Trigger()
			time.Sleep(time.Millisecond)
		}
	}()

	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, maxRunning.Load())
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestPoller_ReportsErrors(t *testing.T) {
	boom := errors.New("boom")
	var reported atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	p := NewPoller(time.Hour, func(context.Context) error { return boom }, func(err error) {
		assert.ErrorIs(t, err, boom)
		if reported.Add(1) == 2 {
			cancel()
		}
	})
	go p.Trigger()

	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 2, reported.Load())
}

func TestReadEvents(t *testing.T) {
	stream := strings.Join([]string{
		": connected",
		"",
		"id: 1",
		"event: bug.updated",
		`data: {"id":"1","type":"bug.updated","resourceId":"b1"}`,
		"",
		": ping",
		"",
		`data: {"id":"2","type":"bug.attention_raised","resourceId":"b2"}`,
		"",
		"data: not json",
		"",
	}, "\n")

	var got []events.Event
	require.NoError(t, readEvents(strings.NewReader(stream), func(ev events.Event) {
		got = append(got, ev)
	}))
	require.Len(t, got, 2)
	assert.Equal(t, events.TypeBugUpdated, got[0].Type)
	assert.Equal(t, "b2", got[1].ResourceID)
}

package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/joescharf/bugtrack/internal/lifecycle"
	"github.com/joescharf/bugtrack/internal/models"
)

// ListOptions selects a bug view.
type ListOptions struct {
	Breached bool
	Days     int
}

// ListBugs returns the caller's active or breached bug view.
func (c *Client) ListBugs(ctx context.Context, opts ListOptions) ([]Bug, error) {
	q := url.Values{}
	if opts.Breached {
		q.Set("breached", "true")
	}
	if opts.Days > 0 {
		q.Set("days", strconv.Itoa(opts.Days))
	}
	path := "/api/bugs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var bugs []Bug
	if err := c.get(ctx, path, &bugs); err != nil {
		return nil, err
	}
	return bugs, nil
}

// AssignedBugs returns the developer's non-breached assigned bugs.
func (c *Client) AssignedBugs(ctx context.Context) ([]Bug, error) {
	var bugs []Bug
	if err := c.get(ctx, "/api/bugs/assigned", &bugs); err != nil {
		return nil, err
	}
	return bugs, nil
}

// FilterOptions narrows the filter endpoint. Empty fields match everything.
type FilterOptions struct {
	Status    models.BugStatus
	ProjectID string
	Priority  models.Priority
}

// FilterBugs returns bugs sorted by priority, then id.
func (c *Client) FilterBugs(ctx context.Context, opts FilterOptions) ([]Bug, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.ProjectID != "" {
		q.Set("projectId", opts.ProjectID)
	}
	if opts.Priority != "" {
		q.Set("priority", string(opts.Priority))
	}
	var bugs []Bug
	if err := c.get(ctx, "/api/bugs/filter?"+q.Encode(), &bugs); err != nil {
		return nil, err
	}
	return bugs, nil
}

// GetBug fetches one bug.
func (c *Client) GetBug(ctx context.Context, id string) (*Bug, error) {
	var b Bug
	if err := c.get(ctx, "/api/bugs/"+escape(id), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// NewBug is the input of CreateBug.
type NewBug struct {
	ProjectID   string
	Title       string
	Description string
	Priority    models.Priority
	Image       *Attachment
}

// CreateBug files a bug. Only testers may do so.
func (c *Client) CreateBug(ctx context.Context, in NewBug) (*Bug, error) {
	if err := c.requireSession(); err != nil {
		return nil, err
	}
	if c.session.Role != models.RoleTester {
		return nil, &ValidationError{Message: "Only testers can report bugs."}
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, &ValidationError{Message: "Please provide a title."}
	}
	if in.ProjectID == "" {
		return nil, &ValidationError{Message: "Please select a project."}
	}
	if in.Priority != "" && !in.Priority.IsValid() {
		return nil, &ValidationError{Message: "Please select a priority."}
	}
	var b Bug
	err := c.sendForm(ctx, http.MethodPost, "/api/bugs", Form{
		Fields: map[string]string{
			"projectId":   in.ProjectID,
			"title":       in.Title,
			"description": in.Description,
			"priority":    string(in.Priority),
		},
		Image: in.Image,
	}, &b)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// checkBug runs the lifecycle table for the session's role against b.
func (c *Client) checkBug(b *Bug, action lifecycle.Action, p lifecycle.Payload) error {
	if err := c.requireSession(); err != nil {
		return err
	}
	if _, err := lifecycle.Bug(b.Status, action, c.session.Role, p); err != nil {
		return refuse("bug", err)
	}
	return nil
}

// AssignBug assigns b to a developer.
func (c *Client) AssignBug(ctx context.Context, b *Bug, developerID string) (*Bug, error) {
	if err := c.checkBug(b, lifecycle.ActionAssign, lifecycle.Payload{AssigneeID: developerID}); err != nil {
		return nil, err
	}
	if c.session.Role == models.RoleDeveloper && !b.IsAssignedTo(c.session.UserID) {
		return nil, &ValidationError{Message: "You can only reassign bugs assigned to you."}
	}
	var out Bug
	path := "/api/bugs/" + escape(b.ID) + "/assign/" + escape(developerID)
	if err := c.send(ctx, http.MethodPut, path, nil, "", true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateStatus moves an assigned bug to IN_PROGRESS or RESOLVED.
func (c *Client) UpdateStatus(ctx context.Context, b *Bug, status models.BugStatus, resolution string, image *Attachment) (*Bug, error) {
	action, err := lifecycle.ActionForStatus(status)
	if err != nil {
		return nil, refuse("bug", err)
	}
	if err := c.checkBug(b, action, lifecycle.Payload{Notes: resolution, HasImage: image != nil}); err != nil {
		return nil, err
	}
	if !b.IsAssignedTo(c.session.UserID) {
		return nil, &ValidationError{Message: "Only the assigned developer can update this bug."}
	}
	return c.bugForm(ctx, http.MethodPut, b.ID, "status", Form{
		Fields: map[string]string{"status": string(status), "resolution": resolution},
		Image:  image,
	})
}

// CloseBug closes a resolved bug after verification.
func (c *Client) CloseBug(ctx context.Context, b *Bug, comment string, image *Attachment) (*Bug, error) {
	if err := c.testerCheck(b, lifecycle.ActionClose, lifecycle.Payload{Notes: comment, HasImage: image != nil}); err != nil {
		return nil, err
	}
	return c.bugForm(ctx, http.MethodPost, b.ID, "close-by-tester", Form{
		Fields: map[string]string{"text": comment},
		Image:  image,
	})
}

// ReassignBug sends a resolved bug back to a developer.
func (c *Client) ReassignBug(ctx context.Context, b *Bug, developerID, text string, image *Attachment) (*Bug, error) {
	if err := c.testerCheck(b, lifecycle.ActionReassignByTester, lifecycle.Payload{AssigneeID: developerID}); err != nil {
		return nil, err
	}
	return c.bugForm(ctx, http.MethodPost, b.ID, "reassign-by-tester", Form{
		Fields: map[string]string{"developerId": developerID, "text": text},
		Image:  image,
	})
}

// ReopenBug returns a resolved bug to IN_PROGRESS.
func (c *Client) ReopenBug(ctx context.Context, b *Bug, text string, image *Attachment) (*Bug, error) {
	if err := c.testerCheck(b, lifecycle.ActionReopen, lifecycle.Payload{Notes: text, HasImage: image != nil}); err != nil {
		return nil, err
	}
	return c.bugForm(ctx, http.MethodPost, b.ID, "reopen", Form{
		Fields: map[string]string{"text": text},
		Image:  image,
	})
}

// RequestReassignment flags b for the assigned developer.
func (c *Client) RequestReassignment(ctx context.Context, b *Bug) (*Bug, error) {
	if err := c.testerCheck(b, lifecycle.ActionRequestReassignment, lifecycle.Payload{}); err != nil {
		return nil, err
	}
	var out Bug
	path := "/api/bugs/" + escape(b.ID) + "/request-reassignment"
	if err := c.send(ctx, http.MethodPost, path, nil, "", true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) testerCheck(b *Bug, action lifecycle.Action, p lifecycle.Payload) error {
	if err := c.checkBug(b, action, p); err != nil {
		return err
	}
	if !b.IsCreatedBy(c.session.UserID) {
		return &ValidationError{Message: "Only the tester who reported this bug can do that."}
	}
	return nil
}

// AddNote appends a developer note to b's timeline.
func (c *Client) AddNote(ctx context.Context, b *Bug, text string, image *Attachment) (*LogEntry, error) {
	if err := c.checkBug(b, lifecycle.ActionAddNote, lifecycle.Payload{Notes: text, HasImage: image != nil}); err != nil {
		return nil, err
	}
	if !b.IsAssignedTo(c.session.UserID) {
		return nil, &ValidationError{Message: "Only the assigned developer can add notes."}
	}
	var entry LogEntry
	path := "/api/bugs/" + escape(b.ID) + "/log"
	if err := c.sendForm(ctx, http.MethodPost, path, Form{Fields: map[string]string{"text": text}, Image: image}, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *Client) bugForm(ctx context.Context, method, id, op string, f Form) (*Bug, error) {
	var out Bug
	if err := c.sendForm(ctx, method, "/api/bugs/"+escape(id)+"/"+op, f, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BugLogs returns b's timeline, newest first.
func (c *Client) BugLogs(ctx context.Context, id string) ([]LogEntry, error) {
	var logs []LogEntry
	if err := c.get(ctx, "/api/bugs/"+escape(id)+"/logs", &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// BugImage downloads the current or original image of a bug.
func (c *Client) BugImage(ctx context.Context, id string, original bool) ([]byte, error) {
	op := "image"
	if original {
		op = "original-image"
	}
	var data []byte
	if err := c.get(ctx, "/api/bugs/"+escape(id)+"/"+op, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// BugLogImage downloads the image attached to a log entry.
func (c *Client) BugLogImage(ctx context.Context, logID string) ([]byte, error) {
	var data []byte
	if err := c.get(ctx, "/api/bugs/logs/"+escape(logID)+"/image", &data); err != nil {
		return nil, err
	}
	return data, nil
}

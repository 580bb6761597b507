package client

import (
	"context"
	"net/http"
	"strings"

	"github.com/joescharf/bugtrack/internal/lifecycle"
	"github.com/joescharf/bugtrack/internal/models"
)

// ListTasks returns the task list for the session's role: all tasks for an
// admin, created tasks for a developer, assigned tasks for a tester.
func (c *Client) ListTasks(ctx context.Context) ([]Task, error) {
	if err := c.requireSession(); err != nil {
		return nil, err
	}
	path := "/api/tasks"
	switch c.session.Role {
	case models.RoleDeveloper:
		path = "/api/tasks/created"
	case models.RoleTester:
		path = "/api/tasks/assigned"
	}
	var tasks []Task
	if err := c.get(ctx, path, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	if err := c.get(ctx, "/api/tasks/"+escape(id), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// NewTask is the input of CreateTask.
type NewTask struct {
	ProjectID   string
	Title       string
	Description string
	Priority    models.Priority
	Image       *Attachment
}

// CreateTask hands a verification task to testers. Only developers may do so.
func (c *Client) CreateTask(ctx context.Context, in NewTask) (*Task, error) {
	if err := c.requireSession(); err != nil {
		return nil, err
	}
	if c.session.Role != models.RoleDeveloper {
		return nil, &ValidationError{Message: "Only developers can create tasks."}
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, &ValidationError{Message: "Please provide a title."}
	}
	if in.ProjectID == "" {
		return nil, &ValidationError{Message: "Please select a project."}
	}
	var t Task
	err := c.sendForm(ctx, http.MethodPost, "/api/tasks", Form{
		Fields: map[string]string{
			"projectId":   in.ProjectID,
			"title":       in.Title,
			"description": in.Description,
			"priority":    string(in.Priority),
		},
		Image: in.Image,
	}, &t)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) checkTask(t *Task, action lifecycle.Action, p lifecycle.Payload) error {
	if err := c.requireSession(); err != nil {
		return err
	}
	if _, err := lifecycle.Task(t.Status, action, c.session.Role, p); err != nil {
		return refuse("task", err)
	}
	return nil
}

// AssignTask assigns t to a tester.
func (c *Client) AssignTask(ctx context.Context, t *Task, testerID string) (*Task, error) {
	if err := c.checkTask(t, lifecycle.ActionAssign, lifecycle.Payload{AssigneeID: testerID}); err != nil {
		return nil, err
	}
	var out Task
	path := "/api/tasks/" + escape(t.ID) + "/assign/" + escape(testerID)
	if err := c.send(ctx, http.MethodPut, path, nil, "", true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CloseTask closes an assigned task.
func (c *Client) CloseTask(ctx context.Context, t *Task, comment string, image *Attachment) (*Task, error) {
	if err := c.checkTask(t, lifecycle.ActionClose, lifecycle.Payload{Notes: comment, HasImage: image != nil}); err != nil {
		return nil, err
	}
	if !t.IsAssignedTo(c.session.UserID) {
		return nil, &ValidationError{Message: "Only the assigned tester can close this task."}
	}
	var out Task
	path := "/api/tasks/" + escape(t.ID) + "/close-by-tester"
	if err := c.sendForm(ctx, http.MethodPost, path, Form{Fields: map[string]string{"text": comment}, Image: image}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TaskLogs returns a task's timeline, newest first.
func (c *Client) TaskLogs(ctx context.Context, id string) ([]LogEntry, error) {
	var logs []LogEntry
	if err := c.get(ctx, "/api/tasks/"+escape(id)+"/logs", &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// ProjectTesters lists the testers of a project.
func (c *Client) ProjectTesters(ctx context.Context, projectID string) ([]models.UserRef, error) {
	var users []models.UserRef
	if err := c.get(ctx, "/api/tasks/project/"+escape(projectID)+"/testers", &users); err != nil {
		return nil, err
	}
	return users, nil
}

// TaskImage downloads the image attached to a task.
func (c *Client) TaskImage(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	if err := c.get(ctx, "/api/tasks/"+escape(id)+"/image", &data); err != nil {
		return nil, err
	}
	return data, nil
}

// TaskLogImage downloads the image attached to a task log entry.
func (c *Client) TaskLogImage(ctx context.Context, logID string) ([]byte, error) {
	var data []byte
	if err := c.get(ctx, "/api/tasks/logs/"+escape(logID)+"/image", &data); err != nil {
		return nil, err
	}
	return data, nil
}

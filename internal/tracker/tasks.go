package tracker

import (
	"context"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/bugtrack/internal/events"
	"github.com/joescharf/bugtrack/internal/lifecycle"
	"github.com/joescharf/bugtrack/internal/models"
	"github.com/joescharf/bugtrack/internal/storage"
	"github.com/joescharf/bugtrack/internal/store"
)

// CreateTaskInput is a developer's request for verification work.
type CreateTaskInput struct {
	ProjectID   string
	Title       string
	Description string
	Priority    models.Priority
	Image       []byte
}

// CreateTask files a new UNASSIGNED task.
func (s *Service) CreateTask(ctx context.Context, actor *models.UserRef, in CreateTaskInput) (*models.Task, error) {
	if err := requireRole(actor, models.RoleDeveloper); err != nil {
		return nil, err
	}
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return nil, invalid("Please provide a title.")
	}
	if in.Priority == "" {
		in.Priority = models.PriorityMedium
	}
	if !in.Priority.IsValid() {
		return nil, invalid("Please select a priority.")
	}
	if err := s.requireMember(ctx, actor, in.ProjectID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	t := &models.Task{
		ID:          ulid.Make().String(),
		ProjectID:   in.ProjectID,
		Title:       in.Title,
		Description: strings.TrimSpace(in.Description),
		Priority:    in.Priority,
		Status:      models.TaskStatusUnassigned,
		CreatedBy:   actor,
		CreatedAt:   now,
	}
	key, err := s.putImage(ctx, storage.TaskImageKey(t.ID, "original"), in.Image)
	if err != nil {
		return nil, err
	}
	t.ImageKey, t.OriginalImageKey = key, key

	entry := &models.LogEntry{
		User:      actor,
		Status:    string(t.Status),
		Text:      "Task created by " + actor.Username,
		ImageKey:  key,
		Timestamp: now,
	}
	if err := s.store.CreateTask(ctx, t, entry); err != nil {
		s.dropImage(ctx, key)
		return nil, err
	}

	s.logger.Info("task created", "task", t.ID, "project", t.ProjectID, "by", actor.Username)
	s.publish(events.TypeTaskCreated, t.ID, map[string]string{"status": string(t.Status)})
	project, admin := s.projectAdmin(ctx, t.ProjectID)
	s.notifier.TaskCreated(t, project, admin)
	return t, nil
}

// GetTask returns one task.
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return s.store.GetTask(ctx, id)
}

// ListTasks returns every task for admins, the created tasks for
// developers and the assigned tasks for testers.
func (s *Service) ListTasks(ctx context.Context, actor *models.UserRef) ([]*models.Task, error) {
	if err := requireRole(actor, models.RoleAdmin, models.RoleDeveloper, models.RoleTester); err != nil {
		return nil, err
	}
	var f store.TaskListFilter
	switch actor.Role {
	case models.RoleDeveloper:
		f.CreatedBy = actor.ID
	case models.RoleTester:
		f.AssignedTo = actor.ID
	}
	return s.store.ListTasks(ctx, f)
}

// AssignTask gives the task to a tester.
func (s *Service) AssignTask(ctx context.Context, actor *models.UserRef, id, testerID string) (*models.Task, error) {
	if actor == nil {
		return nil, forbidden("not signed in")
	}
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	to, err := lifecycle.Task(t.Status, lifecycle.ActionAssign, actor.Role, lifecycle.Payload{AssigneeID: testerID})
	if err != nil {
		return nil, err
	}
	tester, err := s.store.GetUser(ctx, testerID)
	if err != nil {
		return nil, err
	}
	if tester.Role != models.RoleTester {
		return nil, invalid(lifecycle.MsgSelectTester)
	}
	if t.IsAssignedTo(tester.ID) {
		return nil, fmt.Errorf("task is %w to %s", ErrAlreadyAssigned, tester.Username)
	}

	from := t.Status
	now := s.now().UTC()
	t.Status = to
	t.AssignedTo = tester.Ref()
	t.AssignedAt = &now
	entry := &models.LogEntry{
		User:      actor,
		Status:    string(t.Status),
		Text:      "Assigned to tester: " + tester.Username,
		Timestamp: now,
	}
	if err := s.store.TransitionTask(ctx, t, from, entry); err != nil {
		return nil, err
	}

	s.logger.Info("task assigned", "task", t.ID, "tester", tester.Username, "by", actor.Username)
	s.publish(events.TypeTaskUpdated, t.ID, map[string]string{"action": string(lifecycle.ActionAssign), "status": string(t.Status)})
	s.notifier.TaskAssigned(t, tester)
	return t, nil
}

// CloseTask is the assigned tester's sign-off.
func (s *Service) CloseTask(ctx context.Context, actor *models.UserRef, id string, in TesterInput) (*models.Task, error) {
	if actor == nil {
		return nil, forbidden("not signed in")
	}
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	to, err := lifecycle.Task(t.Status, lifecycle.ActionClose, actor.Role, lifecycle.Payload{Notes: in.Text, HasImage: len(in.Image) > 0})
	if err != nil {
		return nil, err
	}
	if !t.IsAssignedTo(actor.ID) {
		return nil, forbidden("only the assigned tester can close this task")
	}

	key, err := s.putImage(ctx, storage.TaskImageKey(t.ID, newImageSuffix()), in.Image)
	if err != nil {
		return nil, err
	}
	from := t.Status
	now := s.now().UTC()
	t.Status = to
	t.ClosedAt = &now
	if key != "" {
		t.ImageKey = key
	}
	entry := &models.LogEntry{
		User:      actor,
		Status:    string(t.Status),
		Text:      strings.TrimSpace(in.Text),
		ImageKey:  key,
		Timestamp: now,
	}
	if err := s.store.TransitionTask(ctx, t, from, entry); err != nil {
		s.dropImage(ctx, key)
		return nil, err
	}

	s.logger.Info("task closed", "task", t.ID, "by", actor.Username)
	s.publish(events.TypeTaskUpdated, t.ID, map[string]string{"action": string(lifecycle.ActionClose), "status": string(t.Status)})
	creator := s.lookupUser(ctx, t.CreatedBy.ID)
	_, admin := s.projectAdmin(ctx, t.ProjectID)
	s.notifier.TaskClosed(t, creator, admin, entry.Text)
	return t, nil
}

// TaskLogs returns the task's timeline, newest first.
func (s *Service) TaskLogs(ctx context.Context, id string) ([]*models.LogEntry, error) {
	if _, err := s.store.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListTaskLogs(ctx, id)
}

// TaskImage returns the task's current image.
func (s *Service) TaskImage(ctx context.Context, id string) ([]byte, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.readImage(ctx, t.ImageKey)
}

// TaskLogImage returns the image attached to a task log entry.
func (s *Service) TaskLogImage(ctx context.Context, logID string) ([]byte, error) {
	l, err := s.store.GetTaskLog(ctx, logID)
	if err != nil {
		return nil, err
	}
	return s.readImage(ctx, l.ImageKey)
}

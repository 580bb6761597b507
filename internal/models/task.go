package models

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusUnassigned TaskStatus = "UNASSIGNED"
	TaskStatusAssigned   TaskStatus = "ASSIGNED"
	TaskStatusClosed     TaskStatus = "CLOSED"
)

// IsValid reports whether s is a known task status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusUnassigned, TaskStatusAssigned, TaskStatusClosed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed.
func (s TaskStatus) IsTerminal() bool { return s == TaskStatusClosed }

// ParseTaskStatus parses a status name case-insensitively.
func ParseTaskStatus(v string) (TaskStatus, error) {
	s := TaskStatus(strings.ToUpper(strings.TrimSpace(v)))
	if !s.IsValid() {
		return "", fmt.Errorf("invalid task status: %q", v)
	}
	return s, nil
}

// Task is a unit of work a developer hands to a tester for verification.
type Task struct {
	ID               string     `json:"id"`
	ProjectID        string     `json:"projectId"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	Priority         Priority   `json:"priority"`
	Status           TaskStatus `json:"status"`
	CreatedBy        *UserRef   `json:"createdBy"`
	AssignedTo       *UserRef   `json:"assignedTo,omitempty"`
	ImageKey         string     `json:"-"`
	OriginalImageKey string     `json:"-"`
	CreatedAt        time.Time  `json:"createdAt"`
	AssignedAt       *time.Time `json:"assignedAt,omitempty"`
	ClosedAt         *time.Time `json:"closedAt,omitempty"`
	Version          int64      `json:"-"` // bumped by every transition
}

// HasImage reports whether the task carries a current image.
func (t *Task) HasImage() bool { return t.ImageKey != "" }

// IsAssignedTo reports whether userID is the assigned tester.
func (t *Task) IsAssignedTo(userID string) bool {
	return t.AssignedTo != nil && t.AssignedTo.ID == userID
}

// IsCreatedBy reports whether userID created the task.
func (t *Task) IsCreatedBy(userID string) bool {
	return t.CreatedBy != nil && t.CreatedBy.ID == userID
}

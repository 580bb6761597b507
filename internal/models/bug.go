package models

import (
	"fmt"
	"strings"
	"time"
)

// BugStatus represents the lifecycle state of a bug.
type BugStatus string

const (
	BugStatusNew        BugStatus = "NEW"
	BugStatusOpen       BugStatus = "OPEN"
	BugStatusAssigned   BugStatus = "ASSIGNED"
	BugStatusInProgress BugStatus = "IN_PROGRESS"
	BugStatusResolved   BugStatus = "RESOLVED"
	BugStatusClosed     BugStatus = "CLOSED"
)

// BugStatuses lists every bug status in lifecycle order.
var BugStatuses = []BugStatus{
	BugStatusNew, BugStatusOpen, BugStatusAssigned,
	BugStatusInProgress, BugStatusResolved, BugStatusClosed,
}

// IsValid reports whether s is a known bug status.
func (s BugStatus) IsValid() bool {
	for _, v := range BugStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed.
func (s BugStatus) IsTerminal() bool { return s == BugStatusClosed }

// ParseBugStatus parses a status name case-insensitively.
func ParseBugStatus(v string) (BugStatus, error) {
	s := BugStatus(strings.ToUpper(strings.TrimSpace(v)))
	if !s.IsValid() {
		return "", fmt.Errorf("invalid bug status: %q", v)
	}
	return s, nil
}

// Priority represents the urgency of a bug or task.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// IsValid reports whether p is a known priority.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Rank orders priorities for sorting, most urgent first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// ParsePriority parses a priority name case-insensitively.
func ParsePriority(v string) (Priority, error) {
	p := Priority(strings.ToUpper(strings.TrimSpace(v)))
	if !p.IsValid() {
		return "", fmt.Errorf("invalid priority: %q", v)
	}
	return p, nil
}

// Bug is a defect reported by a tester against a project.
type Bug struct {
	ID               string    `json:"id"`
	ProjectID        string    `json:"projectId"`
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	Priority         Priority  `json:"priority"`
	Status           BugStatus `json:"status"`
	CreatedBy        *UserRef  `json:"createdBy"`
	AssignedTo       *UserRef  `json:"assignedTo,omitempty"`
	Resolution       string    `json:"resolution,omitempty"`
	Breached         bool      `json:"breached"` // sticky once set
	NeedsAttention   bool      `json:"needsAttention"`
	ImageKey         string    `json:"-"`
	OriginalImageKey string    `json:"-"`
	LastStatusChange time.Time `json:"lastStatusChange"`
	CreatedAt        time.Time `json:"createdAt"`
	Version          int64     `json:"-"` // bumped by every transition
}

// HasImage reports whether the bug carries a current image.
func (b *Bug) HasImage() bool { return b.ImageKey != "" }

// HasOriginalImage reports whether the tester attached an image on creation.
func (b *Bug) HasOriginalImage() bool { return b.OriginalImageKey != "" }

// IsAssignedTo reports whether userID is the current assignee.
func (b *Bug) IsAssignedTo(userID string) bool {
	return b.AssignedTo != nil && b.AssignedTo.ID == userID
}

// IsCreatedBy reports whether userID reported the bug.
func (b *Bug) IsCreatedBy(userID string) bool {
	return b.CreatedBy != nil && b.CreatedBy.ID == userID
}

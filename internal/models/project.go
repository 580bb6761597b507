package models

import "time"

// Project groups bugs and tasks and the people working on them.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedBy   string    `json:"createdBy"` // admin user id
	CreatedAt   time.Time `json:"createdAt"`
}

// ProjectMember links a developer or tester to a project.
type ProjectMember struct {
	ProjectID string    `json:"projectId"`
	User      *UserRef  `json:"user"`
	AddedAt   time.Time `json:"addedAt"`
}

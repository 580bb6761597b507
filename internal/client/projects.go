package client

import (
	"context"
	"net/url"

	"github.com/joescharf/bugtrack/internal/dashboard"
	"github.com/joescharf/bugtrack/internal/models"
)

// NewUser is the input of CreateUser.
type NewUser struct {
	Username string      `json:"username"`
	Email    string      `json:"email"`
	Password string      `json:"password"`
	Role     models.Role `json:"role"`
}

// CreateUser creates an account. Admin only.
func (c *Client) CreateUser(ctx context.Context, in NewUser) (*models.User, error) {
	if len(in.Password) < 6 {
		return nil, &ValidationError{Message: "Password must be at least 6 characters."}
	}
	var u models.User
	if err := c.postJSON(ctx, "/api/users", in, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers lists accounts, optionally of one role.
func (c *Client) ListUsers(ctx context.Context, role models.Role) ([]models.User, error) {
	path := "/api/users"
	if role != "" {
		path += "?role=" + url.QueryEscape(string(role))
	}
	var users []models.User
	if err := c.get(ctx, path, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// CreateProject creates a project owned by the calling admin.
func (c *Client) CreateProject(ctx context.Context, name, description string) (*models.Project, error) {
	if name == "" {
		return nil, &ValidationError{Message: "Please provide a project name."}
	}
	var p models.Project
	if err := c.postJSON(ctx, "/api/projects", map[string]string{"name": name, "description": description}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProjects lists all projects.
func (c *Client) ListProjects(ctx context.Context) ([]models.Project, error) {
	var projects []models.Project
	if err := c.get(ctx, "/api/projects", &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// AddMember adds a developer or tester to a project.
func (c *Client) AddMember(ctx context.Context, projectID, userID string) error {
	return c.postJSON(ctx, "/api/projects/"+escape(projectID)+"/members", map[string]string{"userId": userID}, nil)
}

// ProjectDevelopers lists the developers of a project.
func (c *Client) ProjectDevelopers(ctx context.Context, projectID string) ([]models.UserRef, error) {
	var users []models.UserRef
	if err := c.get(ctx, "/api/projects/"+escape(projectID)+"/developers", &users); err != nil {
		return nil, err
	}
	return users, nil
}

// ProjectSummary returns the counts and health score of one project.
func (c *Client) ProjectSummary(ctx context.Context, projectID string) (*dashboard.Summary, error) {
	var s dashboard.Summary
	if err := c.get(ctx, "/api/projects/"+escape(projectID)+"/summary", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Dashboard returns the summaries of every project. Admin only.
func (c *Client) Dashboard(ctx context.Context) ([]*dashboard.Summary, error) {
	var all []*dashboard.Summary
	if err := c.get(ctx, "/api/dashboard", &all); err != nil {
		return nil, err
	}
	return all, nil
}

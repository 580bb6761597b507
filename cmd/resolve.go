package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/joescharf/bugtrack/internal/client"
	"github.com/joescharf/bugtrack/internal/models"
)

// findBug finds a bug by full ID or by a prefix unique among the bugs the
// caller can see.
func findBug(ctx context.Context, c *client.Client, ref string) (*client.Bug, error) {
	b, err := c.GetBug(ctx, ref)
	if err == nil {
		return b, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	bugs, err := c.FilterBugs(ctx, client.FilterOptions{})
	if err != nil {
		return nil, err
	}
	upper := strings.ToUpper(ref)
	var matches []string
	for _, b := range bugs {
		if strings.HasPrefix(b.ID, upper) {
			matches = append(matches, b.ID)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("bug not found: %s", ref)
	case 1:
		return c.GetBug(ctx, matches[0])
	default:
		return nil, fmt.Errorf("ambiguous bug ID %s: matches %d bugs", ref, len(matches))
	}
}

// findTask finds a task by full ID or by a unique prefix.
func findTask(ctx context.Context, c *client.Client, ref string) (*client.Task, error) {
	t, err := c.GetTask(ctx, ref)
	if err == nil {
		return t, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	tasks, err := c.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	upper := strings.ToUpper(ref)
	var matches []string
	for _, t := range tasks {
		if strings.HasPrefix(t.ID, upper) {
			matches = append(matches, t.ID)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("task not found: %s", ref)
	case 1:
		return c.GetTask(ctx, matches[0])
	default:
		return nil, fmt.Errorf("ambiguous task ID %s: matches %d tasks", ref, len(matches))
	}
}

// findProject finds a project by ID, name or ID prefix.
func findProject(ctx context.Context, c *client.Client, ref string) (*models.Project, error) {
	projects, err := c.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	for i := range projects {
		if projects[i].ID == ref || strings.EqualFold(projects[i].Name, ref) {
			return &projects[i], nil
		}
	}
	var match *models.Project
	for i := range projects {
		if strings.HasPrefix(projects[i].ID, strings.ToUpper(ref)) {
			if match != nil {
				return nil, fmt.Errorf("ambiguous project ID %s", ref)
			}
			match = &projects[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("project not found: %s", ref)
	}
	return match, nil
}

// findMember finds a developer or tester of a project by username or ID.
func findMember(ctx context.Context, c *client.Client, projectID string, role models.Role, ref string) (*models.UserRef, error) {
	var (
		members []models.UserRef
		err     error
	)
	if role == models.RoleTester {
		members, err = c.ProjectTesters(ctx, projectID)
	} else {
		members, err = c.ProjectDevelopers(ctx, projectID)
	}
	if err != nil {
		return nil, err
	}
	for i := range members {
		if members[i].ID == ref || strings.EqualFold(members[i].Username, ref) {
			return &members[i], nil
		}
	}
	return nil, fmt.Errorf("%s not found in this project: %s", strings.ToLower(string(role)), ref)
}

// findUser finds any account by username or ID. Admin only.
func findUser(ctx context.Context, c *client.Client, ref string) (*models.User, error) {
	users, err := c.ListUsers(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range users {
		if users[i].ID == ref || strings.EqualFold(users[i].Username, ref) {
			return &users[i], nil
		}
	}
	return nil, fmt.Errorf("user not found: %s", ref)
}

func isNotFound(err error) bool {
	var rerr *client.RejectionError
	return errors.As(err, &rerr) && rerr.StatusCode == http.StatusNotFound
}

// projectNames maps project IDs to names for display. Lookup failures
// leave the map empty.
func projectNames(ctx context.Context, c *client.Client) map[string]string {
	names := make(map[string]string)
	projects, err := c.ListProjects(ctx)
	if err != nil {
		return names
	}
	for _, p := range projects {
		names[p.ID] = p.Name
	}
	return names
}

// readSecret returns value, or reads one line from in when value is empty.
func readSecret(in io.Reader, prompt, value string) (string, error) {
	if value != "" {
		return value, nil
	}
	fmt.Fprint(ui.ErrOut, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func username(u *models.UserRef) string {
	if u == nil {
		return "-"
	}
	return u.Username
}

// shortID returns a truncated ULID for display (first 12 chars).
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// timeAgo returns a human-readable duration from a time.
func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	}
}

// Package mcp exposes read-only bugtrack data as MCP tools.
package mcp

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/bugtrack/internal/breach"
	"github.com/joescharf/bugtrack/internal/dashboard"
	"github.com/joescharf/bugtrack/internal/models"
	"github.com/joescharf/bugtrack/internal/store"
)

// Server wraps the bugtrack store and exposes it as MCP tools.
type Server struct {
	store   store.Store
	policy  breach.Policy
	scorer  *dashboard.Scorer
	version string
	now     func() time.Time
}

// NewServer creates the MCP server wrapper.
func NewServer(s store.Store, policy breach.Policy, version string) *Server {
	return &Server{
		store:   s,
		policy:  policy,
		scorer:  dashboard.NewScorer(policy),
		version: version,
		now:     time.Now,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("bugtrack", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listProjectsTool())
	srv.AddTool(s.listBugsTool())
	srv.AddTool(s.breachReportTool())
	srv.AddTool(s.bugTimelineTool())
	srv.AddTool(s.listTasksTool())
	srv.AddTool(s.projectHealthTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.MCPServer())
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// bt_list_projects
func (s *Server) listProjectsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("bt_list_projects",
		mcp.WithDescription("List all projects. Returns a JSON array of projects with id, name, and description."),
	)
	return tool, s.handleListProjects
}

func (s *Server) handleListProjects(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list projects: %v", err)), nil
	}

	type projectOut struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	out := make([]projectOut, len(projects))
	for i, p := range projects {
		out[i] = projectOut{ID: p.ID, Name: p.Name, Description: p.Description}
	}
	return jsonResult(out, "projects")
}

type bugOut struct {
	ID             string `json:"id"`
	ProjectID      string `json:"project_id"`
	Title          string `json:"title"`
	Status         string `json:"status"`
	Priority       string `json:"priority"`
	CreatedBy      string `json:"created_by,omitempty"`
	AssignedTo     string `json:"assigned_to,omitempty"`
	Breached       bool   `json:"breached"`
	NeedsAttention bool   `json:"needs_attention"`
	Stage          string `json:"stage"`
	Remaining      string `json:"remaining"`
	LastChange     string `json:"last_status_change"`
}

func (s *Server) bugOut(b *models.Bug, a breach.Assessment) bugOut {
	out := bugOut{
		ID:             b.ID,
		ProjectID:      b.ProjectID,
		Title:          b.Title,
		Status:         string(b.Status),
		Priority:       string(b.Priority),
		Breached:       b.Breached,
		NeedsAttention: b.NeedsAttention,
		Stage:          a.Stage.String(),
		Remaining:      breach.FormatRemaining(a),
		LastChange:     b.LastStatusChange.Format(time.RFC3339),
	}
	if b.CreatedBy != nil {
		out.CreatedBy = b.CreatedBy.Username
	}
	if b.AssignedTo != nil {
		out.AssignedTo = b.AssignedTo.Username
	}
	return out
}

// bt_list_bugs
func (s *Server) listBugsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("bt_list_bugs",
		mcp.WithDescription("List bugs, optionally filtered by project, status, and priority. Each bug includes its breach stage (on-track, stage-1, stage-2, stage-3, breached) and time remaining before breach."),
		mcp.WithString("project", mcp.Description("Project name or ID")),
		mcp.WithString("status", mcp.Description("Status filter: NEW, OPEN, ASSIGNED, IN_PROGRESS, RESOLVED, CLOSED")),
		mcp.WithString("priority", mcp.Description("Priority filter: LOW, MEDIUM, HIGH, CRITICAL")),
		mcp.WithBoolean("needs_attention", mcp.Description("Only bugs with a pending reassignment request")),
	)
	return tool, s.handleListBugs
}

func (s *Server) handleListBugs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.BugListFilter{}

	if name := request.GetString("project", ""); name != "" {
		p, err := s.resolveProject(ctx, name)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("project not found: %s", name)), nil
		}
		filter.ProjectID = p.ID
	}
	if v := request.GetString("status", ""); v != "" {
		st, err := models.ParseBugStatus(v)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		filter.Status = st
	}
	if v := request.GetString("priority", ""); v != "" {
		p, err := models.ParsePriority(v)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		filter.Priority = p
	}
	attention := request.GetBool("needs_attention", false)

	bugs, err := s.store.ListBugs(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list bugs: %v", err)), nil
	}
	now := s.now()
	out := make([]bugOut, 0, len(bugs))
	for _, b := range bugs {
		if attention && !b.NeedsAttention {
			continue
		}
		out = append(out, s.bugOut(b, s.policy.Evaluate(b, now)))
	}
	return jsonResult(out, "bugs")
}

// bt_breach_report
func (s *Server) breachReportTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("bt_breach_report",
		mcp.WithDescription("Report open bugs that are in a warning stage or breached, most urgent first. Resolved and closed bugs are excluded."),
		mcp.WithString("project", mcp.Description("Project name or ID")),
	)
	return tool, s.handleBreachReport
}

func (s *Server) handleBreachReport(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.BugListFilter{ExcludeClosed: true}
	if name := request.GetString("project", ""); name != "" {
		p, err := s.resolveProject(ctx, name)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("project not found: %s", name)), nil
		}
		filter.ProjectID = p.ID
	}
	bugs, err := s.store.ListBugs(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list bugs: %v", err)), nil
	}

	type entry struct {
		bug *models.Bug
		a   breach.Assessment
	}
	now := s.now()
	var at []entry
	for _, b := range bugs {
		a := s.policy.Evaluate(b, now)
		if a.Exempt || a.Stage == breach.StageOnTrack {
			continue
		}
		at = append(at, entry{b, a})
	}
	slices.SortStableFunc(at, func(x, y entry) int {
		if c := cmp.Compare(int(y.a.Stage), int(x.a.Stage)); c != 0 {
			return c
		}
		return cmp.Compare(x.a.Remaining, y.a.Remaining)
	})

	out := make([]bugOut, len(at))
	for i, e := range at {
		out[i] = s.bugOut(e.bug, e.a)
	}
	return jsonResult(out, "breach report")
}

// bt_bug_timeline
func (s *Server) bugTimelineTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("bt_bug_timeline",
		mcp.WithDescription("Show a bug and its full status history, newest first. Accepts a full bug ID or a unique prefix."),
		mcp.WithString("bug_id", mcp.Required(), mcp.Description("Bug ID or unique prefix")),
	)
	return tool, s.handleBugTimeline
}

func (s *Server) handleBugTimeline(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("bug_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: bug_id"), nil
	}
	b, err := s.findBug(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	logs, err := s.store.ListBugLogs(ctx, b.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list logs: %v", err)), nil
	}

	type logOut struct {
		User      string `json:"user"`
		Status    string `json:"status"`
		Text      string `json:"text,omitempty"`
		HasImage  bool   `json:"has_image"`
		Timestamp string `json:"timestamp"`
	}
	entries := make([]logOut, len(logs))
	for i, l := range logs {
		entries[i] = logOut{Status: l.Status, Text: l.Text, HasImage: l.HasImage(), Timestamp: l.Timestamp.Format(time.RFC3339)}
		if l.User != nil {
			entries[i].User = l.User.Username
		}
	}
	result := map[string]any{
		"bug":      s.bugOut(b, s.policy.Evaluate(b, s.now())),
		"timeline": entries,
	}
	return jsonResult(result, "timeline")
}

// bt_list_tasks
func (s *Server) listTasksTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("bt_list_tasks",
		mcp.WithDescription("List verification tasks, optionally filtered by project and status (UNASSIGNED, ASSIGNED, CLOSED)."),
		mcp.WithString("project", mcp.Description("Project name or ID")),
		mcp.WithString("status", mcp.Description("Status filter: UNASSIGNED, ASSIGNED, CLOSED")),
	)
	return tool, s.handleListTasks
}

func (s *Server) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.TaskListFilter{}
	if name := request.GetString("project", ""); name != "" {
		p, err := s.resolveProject(ctx, name)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("project not found: %s", name)), nil
		}
		filter.ProjectID = p.ID
	}
	if v := request.GetString("status", ""); v != "" {
		st, err := models.ParseTaskStatus(v)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		filter.Status = st
	}
	tasks, err := s.store.ListTasks(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}

	type taskOut struct {
		ID         string `json:"id"`
		ProjectID  string `json:"project_id"`
		Title      string `json:"title"`
		Status     string `json:"status"`
		Priority   string `json:"priority"`
		CreatedBy  string `json:"created_by,omitempty"`
		AssignedTo string `json:"assigned_to,omitempty"`
		CreatedAt  string `json:"created_at"`
	}
	out := make([]taskOut, len(tasks))
	for i, t := range tasks {
		out[i] = taskOut{
			ID:        t.ID,
			ProjectID: t.ProjectID,
			Title:     t.Title,
			Status:    string(t.Status),
			Priority:  string(t.Priority),
			CreatedAt: t.CreatedAt.Format(time.RFC3339),
		}
		if t.CreatedBy != nil {
			out[i].CreatedBy = t.CreatedBy.Username
		}
		if t.AssignedTo != nil {
			out[i].AssignedTo = t.AssignedTo.Username
		}
	}
	return jsonResult(out, "tasks")
}

// bt_project_health
func (s *Server) projectHealthTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("bt_project_health",
		mcp.WithDescription("Get bug and task counts plus a 0-100 health score (SLA compliance, backlog, activity, responsiveness) for one project, or for every project when none is given."),
		mcp.WithString("project", mcp.Description("Project name or ID")),
	)
	return tool, s.handleProjectHealth
}

func (s *Server) handleProjectHealth(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := request.GetString("project", "")
	if name == "" {
		all, err := s.scorer.SummarizeAll(ctx, s.store, s.now())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to summarize projects: %v", err)), nil
		}
		return jsonResult(all, "summaries")
	}
	p, err := s.resolveProject(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("project not found: %s", name)), nil
	}
	sum, err := s.scorer.Summarize(ctx, s.store, p.ID, s.now())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to summarize project: %v", err)), nil
	}
	return jsonResult(sum, "summary")
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func jsonResult(v any, what string) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal %s: %v", what, err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// resolveProject tries to find a project by name first, then by ID.
func (s *Server) resolveProject(ctx context.Context, name string) (*models.Project, error) {
	if p, err := s.store.GetProjectByName(ctx, name); err == nil {
		return p, nil
	}
	if p, err := s.store.GetProject(ctx, name); err == nil {
		return p, nil
	}
	return nil, fmt.Errorf("project not found: %s", name)
}

// findBug finds a bug by full ID or unique prefix.
func (s *Server) findBug(ctx context.Context, id string) (*models.Bug, error) {
	if b, err := s.store.GetBug(ctx, id); err == nil {
		return b, nil
	}

	upper := strings.ToUpper(id)
	bugs, err := s.store.ListBugs(ctx, store.BugListFilter{})
	if err != nil {
		return nil, err
	}
	var matches []*models.Bug
	for _, b := range bugs {
		if strings.HasPrefix(strings.ToUpper(b.ID), upper) {
			matches = append(matches, b)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("bug not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous bug ID prefix %q matches %d bugs", id, len(matches))
	}
}

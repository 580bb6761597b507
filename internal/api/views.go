package api

import (
	"time"

	"github.com/joescharf/bugtrack/internal/breach"
	"github.com/joescharf/bugtrack/internal/lifecycle"
	"github.com/joescharf/bugtrack/internal/models"
)

// BugResponse is a bug as seen by one caller: the stored fields plus image
// flags, the current breach assessment and the actions the caller's role
// may attempt.
type BugResponse struct {
	*models.Bug
	HasImage         bool               `json:"hasImage"`
	HasOriginalImage bool               `json:"hasOriginalImage"`
	Stage            breach.Stage       `json:"stage"`
	Remaining        string             `json:"remaining"`
	RemainingSeconds int64              `json:"remainingSeconds"`
	Actions          []lifecycle.Action `json:"actions"`
}

// TaskResponse is a task with its image flag.
type TaskResponse struct {
	*models.Task
	HasImage bool `json:"hasImage"`
}

// LogResponse is a timeline entry with its image flag.
type LogResponse struct {
	*models.LogEntry
	HasImage bool `json:"hasImage"`
}

// LoginResponse is returned by POST /api/auth/login.
type LoginResponse struct {
	Token     string      `json:"token"`
	UserID    string      `json:"userId"`
	Username  string      `json:"username"`
	Role      models.Role `json:"role"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

func (s *Server) bugView(b *models.Bug, role models.Role) BugResponse {
	a := s.svc.Assess(b)
	actions := lifecycle.BugActions(b.Status, role)
	if actions == nil {
		actions = []lifecycle.Action{}
	}
	return BugResponse{
		Bug:              b,
		HasImage:         b.HasImage(),
		HasOriginalImage: b.HasOriginalImage(),
		Stage:            a.Stage,
		Remaining:        breach.FormatRemaining(a),
		RemainingSeconds: int64(a.Remaining / time.Second),
		Actions:          actions,
	}
}

func (s *Server) bugViews(bugs []*models.Bug, role models.Role) []BugResponse {
	out := make([]BugResponse, 0, len(bugs))
	for _, b := range bugs {
		out = append(out, s.bugView(b, role))
	}
	return out
}

func taskView(t *models.Task) TaskResponse {
	return TaskResponse{Task: t, HasImage: t.HasImage()}
}

func taskViews(tasks []*models.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskView(t))
	}
	return out
}

func logViews(entries []*models.LogEntry) []LogResponse {
	out := make([]LogResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, LogResponse{LogEntry: e, HasImage: e.HasImage()})
	}
	return out
}

// Package dashboard summarizes bug and task counts per project and scores
// how healthy each project's backlog is.
package dashboard

import (
	"context"
	"fmt"
	"time"

	"github.com/joescharf/bugtrack/internal/breach"
	"github.com/joescharf/bugtrack/internal/models"
	"github.com/joescharf/bugtrack/internal/store"
)

// Counts tallies a project's bugs and tasks.
type Counts struct {
	Total          int `json:"total"`
	Active         int `json:"active"`
	Breached       int `json:"breached"`
	AtRisk         int `json:"atRisk"` // stage-2 or stage-3 warning
	Resolved       int `json:"resolved"`
	Closed         int `json:"closed"`
	NeedsAttention int `json:"needsAttention"`
	Unassigned     int `json:"unassigned"`
	TasksOpen      int `json:"tasksOpen"`
	TasksClosed    int `json:"tasksClosed"`
}

// HealthScore represents the computed health of a project.
type HealthScore struct {
	Total           int `json:"total"`
	SLACompliance   int `json:"slaCompliance"`   // 0-40
	BacklogHealth   int `json:"backlogHealth"`   // 0-20
	ActivityRecency int `json:"activityRecency"` // 0-20
	Responsiveness  int `json:"responsiveness"`  // 0-20
}

// Summary is the dashboard entry of one project.
type Summary struct {
	Project *models.Project `json:"project"`
	Counts  Counts          `json:"counts"`
	Health  *HealthScore    `json:"health"`
}

// Scorer computes health scores for projects.
type Scorer struct {
	policy breach.Policy
}

// NewScorer returns a Scorer that times bugs against policy.
func NewScorer(policy breach.Policy) *Scorer {
	return &Scorer{policy: policy}
}

// Count tallies bugs and tasks at now.
func (s *Scorer) Count(bugs []*models.Bug, tasks []*models.Task, now time.Time) Counts {
	var c Counts
	c.Total = len(bugs)
	for _, b := range bugs {
		switch b.Status {
		case models.BugStatusClosed:
			c.Closed++
		case models.BugStatusResolved:
			c.Resolved++
		}
		if b.Breached && b.Status != models.BugStatusClosed {
			c.Breached++
		}
		if !b.Breached && b.Status != models.BugStatusClosed {
			c.Active++
		}
		if b.NeedsAttention && b.Status != models.BugStatusClosed {
			c.NeedsAttention++
		}
		if b.AssignedTo == nil && !b.Status.IsTerminal() {
			c.Unassigned++
		}
		if st := s.policy.Evaluate(b, now).Stage; st == breach.StageWarning2 || st == breach.StageWarning3 {
			c.AtRisk++
		}
	}
	for _, t := range tasks {
		if t.Status == models.TaskStatusClosed {
			c.TasksClosed++
		} else {
			c.TasksOpen++
		}
	}
	return c
}

// Score computes a health score (0-100) for a project.
func (s *Scorer) Score(bugs []*models.Bug, c Counts, now time.Time) *HealthScore {
	h := &HealthScore{}

	// SLA compliance (40 pts) - share of open bugs that never breached
	open := c.Total - c.Closed
	if open <= 0 {
		h.SLACompliance = 40
	} else {
		ratio := float64(c.Breached) / float64(open)
		h.SLACompliance = int(40*(1-ratio)) - min(c.AtRisk*2, 10)
		h.SLACompliance = max(h.SLACompliance, 0)
	}

	// Backlog health (20 pts) - fewer unfinished bugs relative to total
	h.BacklogHealth = scoreBacklog(c, 20)

	// Activity recency (20 pts) - most recent status change anywhere
	var last time.Time
	for _, b := range bugs {
		if b.LastStatusChange.After(last) {
			last = b.LastStatusChange
		}
	}
	if len(bugs) == 0 {
		h.ActivityRecency = 20
	} else {
		h.ActivityRecency = scoreRecency(last, now, 20)
	}

	// Responsiveness (20 pts) - pending reassignment requests and unassigned bugs
	h.Responsiveness = max(20-5*c.NeedsAttention-2*c.Unassigned, 0)

	h.Total = h.SLACompliance + h.BacklogHealth + h.ActivityRecency + h.Responsiveness
	return h
}

// scoreRecency converts time since last activity to points.
func scoreRecency(t, now time.Time, maxPoints int) int {
	if t.IsZero() {
		return 0
	}
	days := int(now.Sub(t).Hours() / 24)
	switch {
	case days <= 1:
		return maxPoints
	case days <= 3:
		return int(float64(maxPoints) * 0.9)
	case days <= 7:
		return int(float64(maxPoints) * 0.75)
	case days <= 14:
		return int(float64(maxPoints) * 0.6)
	case days <= 30:
		return int(float64(maxPoints) * 0.4)
	default:
		return int(float64(maxPoints) * 0.2)
	}
}

// scoreBacklog rewards projects that finish what they open.
func scoreBacklog(c Counts, maxPoints int) int {
	if c.Total == 0 {
		return maxPoints
	}
	unfinished := c.Total - c.Closed - c.Resolved
	ratio := float64(unfinished) / float64(c.Total)
	return int(float64(maxPoints) * (1 - ratio*0.8))
}

// Summarize loads one project's bugs and tasks and scores them.
func (s *Scorer) Summarize(ctx context.Context, st store.Store, projectID string, now time.Time) (*Summary, error) {
	p, err := st.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	bugs, err := st.ListBugs(ctx, store.BugListFilter{ProjectID: projectID})
	if err != nil {
		return nil, fmt.Errorf("list bugs: %w", err)
	}
	tasks, err := st.ListTasks(ctx, store.TaskListFilter{ProjectID: projectID})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	c := s.Count(bugs, tasks, now)
	return &Summary{Project: p, Counts: c, Health: s.Score(bugs, c, now)}, nil
}

// SummarizeAll summarizes every project.
func (s *Scorer) SummarizeAll(ctx context.Context, st store.Store, now time.Time) ([]*Summary, error) {
	projects, err := st.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	out := make([]*Summary, 0, len(projects))
	for _, p := range projects {
		sum, err := s.Summarize(ctx, st, p.ID, now)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}

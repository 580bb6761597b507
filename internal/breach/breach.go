// Package breach computes how long a bug has sat in its current status and
// which escalation stage that puts it in.
package breach

import (
	"fmt"
	"time"

	"github.com/joescharf/bugtrack/internal/models"
)

// Stage is an escalation level. Higher values are more urgent.
type Stage int

const (
	StageOnTrack Stage = iota
	StageWarning1
	StageWarning2
	StageWarning3
	StageBreached
)

func (s Stage) String() string {
	switch s {
	case StageOnTrack:
		return "on-track"
	case StageWarning1:
		return "stage-1"
	case StageWarning2:
		return "stage-2"
	case StageWarning3:
		return "stage-3"
	case StageBreached:
		return "breached"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// MarshalText encodes the stage by name.
func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a stage name produced by MarshalText.
func (s *Stage) UnmarshalText(b []byte) error {
	for st := StageOnTrack; st <= StageBreached; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown breach stage: %q", b)
}

// Policy holds the escalation thresholds, measured from the last status change.
type Policy struct {
	Stage1 time.Duration
	Stage2 time.Duration
	Stage3 time.Duration
	Limit  time.Duration
}

// DefaultPolicy is the production SLA.
func DefaultPolicy() Policy {
	return Policy{
		Stage1: 4 * time.Hour,
		Stage2: 8 * time.Hour,
		Stage3: 16 * time.Hour,
		Limit:  24 * time.Hour,
	}
}

// DemoPolicy uses second-scale thresholds for demonstrations.
func DemoPolicy() Policy {
	return Policy{
		Stage1: 30 * time.Second,
		Stage2: 60 * time.Second,
		Stage3: 120 * time.Second,
		Limit:  210 * time.Second,
	}
}

// PolicyFor returns the named preset.
func PolicyFor(profile string) (Policy, error) {
	switch profile {
	case "", "default":
		return DefaultPolicy(), nil
	case "demo":
		return DemoPolicy(), nil
	}
	return Policy{}, fmt.Errorf("unknown breach profile: %q (use: default, demo)", profile)
}

// Validate checks that thresholds are positive and strictly increasing.
func (p Policy) Validate() error {
	if p.Stage1 <= 0 {
		return fmt.Errorf("breach stage1 must be positive, got %s", p.Stage1)
	}
	if !(p.Stage1 < p.Stage2 && p.Stage2 < p.Stage3 && p.Stage3 < p.Limit) {
		return fmt.Errorf("breach thresholds must increase: stage1=%s stage2=%s stage3=%s limit=%s",
			p.Stage1, p.Stage2, p.Stage3, p.Limit)
	}
	return nil
}

// StageFor maps an elapsed duration to a stage. It is monotonic in elapsed.
func (p Policy) StageFor(elapsed time.Duration) Stage {
	switch {
	case elapsed >= p.Limit:
		return StageBreached
	case elapsed >= p.Stage3:
		return StageWarning3
	case elapsed >= p.Stage2:
		return StageWarning2
	case elapsed >= p.Stage1:
		return StageWarning1
	default:
		return StageOnTrack
	}
}

// Assessment is the breach state of one bug at one instant.
type Assessment struct {
	Stage     Stage         `json:"stage"`
	Exempt    bool          `json:"exempt"`
	Elapsed   time.Duration `json:"elapsed"`
	Remaining time.Duration `json:"remaining"`
}

// Exempt reports whether bugs in status s are excluded from breach timing.
func Exempt(s models.BugStatus) bool {
	return s == models.BugStatusResolved || s == models.BugStatusClosed
}

// Evaluate assesses bug at now. Resolved and closed bugs are not timed; a
// bug that already breached keeps reporting StageBreached.
func (p Policy) Evaluate(bug *models.Bug, now time.Time) Assessment {
	if Exempt(bug.Status) {
		a := Assessment{Exempt: true}
		if bug.Breached {
			a.Stage = StageBreached
		}
		return a
	}
	elapsed := now.Sub(bug.LastStatusChange)
	if elapsed < 0 {
		elapsed = 0
	}
	a := Assessment{
		Stage:     p.StageFor(elapsed),
		Elapsed:   elapsed,
		Remaining: p.Limit - elapsed,
	}
	if bug.Breached {
		a.Stage = StageBreached
	}
	if a.Remaining < 0 {
		a.Remaining = 0
	}
	return a
}

// FormatRemaining renders the time left before breach for display.
func FormatRemaining(a Assessment) string {
	if a.Stage == StageBreached {
		return "Breached"
	}
	if a.Exempt {
		return "-"
	}
	d := a.Remaining.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm left", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds left", m, s)
	default:
		return fmt.Sprintf("%ds left", s)
	}
}

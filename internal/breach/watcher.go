package breach

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joescharf/bugtrack/internal/events"
	"github.com/joescharf/bugtrack/internal/models"
)

// Source is the slice of the store the watcher needs.
type Source interface {
	ListActiveBugs(ctx context.Context) ([]*models.Bug, error)
	MarkBugBreached(ctx context.Context, id string) error
}

// Watcher periodically re-evaluates every active bug, persists the sticky
// breached flag and publishes stage changes. It is the single server-side
// timer; clients learn about changes over SSE or their next fetch.
type Watcher struct {
	src      Source
	bus      *events.Bus
	policy   Policy
	interval time.Duration
	logger   *slog.Logger

	// now is replaceable in tests.
	now func() time.Time

	stages map[string]Stage
}

// NewWatcher creates a Watcher. bus may be nil.
func NewWatcher(src Source, bus *events.Bus, policy Policy, interval time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		src:      src,
		bus:      bus,
		policy:   policy,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		stages:   make(map[string]Stage),
	}
}

// Run scans immediately and then once per interval until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.Scan(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("breach scan failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Scan evaluates all active bugs once and returns how many changed stage.
func (w *Watcher) Scan(ctx context.Context) (int, error) {
	bugs, err := w.src.ListActiveBugs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active bugs: %w", err)
	}

	now := w.now()
	seen := make(map[string]bool, len(bugs))
	changed := 0

	for _, b := range bugs {
		seen[b.ID] = true
		a := w.policy.Evaluate(b, now)

		if a.Stage == StageBreached && !b.Breached && !a.Exempt {
			if err := w.src.MarkBugBreached(ctx, b.ID); err != nil {
				w.logger.Error("mark bug breached", "bug", b.ID, "error", err)
				continue
			}
			b.Breached = true
			w.logger.Info("bug breached", "bug", b.ID, "status", b.Status, "elapsed", a.Elapsed)
		}

		prev, known := w.stages[b.ID]
		w.stages[b.ID] = a.Stage
		if known && prev == a.Stage {
			continue
		}
		if !known && a.Stage == StageOnTrack {
			continue
		}
		changed++
		if w.bus != nil {
			w.bus.PublishNew(events.TypeBugBreachStage, b.ID, map[string]string{
				"stage":     a.Stage.String(),
				"status":    string(b.Status),
				"remaining": FormatRemaining(a),
			})
		}
	}

	for id := range w.stages {
		if !seen[id] {
			delete(w.stages, id)
		}
	}
	return changed, nil
}

package client

import (
	"context"
	"time"
)

// Poller runs one refresh function on a fixed interval. It is the single
// timer behind every live view: refreshes run on one goroutine, so a slow
// refresh delays the next tick instead of overlapping it.
type Poller struct {
	interval time.Duration
	refresh  func(context.Context) error
	onError  func(error)
	kick     chan struct{}
}

// NewPoller creates a poller. onError may be nil.
func NewPoller(interval time.Duration, refresh func(context.Context) error, onError func(error)) *Poller {
	return &Poller{
		interval: interval,
		refresh:  refresh,
		onError:  onError,
		kick:     make(chan struct{}, 1),
	}
}

// Trigger requests an immediate refresh. Triggers arriving while one is
// already pending collapse into it.
func (p *Poller) Trigger() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run refreshes once, then on every tick or trigger until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-p.kick:
			ticker.Reset(p.interval)
		}
		p.tick(ctx)
	}
}

func (p *Poller) tick(ctx context.Context) {
	if err := p.refresh(ctx); err != nil && ctx.Err() == nil && p.onError != nil {
		p.onError(err)
	}
}

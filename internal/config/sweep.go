package config

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// Sweeper drives the one cleanup task spec.md §5 calls for (rate-limiter
// window sweep, subscription reaper) on the cadence named by
// advanced.sweep_schedule. It uses the same cron-expression library the
// teacher's own cron tooling is built on.
type Sweeper struct {
	expr string
	gron gronx.Gronx
	fn   func()
}

// NewSweeper validates cronExpr and builds a Sweeper that calls fn on
// every tick the expression is due.
func NewSweeper(cronExpr string, fn func()) (*Sweeper, error) {
	g := gronx.New()
	if !g.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid advanced.sweep_schedule %q", cronExpr)
	}
	return &Sweeper{expr: cronExpr, gron: *g, fn: fn}, nil
}

// Run polls the cron expression once a second until ctx is cancelled,
// firing fn on every due tick. A one-second poll is coarse but sufficient
// for a cleanup task with no latency requirement of its own.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := s.gron.IsDue(s.expr)
			if err == nil && due {
				s.fn()
			}
		}
	}
}

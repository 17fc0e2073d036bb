package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lovediary/agent-service/internal/agent"
)

// Sweeper periodically hibernates sessions idle past the manager's timeout.
type Sweeper struct {
	mgr      *agent.Manager
	interval time.Duration
}

// NewSweeper creates an idle sweeper.
func NewSweeper(mgr *agent.Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{mgr: mgr, interval: interval}
}

// Start begins the periodic sweep loop. Returns when ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.mgr.SweepIdle(ctx, time.Now()); n > 0 {
				log.Info("Idle sweep hibernated sessions", "count", n)
			}
		}
	}
}

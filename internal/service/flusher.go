package service

import (
	"context"
	"time"

	"github.com/lovediary/agent-service/internal/agent"
)

// Flusher periodically persists dirty resident sessions. Only used in
// write-behind mode (flush-sync disabled); it bounds how stale the durable
// row of an active session can get.
type Flusher struct {
	mgr      *agent.Manager
	interval time.Duration
}

// NewFlusher creates a write-behind flusher.
func NewFlusher(mgr *agent.Manager, interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Flusher{mgr: mgr, interval: interval}
}

// Start begins the periodic flush loop. Returns when ctx is cancelled.
func (f *Flusher) Start(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mgr.FlushDirty(ctx)
		}
	}
}

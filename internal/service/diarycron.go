package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lovediary/agent-service/internal/agent"
	registrystore "github.com/lovediary/agent-service/internal/registry/store"
	"github.com/robfig/cron/v3"
)

// DiaryCron closes agent diaries at each player's local midnight. It runs at
// minute 0 of every hour: the UTC hour identifies which UTC-offset timezone
// just rolled over, and every agent in that timezone with recent activity
// gets its previous day folded into a diary entry and is then hibernated.
//
// Lazy closure in the message pipeline still covers agents the cron misses,
// so a skipped run only delays an entry, it never loses one.
type DiaryCron struct {
	mgr   *agent.Manager
	pipe  *agent.Pipeline
	store registrystore.AgentStore
	cron  *cron.Cron
}

// NewDiaryCron creates the diary scheduler.
func NewDiaryCron(mgr *agent.Manager, pipe *agent.Pipeline, store registrystore.AgentStore) *DiaryCron {
	return &DiaryCron{mgr: mgr, pipe: pipe, store: store}
}

// Start schedules the hourly job. Returns an error if the schedule fails to
// parse; Stop must be called on shutdown.
func (d *DiaryCron) Start(ctx context.Context) error {
	d.cron = cron.New()
	_, err := d.cron.AddFunc("0 * * * *", func() {
		d.RunOnce(ctx, time.Now())
	})
	if err != nil {
		return err
	}
	d.cron.Start()
	log.Info("Diary cron started", "schedule", "hourly at minute 0")
	return nil
}

// Stop halts the scheduler and waits for a running job to finish.
func (d *DiaryCron) Stop() {
	if d.cron != nil {
		<-d.cron.Stop().Done()
	}
}

// MidnightTimezone returns the UTC-offset timezone that hits midnight at the
// given instant. UTC 09:00 is midnight for UTC+9; UTC 17:00 is midnight for
// UTC-7.
func MidnightTimezone(now time.Time) int {
	offset := now.UTC().Hour()
	if offset > 14 {
		offset -= 24
	}
	return offset
}

// RunOnce closes the day for every recently active agent in the timezone
// that just hit midnight, then hibernates them.
func (d *DiaryCron) RunOnce(ctx context.Context, now time.Time) {
	timezone := MidnightTimezone(now)
	states, err := d.store.AgentsForTimezone(ctx, timezone)
	if err != nil {
		log.Error("Diary cron: timezone query failed", "timezone", timezone, "err", err)
		return
	}
	if len(states) == 0 {
		return
	}
	log.Info("Diary cron: closing day", "timezone", timezone, "agents", len(states))

	closed := 0
	for _, state := range states {
		key := agent.NewKey(state.CharacterID, state.PlayerAddress)
		sess, err := d.mgr.Acquire(ctx, key)
		if err != nil {
			log.Error("Diary cron: acquire failed", "key", key.String(), "err", err)
			continue
		}
		if err := d.pipe.CloseDay(ctx, sess, now); err != nil {
			log.Error("Diary cron: day closure failed", "key", key.String(), "err", err)
		} else {
			closed++
		}
		d.mgr.Release(ctx, sess)

		// Midnight is a natural pause point; free the slot right away rather
		// than waiting for the idle sweep.
		d.mgr.Hibernate(ctx, key, "diary")
	}
	log.Info("Diary cron: done", "timezone", timezone, "closed", closed)
}

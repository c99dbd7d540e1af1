// Package cleanup provides cron-based retention maintenance.
//
// Terminal records have bounded lifetimes: completed analysis jobs, sent or
// abandoned scheduled messages, and old dedup entries are swept on a fixed
// cron schedule.
package cleanup

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/convomux/convomux/internal/store"
)

// Retention windows for terminal records.
const (
	// JobRetention keeps finished analysis jobs queryable for a day.
	JobRetention = 24 * time.Hour
	// ScheduleRetention keeps delivered and abandoned messages for audit.
	ScheduleRetention = 30 * 24 * time.Hour
	// DedupRetention bounds the inbound dedup table. A week comfortably
	// exceeds provider webhook redelivery windows.
	DedupRetention = 7 * 24 * time.Hour

	// sweepSchedule runs retention hourly.
	sweepSchedule = "@hourly"
)

// Runner owns the cron scheduler driving retention sweeps.
type Runner struct {
	cron  *cron.Cron
	store store.Store
}

// NewRunner creates a retention runner over the given store.
func NewRunner(s store.Store) *Runner {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Runner{cron: c, store: s}
}

// Start registers the sweep job and starts the scheduler.
func (r *Runner) Start() error {
	if _, err := r.cron.AddFunc(sweepSchedule, r.Sweep); err != nil {
		return err
	}
	r.cron.Start()
	slog.Info("cleanup.Runner: retention sweeps scheduled", "schedule", sweepSchedule)
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one retention pass over every table.
func (r *Runner) Sweep() {
	now := time.Now()

	if n, err := r.store.DeleteTerminalJobsBefore(now.Add(-JobRetention)); err != nil {
		slog.Error("cleanup.Sweep: job retention failed", "error", err)
	} else if n > 0 {
		slog.Info("cleanup.Sweep: removed terminal jobs", "count", n)
	}

	if n, err := r.store.DeleteTerminalScheduledBefore(now.Add(-ScheduleRetention)); err != nil {
		slog.Error("cleanup.Sweep: schedule retention failed", "error", err)
	} else if n > 0 {
		slog.Info("cleanup.Sweep: removed terminal scheduled messages", "count", n)
	}

	if n, err := r.store.DeleteDedupBefore(now.Add(-DedupRetention)); err != nil {
		slog.Error("cleanup.Sweep: dedup retention failed", "error", err)
	} else if n > 0 {
		slog.Info("cleanup.Sweep: removed dedup records", "count", n)
	}
}

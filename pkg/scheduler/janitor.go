package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/clipcast/clipcast/pkg/config"
	"github.com/clipcast/clipcast/pkg/store"
)

// Janitor periodically enforces the retention policies:
//   - sweeps jobs abandoned in an active stage to FAILED
//   - deletes terminal jobs past the retention window
//
// Both operations are conditional writes, so running the janitor from
// multiple processes is safe.
type Janitor struct {
	jobs store.JobStore
	cfg  config.RetentionConfig
	now  func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewJanitor creates the janitor.
func NewJanitor(jobs store.JobStore, cfg config.RetentionConfig) *Janitor {
	return &Janitor{jobs: jobs, cfg: cfg, now: time.Now}
}

// Start launches the background loop.
func (j *Janitor) Start(ctx context.Context) {
	if j.cancel != nil {
		return
	}
	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})

	go j.run(ctx)

	slog.Info("Janitor started",
		"stale_active_age", j.cfg.StaleActiveAge,
		"terminal_retention_days", j.cfg.TerminalRetentionDays,
		"interval", j.cfg.CleanupInterval)
}

// Stop signals the loop to exit and waits for it to finish.
func (j *Janitor) Stop() {
	if j.cancel == nil {
		return
	}
	j.cancel()
	<-j.done
	slog.Info("Janitor stopped")
}

func (j *Janitor) run(ctx context.Context) {
	defer close(j.done)

	j.RunOnce(ctx)

	ticker := time.NewTicker(j.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs one reconciliation and cleanup pass. Also invoked
// directly by the manual cleanup endpoint.
func (j *Janitor) RunOnce(ctx context.Context) {
	now := j.now()

	swept, err := j.jobs.SweepStaleActive(ctx, now.Add(-j.cfg.StaleActiveAge))
	if err != nil {
		slog.Error("Stale-job sweep failed", "error", err)
	} else if swept > 0 {
		slog.Warn("Swept stale active jobs to FAILED", "count", swept)
	}

	retention := time.Duration(j.cfg.TerminalRetentionDays) * 24 * time.Hour
	deleted, err := j.jobs.DeleteTerminalBefore(ctx, now.Add(-retention))
	if err != nil {
		slog.Error("Terminal-job cleanup failed", "error", err)
	} else if deleted > 0 {
		slog.Info("Deleted terminal jobs past retention", "count", deleted)
	}
}

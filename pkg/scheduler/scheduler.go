// Package scheduler promotes completed jobs to uploading, one per tick,
// and runs the periodic stale-job reconciler and retention cleanup.
package scheduler

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/clipcast/clipcast/pkg/bus"
	"github.com/clipcast/clipcast/pkg/claim"
	"github.com/clipcast/clipcast/pkg/config"
	"github.com/clipcast/clipcast/pkg/models"
	"github.com/clipcast/clipcast/pkg/store"
)

// Scheduler selects at most one ready job per tick per channel,
// respecting the daily quota budget, the upload cadence, and the
// operator's blocking switch.
type Scheduler struct {
	jobs     store.JobStore
	quota    store.QuotaStore
	settings store.SettingsStore
	claims   *claim.Service
	pub      bus.Publisher
	behavior *config.ChannelBehavior
	cfg      config.SchedulerConfig

	now        func() time.Time
	fileExists func(path string) bool
}

// New wires the scheduler.
func New(jobs store.JobStore, quota store.QuotaStore, settings store.SettingsStore,
	claims *claim.Service, pub bus.Publisher, behavior *config.ChannelBehavior,
	cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		jobs:     jobs,
		quota:    quota,
		settings: settings,
		claims:   claims,
		pub:      pub,
		behavior: behavior,
		cfg:      cfg,
		now:      time.Now,
		fileExists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
	}
}

// Run ticks until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	slog.Info("Upload scheduler started",
		"channel", s.behavior.ChannelID, "interval", s.cfg.TickInterval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Upload scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				slog.Error("Scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick runs one scheduling pass.
func (s *Scheduler) Tick(ctx context.Context) error {
	channelID := s.behavior.ChannelID
	now := s.now()
	log := slog.With("channel", channelID)

	used, err := s.quota.Units(ctx, models.QuotaDate(now))
	if err != nil {
		return err
	}
	if used+s.cfg.UploadCostUnits > s.cfg.DailyQuotaUnits {
		log.Info("Daily quota budget exhausted", "used", used)
		return nil
	}

	blocked, err := s.blockedUntil(ctx)
	if err != nil {
		return err
	}
	if blocked.After(now) {
		log.Info("Uploads blocked by operator", "until", blocked)
		return nil
	}

	interval, err := s.uploadInterval(ctx)
	if err != nil {
		return err
	}
	latest, err := s.jobs.LatestInStage(ctx, channelID, models.StageUploaded)
	if err != nil {
		return err
	}
	if latest != nil {
		next := latest.UpdatedAt.Add(interval)
		if next.After(now) {
			log.Debug("Cadence gate closed", "nextUpload", next)
			return nil
		}
	}

	job, err := s.jobs.OldestInStage(ctx, channelID, models.StageCompleted)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}

	if job.FilePath == "" || !s.fileExists(job.FilePath) {
		return s.handleMissingArtifact(ctx, job)
	}

	if !s.claims.Claim(ctx, job.ID, models.StageCompleted, models.StageUploading) {
		// Another instance promoted it between the read and the claim.
		return nil
	}

	event := bus.UploadRequestedEvent{
		ChannelID: job.ChannelID,
		VideoID:   job.ID,
		FilePath:  job.FilePath,
	}
	if err := s.pub.Publish(ctx, bus.TopicUploadRequested, job.ID, event); err != nil {
		return err
	}
	log.Info("Promoted job for upload", "videoId", job.ID)
	return nil
}

// handleMissingArtifact routes a completed job whose file vanished:
// regenerate when the budget allows, otherwise fail it.
func (s *Scheduler) handleMissingArtifact(ctx context.Context, job *models.Job) error {
	log := slog.With("channel", job.ChannelID, "videoId", job.ID, "filePath", job.FilePath)

	if job.RegenCount < models.MaxRegenerations {
		log.Warn("Artifact missing, requesting regeneration")
		event := bus.RegenerationRequestedEvent{
			ChannelID:      job.ChannelID,
			VideoID:        job.ID,
			Title:          job.Title,
			Summary:        job.Summary,
			Link:           job.Link,
			FailedFilePath: job.FilePath,
		}
		return s.pub.Publish(ctx, bus.TopicRegenerationRequested, job.ID, event)
	}

	log.Error("Artifact missing and regeneration budget exhausted, failing job")
	_, err := s.jobs.TransitionStage(ctx, job.ID,
		[]models.Stage{models.StageCompleted}, models.StageFailed, store.JobUpdate{
			FailureStep:  store.Ptr(models.FailureStepValidation),
			ErrorMessage: store.Ptr("artifact file missing: " + job.FilePath),
		})
	return err
}

// blockedUntil reads the operator's UPLOAD_BLOCKED_UNTIL switch. Zero
// time when unset or unparseable.
func (s *Scheduler) blockedUntil(ctx context.Context) (time.Time, error) {
	raw, ok, err := s.settings.GetSetting(ctx, s.behavior.ChannelID, models.SettingUploadBlockedUntil)
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		slog.Warn("Ignoring malformed upload block setting", "value", raw)
		return time.Time{}, nil
	}
	return t, nil
}

// uploadInterval reads UPLOAD_INTERVAL_HOURS, falling back to the
// compiled-in default.
func (s *Scheduler) uploadInterval(ctx context.Context) (time.Duration, error) {
	hours := s.cfg.DefaultUploadIntervalHours
	raw, ok, err := s.settings.GetSetting(ctx, s.behavior.ChannelID, models.SettingUploadIntervalHours)
	if err != nil {
		return 0, err
	}
	if ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil && parsed > 0 {
			hours = parsed
		} else {
			slog.Warn("Ignoring malformed upload interval setting", "value", raw)
		}
	}
	return time.Duration(hours * float64(time.Hour)), nil
}

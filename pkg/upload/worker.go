// Package upload consumes upload-requested events, re-validates the
// artifact and metadata, performs the upload, and records the outcome.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/clipcast/clipcast/pkg/bus"
	"github.com/clipcast/clipcast/pkg/claim"
	"github.com/clipcast/clipcast/pkg/config"
	"github.com/clipcast/clipcast/pkg/models"
	"github.com/clipcast/clipcast/pkg/store"
)

// minArtifactSize is the warn threshold for suspiciously small files.
const minArtifactSize = 1 << 20 // 1 MiB

// Validation error codes written to Job.ValidationErrors.
const (
	ValidationFileMissing  = "FILE_MISSING"
	ValidationTitleEnglish = "TITLE_ENGLISH"
	ValidationDateStale    = "DATE_STALE"
)

// claimFrom are the stages an upload may start from: fresh from the
// scheduler, retried after a transient failure, or manually re-driven
// after a terminal failure through the legacy topic.
var claimFrom = []models.Stage{
	models.StageCompleted,
	models.StageUploadFailed,
	models.StageRetryQueued,
	models.StageFailed,
}

// Result is the upload collaborator's output.
type Result struct {
	URL string
}

// Metadata is the validated, channel-adjusted metadata sent alongside
// the artifact.
type Metadata struct {
	Title       string
	Description string
	Tags        []string
}

// Uploader performs the actual upload against the target platform.
type Uploader interface {
	Upload(ctx context.Context, job *models.Job, meta Metadata) (*Result, error)
}

// Notifier announces terminal upload outcomes. Implementations must be
// nil-safe no-ops when notifications are disabled.
type Notifier interface {
	NotifyUploaded(ctx context.Context, job *models.Job, url string)
	NotifyUploadFailed(ctx context.Context, job *models.Job, reason string)
}

// Worker is the upload consumer.
type Worker struct {
	jobs     store.JobStore
	quota    store.QuotaStore
	claims   *claim.Service
	pub      bus.Publisher
	behavior *config.ChannelBehavior
	uploader Uploader
	notifier Notifier
	cfg      config.SchedulerConfig

	now      func() time.Time
	fileSize func(path string) (int64, error)
}

// New wires the worker. notifier may be nil.
func New(jobs store.JobStore, quota store.QuotaStore, claims *claim.Service,
	pub bus.Publisher, behavior *config.ChannelBehavior, uploader Uploader,
	notifier Notifier, cfg config.SchedulerConfig) *Worker {
	return &Worker{
		jobs:     jobs,
		quota:    quota,
		claims:   claims,
		pub:      pub,
		behavior: behavior,
		uploader: uploader,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		fileSize: func(path string) (int64, error) {
			info, err := os.Stat(path)
			if err != nil {
				return 0, err
			}
			return info.Size(), nil
		},
	}
}

// Handle consumes one upload trigger. The same handler serves the
// upload-requested topic and the legacy video-created topic.
func (w *Worker) Handle(ctx context.Context, msg bus.Message) error {
	var event bus.UploadRequestedEvent
	if err := msg.Decode(&event); err != nil {
		slog.Error("Dropping undecodable upload event", "key", msg.Key, "error", err)
		return nil
	}
	if !w.behavior.Accepts(event.ChannelID) {
		return nil
	}

	log := slog.With("videoId", event.VideoID, "channel", event.ChannelID)

	job, err := w.jobs.GetJob(ctx, event.VideoID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("Upload requested for unknown job")
		return nil
	}
	if err != nil {
		return err
	}

	// Redelivery of a finished or in-flight upload.
	if job.Stage == models.StageUploaded || job.Stage == models.StageUploading {
		log.Debug("Job already uploaded or uploading, dropping")
		return nil
	}

	if !w.claims.ClaimFromAny(ctx, job.ID, claimFrom, models.StageUploading) {
		log.Debug("Upload claim failed, dropping")
		return nil
	}

	meta, validationErr := w.validate(job)
	if validationErr != "" {
		log.Warn("Pre-upload validation failed", "code", validationErr)
		w.failValidation(ctx, job, validationErr)
		return nil
	}

	result, err := w.uploader.Upload(ctx, job, meta)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "quota") {
			return w.failQuota(ctx, job, err)
		}
		return w.failTransient(ctx, job, err)
	}

	return w.succeed(ctx, job, meta, result)
}

// validate runs the fail-closed pre-upload checks and assembles the
// final metadata. Returns a validation code on rejection.
func (w *Worker) validate(job *models.Job) (Metadata, string) {
	if job.FilePath == "" {
		return Metadata{}, ValidationFileMissing
	}
	size, err := w.fileSize(job.FilePath)
	if err != nil {
		return Metadata{}, ValidationFileMissing
	}
	if size < minArtifactSize {
		slog.Warn("Artifact suspiciously small, uploading anyway",
			"videoId", job.ID, "size", size)
	}

	if w.behavior.RequiresKoreanTitle && !containsHangul(job.Title) {
		return Metadata{}, ValidationTitleEnglish
	}

	if w.behavior.RequiresStrictDateCheck {
		today := models.QuotaDate(w.now())
		if models.QuotaDate(job.CreatedAt) != today {
			return Metadata{}, ValidationDateStale
		}
	}

	return Metadata{
		Title:       job.Title,
		Description: appendHashtags(job.Description, w.behavior.DefaultHashtags),
		Tags:        mergeTags(w.behavior.DefaultTags, job.Tags),
	}, ""
}

func (w *Worker) failValidation(ctx context.Context, job *models.Job, code string) {
	_, err := w.jobs.TransitionStage(ctx, job.ID,
		[]models.Stage{models.StageUploading}, models.StageFailed, store.JobUpdate{
			FailureStep:      store.Ptr(models.FailureStepValidation),
			ErrorMessage:     store.Ptr("pre-upload validation failed: " + code),
			ValidationErrors: []string{code},
		})
	if err != nil {
		slog.Error("Failed to persist validation failure", "videoId", job.ID, "error", err)
	}
	if w.notifier != nil {
		w.notifier.NotifyUploadFailed(ctx, job, code)
	}
}

// failQuota marks the job terminally failed with the quota tag. The
// scheduler's quota gate stops further upload events for the period.
func (w *Worker) failQuota(ctx context.Context, job *models.Job, cause error) error {
	slog.Error("Upload hit quota limit", "videoId", job.ID, "error", cause)
	_, err := w.jobs.TransitionStage(ctx, job.ID,
		[]models.Stage{models.StageUploading}, models.StageFailed, store.JobUpdate{
			FailureStep:  store.Ptr(models.FailureStepQuotaExceeded),
			ErrorMessage: store.Ptr(cause.Error()),
		})
	if err != nil {
		return err
	}
	// Exhaust the day's budget so the scheduler gate closes immediately.
	if _, err := w.quota.AddUnits(ctx, models.QuotaDate(w.now()), w.cfg.DailyQuotaUnits); err != nil {
		slog.Error("Failed to record quota exhaustion", "error", err)
	}
	if w.notifier != nil {
		w.notifier.NotifyUploadFailed(ctx, job, "quota exceeded")
	}
	return nil
}

func (w *Worker) failTransient(ctx context.Context, job *models.Job, cause error) error {
	slog.Warn("Upload failed, routing to retry controller",
		"videoId", job.ID, "retryCount", job.RetryCount, "error", cause)
	_, err := w.jobs.TransitionStage(ctx, job.ID,
		[]models.Stage{models.StageUploading}, models.StageUploadFailed, store.JobUpdate{
			ErrorMessage: store.Ptr(cause.Error()),
			FailureStep:  store.Ptr(models.FailureStepUpload),
		})
	if err != nil {
		return err
	}

	event := bus.UploadFailedEvent{
		ChannelID:  job.ChannelID,
		VideoID:    job.ID,
		Reason:     cause.Error(),
		RetryCount: job.RetryCount,
		FilePath:   job.FilePath,
	}
	return w.pub.Publish(ctx, bus.TopicUploadFailed, job.ID, event)
}

func (w *Worker) succeed(ctx context.Context, job *models.Job, meta Metadata, result *Result) error {
	ok, err := w.jobs.TransitionStage(ctx, job.ID,
		[]models.Stage{models.StageUploading}, models.StageUploaded, store.JobUpdate{
			YoutubeURL:   store.Ptr(result.URL),
			Description:  store.Ptr(meta.Description),
			Tags:         meta.Tags,
			Progress:     store.Ptr(100),
			CurrentStep:  store.Ptr("uploaded"),
			ErrorMessage: store.Ptr(""),
			FailureStep:  store.Ptr(""),
		})
	if err != nil {
		return err
	}
	if !ok {
		slog.Warn("Lost ownership before recording upload", "videoId", job.ID)
		return nil
	}

	if _, err := w.quota.AddUnits(ctx, models.QuotaDate(w.now()), w.cfg.UploadCostUnits); err != nil {
		slog.Error("Failed to record quota units", "videoId", job.ID, "error", err)
	}

	event := bus.VideoUploadedEvent{
		ChannelID:  job.ChannelID,
		VideoID:    job.ID,
		YoutubeURL: result.URL,
		Title:      meta.Title,
	}
	if err := w.pub.Publish(ctx, bus.TopicVideoUploaded, job.ID, event); err != nil {
		slog.Error("Failed to publish upload-succeeded event", "videoId", job.ID, "error", err)
	}
	if w.notifier != nil {
		w.notifier.NotifyUploaded(ctx, job, result.URL)
	}

	slog.Info("Upload complete", "videoId", job.ID, "url", result.URL)
	return nil
}

// containsHangul reports whether s has at least one Hangul syllable.
func containsHangul(s string) bool {
	for _, r := range s {
		if r >= 0xAC00 && r <= 0xD7A3 {
			return true
		}
	}
	return false
}

// mergeTags unions channel defaults with produced tags: deduplicated,
// trimmed to 30 characters, single-character tags dropped, capped at 20.
func mergeTags(defaults, produced []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tag := range append(append([]string{}, defaults...), produced...) {
		runes := []rune(strings.TrimSpace(tag))
		if len(runes) > 30 {
			runes = runes[:30]
		}
		tag = string(runes)
		if len(runes) <= 1 {
			continue
		}
		key := strings.ToLower(tag)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, tag)
		if len(out) == 20 {
			break
		}
	}
	return out
}

// appendHashtags adds each missing default hashtag to the description.
func appendHashtags(description string, hashtags []string) string {
	var missing []string
	for _, tag := range hashtags {
		if !strings.Contains(description, tag) {
			missing = append(missing, tag)
		}
	}
	if len(missing) == 0 {
		return description
	}
	if description == "" {
		return strings.Join(missing, " ")
	}
	return fmt.Sprintf("%s\n\n%s", strings.TrimRight(description, "\n"), strings.Join(missing, " "))
}

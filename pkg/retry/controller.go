// Package retry decides what happens after a failed upload: bounded
// retry, a single regeneration, or permanent failure.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/clipcast/clipcast/pkg/bus"
	"github.com/clipcast/clipcast/pkg/config"
	"github.com/clipcast/clipcast/pkg/models"
	"github.com/clipcast/clipcast/pkg/store"
)

// Controller consumes upload-failed events.
type Controller struct {
	jobs     store.JobStore
	pub      bus.Publisher
	behavior *config.ChannelBehavior
	policy   bus.RetryPolicy

	now func() time.Time
}

// New wires the controller. policy supplies the retry back-off tiers.
func New(jobs store.JobStore, pub bus.Publisher, behavior *config.ChannelBehavior,
	policy bus.RetryPolicy) *Controller {
	return &Controller{jobs: jobs, pub: pub, behavior: behavior, policy: policy, now: time.Now}
}

// Handle applies the retry policy to one failure.
func (c *Controller) Handle(ctx context.Context, msg bus.Message) error {
	var event bus.UploadFailedEvent
	if err := msg.Decode(&event); err != nil {
		slog.Error("Dropping undecodable upload-failed event", "key", msg.Key, "error", err)
		return nil
	}
	if !c.behavior.Accepts(event.ChannelID) {
		return nil
	}

	log := slog.With("videoId", event.VideoID, "channel", event.ChannelID)

	job, err := c.jobs.GetJob(ctx, event.VideoID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("Upload failure for unknown job")
		return nil
	}
	if err != nil {
		return err
	}
	if job.Stage != models.StageUploadFailed {
		// Redelivery after this controller already routed the job.
		log.Debug("Job no longer in UPLOAD_FAILED, dropping", "stage", job.Stage)
		return nil
	}

	// Quota failures never enter the retry loop; the upload worker marks
	// them terminal, but a direct producer might not have.
	if strings.Contains(strings.ToLower(event.Reason), "quota") {
		log.Warn("Quota failure routed to retry controller, failing terminally")
		_, err := c.jobs.TransitionStage(ctx, job.ID,
			[]models.Stage{models.StageUploadFailed}, models.StageFailed, store.JobUpdate{
				FailureStep:  store.Ptr(models.FailureStepQuotaExceeded),
				ErrorMessage: store.Ptr(event.Reason),
			})
		return err
	}

	nextRetry := job.RetryCount + 1
	if nextRetry <= models.MaxUploadRetries {
		return c.scheduleRetry(ctx, job, event, nextRetry)
	}

	if job.RegenCount < models.MaxRegenerations {
		return c.requestRegeneration(ctx, job)
	}

	return c.failPermanently(ctx, job, event)
}

// scheduleRetry re-queues the job and republishes the upload trigger on
// the retry tier, so the redelivery waits out the back-off.
func (c *Controller) scheduleRetry(ctx context.Context, job *models.Job, event bus.UploadFailedEvent, attempt int) error {
	ok, err := c.jobs.TransitionStage(ctx, job.ID,
		[]models.Stage{models.StageUploadFailed}, models.StageRetryQueued, store.JobUpdate{
			RetryCount: store.Ptr(attempt),
		})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	trigger := bus.UploadRequestedEvent{
		ChannelID: job.ChannelID,
		VideoID:   job.ID,
		FilePath:  job.FilePath,
	}
	payload, err := bus.Marshal(trigger)
	if err != nil {
		return err
	}
	// Attempt stays zero: the bus counter tracks deliveries of this
	// trigger, not the job's upload attempts. NotBefore alone carries
	// the backoff.
	delay := c.policy.Backoff(attempt - 1)
	err = c.pub.PublishMessage(ctx, bus.Message{
		Topic:     bus.RetryTopic(bus.TopicUploadRequested),
		Key:       job.ID,
		Value:     payload,
		NotBefore: c.now().Add(delay),
	})
	if err != nil {
		return err
	}

	slog.Info("Upload retry scheduled",
		"videoId", job.ID, "attempt", attempt, "delay", delay)
	return nil
}

// requestRegeneration hands the job back to the ingestion path for one
// full pipeline rerun.
func (c *Controller) requestRegeneration(ctx context.Context, job *models.Job) error {
	event := bus.RegenerationRequestedEvent{
		ChannelID:      job.ChannelID,
		VideoID:        job.ID,
		Title:          job.Title,
		Summary:        job.Summary,
		Link:           job.Link,
		FailedFilePath: job.FilePath,
	}
	if err := c.pub.Publish(ctx, bus.TopicRegenerationRequested, job.ID, event); err != nil {
		return err
	}
	slog.Info("Upload retries exhausted, regeneration requested",
		"videoId", job.ID, "retryCount", job.RetryCount)
	return nil
}

// failPermanently records the terminal failure and forwards the job to
// the dead-letter sink for operator inspection.
func (c *Controller) failPermanently(ctx context.Context, job *models.Job, event bus.UploadFailedEvent) error {
	_, err := c.jobs.TransitionStage(ctx, job.ID,
		[]models.Stage{models.StageUploadFailed}, models.StageFailed, store.JobUpdate{
			FailureStep:  store.Ptr(models.FailureStepUpload),
			ErrorMessage: store.Ptr(event.Reason),
		})
	if err != nil {
		return err
	}

	dead := bus.DeadLetterEvent{
		Topic:    bus.TopicUploadFailed,
		Key:      job.ID,
		Reason:   event.Reason,
		Attempts: job.RetryCount,
	}
	if err := c.pub.Publish(ctx, bus.TopicDeadLetter, job.ID, dead); err != nil {
		slog.Error("Failed to publish dead-letter event", "videoId", job.ID, "error", err)
	}

	slog.Error("Job failed permanently after retries and regeneration",
		"videoId", job.ID, "retryCount", job.RetryCount, "regenCount", job.RegenCount)
	return nil
}

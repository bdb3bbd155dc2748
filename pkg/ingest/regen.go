package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/clipcast/clipcast/pkg/bus"
	"github.com/clipcast/clipcast/pkg/models"
	"github.com/clipcast/clipcast/pkg/store"
)

// regenerationFrom are the stages a job may re-enter the pipeline from.
// The retry controller hands over jobs that exhausted their upload
// retries; the scheduler hands over completed jobs whose artifact
// vanished.
var regenerationFrom = []models.Stage{
	models.StageUploadFailed,
	models.StageRetryQueued,
	models.StageCompleted,
}

// HandleRegeneration consumes regeneration-requested events: the job
// returns to QUEUED with its artifacts cleared and regenCount bumped,
// and a fresh new-item event restarts the pipeline.
func (g *Gate) HandleRegeneration(ctx context.Context, msg bus.Message) error {
	var event bus.RegenerationRequestedEvent
	if err := msg.Decode(&event); err != nil {
		slog.Error("Dropping undecodable regeneration event", "key", msg.Key, "error", err)
		return nil
	}
	if !g.behavior.Accepts(event.ChannelID) {
		return nil
	}

	job, err := g.jobs.GetJob(ctx, event.VideoID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("Regeneration requested for unknown job", "videoId", event.VideoID)
		return nil
	}
	if err != nil {
		return err
	}

	log := slog.With("channel", job.ChannelID, "videoId", job.ID)

	if job.RegenCount >= models.MaxRegenerations {
		// Both producers gate on the regeneration budget before publishing,
		// so an exhausted budget here means a delayed duplicate delivery.
		// The job may have regenerated and progressed since; leave it alone.
		log.Info("Dropping regeneration event for exhausted budget",
			"regenCount", job.RegenCount, "stage", job.Stage)
		return nil
	}

	ok, err := g.jobs.TransitionStage(ctx, job.ID, regenerationFrom, models.StageQueued, store.JobUpdate{
		RegenCount:    store.Ptr(job.RegenCount + 1),
		RetryCount:    store.Ptr(0),
		FilePath:      store.Ptr(""),
		ThumbnailPath: store.Ptr(""),
		Progress:      store.Ptr(0),
		CurrentStep:   store.Ptr("regeneration"),
		FailureStep:   store.Ptr(""),
		ErrorMessage:  store.Ptr(""),
	})
	if err != nil {
		return err
	}
	if !ok {
		// Redelivery after a previous regeneration already went through.
		log.Info("Regeneration claim failed, dropping", "stage", job.Stage)
		return nil
	}

	restart := bus.NewItemEvent{
		ChannelID: job.ChannelID,
		VideoID:   job.ID,
		URL:       job.Link,
		Title:     job.Title,
		Summary:   job.Summary,
		RSSTitle:  job.RSSTitle,
	}
	if err := g.pub.Publish(ctx, bus.TopicNewItem, job.Link, restart); err != nil {
		return fmt.Errorf("failed to publish regeneration restart: %w", err)
	}

	log.Info("Job re-entered pipeline for regeneration",
		"regenCount", job.RegenCount+1, "failedFilePath", event.FailedFilePath)
	return nil
}

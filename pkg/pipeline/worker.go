package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/clipcast/clipcast/pkg/bus"
	"github.com/clipcast/clipcast/pkg/claim"
	"github.com/clipcast/clipcast/pkg/config"
	"github.com/clipcast/clipcast/pkg/models"
	"github.com/clipcast/clipcast/pkg/store"
)

// stageSpec describes one stage's place in the state machine.
type stageSpec struct {
	// name is the canonical failure-step tag ("SCRIPT", "ASSETS", "RENDER").
	name string

	inputTopic string
	queued     models.Stage
	active     models.Stage
	next       models.Stage

	// outputTopic is published after a successful transition into next.
	// Empty for the last stage, which the scheduler picks up by polling.
	outputTopic string

	// outputEvent builds the typed payload for outputTopic.
	outputEvent func(channelID, videoID string) any
}

// envelope is the part of every pipeline event the skeleton needs.
type envelope struct {
	ChannelID string `json:"channelId"`
	VideoID   string `json:"videoId"`
}

// StageWorker is the shared consumer skeleton. The stage-specific part
// is the invoke closure, which calls the collaborator and returns the
// fields to persist alongside the transition into the next stage.
type StageWorker struct {
	jobs     store.JobStore
	claims   *claim.Service
	pub      bus.Publisher
	behavior *config.ChannelBehavior
	timeout  time.Duration

	spec   stageSpec
	invoke func(ctx context.Context, job *models.Job, progress Progress) (store.JobUpdate, error)
}

// Topic returns the input topic this worker consumes.
func (w *StageWorker) Topic() string { return w.spec.inputTopic }

// Group returns the consumer group name for this worker's stage.
func (w *StageWorker) Group() string {
	return "pipeline-" + strings.ToLower(w.spec.name)
}

// Handle is the bus handler. A returned error means a transient
// collaborator failure: the job is released back to its queued stage and
// the bus retry tier redelivers.
func (w *StageWorker) Handle(ctx context.Context, msg bus.Message) error {
	var event envelope
	if err := msg.Decode(&event); err != nil {
		slog.Error("Dropping undecodable event", "topic", msg.Topic, "key", msg.Key, "error", err)
		return nil
	}
	if !w.behavior.Accepts(event.ChannelID) {
		return nil
	}

	log := slog.With("stage", w.spec.name, "videoId", event.VideoID, "channel", event.ChannelID)

	if !w.claims.Claim(ctx, event.VideoID, w.spec.queued, w.spec.active) {
		// Redelivery of an already-claimed job, or the event outran the
		// store write. Either way redelivery resolves it.
		log.Debug("Claim failed, dropping event")
		return nil
	}

	job, err := w.jobs.GetJob(ctx, event.VideoID)
	if err != nil {
		w.release(ctx, event.VideoID)
		return err
	}

	stageCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	upd, err := w.invoke(stageCtx, job, w.progressFunc(ctx, job.ID))
	if err != nil {
		if IsPermanent(err) {
			log.Error("Stage failed permanently", "error", err)
			w.fail(ctx, job.ID, err)
			return nil
		}
		// Transient: hand the job back so the retried delivery can claim it.
		log.Warn("Stage failed, releasing for retry", "error", err)
		w.release(ctx, job.ID)
		return err
	}

	ok, err := w.jobs.TransitionStage(ctx, job.ID, []models.Stage{w.spec.active}, w.spec.next, upd)
	if err != nil {
		w.release(ctx, job.ID)
		return err
	}
	if !ok {
		// Reconciler swept the job mid-stage; nothing to publish.
		log.Warn("Lost ownership before persisting outputs")
		return nil
	}

	if w.spec.outputTopic != "" {
		next := w.spec.outputEvent(job.ChannelID, job.ID)
		if err := w.pub.Publish(ctx, w.spec.outputTopic, job.ID, next); err != nil {
			// The job already sits in the next queued stage; the stale-job
			// reconciler is the backstop if this publish never succeeds.
			log.Error("Failed to publish next-stage event", "error", err)
			return err
		}
	}

	log.Info("Stage completed", "next", w.spec.next)
	return nil
}

// progressFunc writes progress onto the job. Uses the outer context so
// a stage timeout does not lose the final progress write.
func (w *StageWorker) progressFunc(ctx context.Context, jobID string) Progress {
	return func(percent int, step string) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		err := w.jobs.UpdateJob(ctx, jobID, store.JobUpdate{
			Progress:    store.Ptr(percent),
			CurrentStep: store.Ptr(step),
		})
		if err != nil {
			slog.Debug("Progress write failed", "videoId", jobID, "error", err)
		}
	}
}

// release reverts active → queued after a transient failure.
func (w *StageWorker) release(ctx context.Context, jobID string) {
	if !w.claims.Claim(ctx, jobID, w.spec.active, w.spec.queued) {
		slog.Warn("Failed to release job after transient failure",
			"stage", w.spec.name, "videoId", jobID)
	}
}

// fail persists a terminal stage failure.
func (w *StageWorker) fail(ctx context.Context, jobID string, cause error) {
	_, err := w.jobs.TransitionStage(ctx, jobID,
		[]models.Stage{w.spec.active}, models.StageFailed, store.JobUpdate{
			FailureStep:  store.Ptr(w.spec.name),
			ErrorMessage: store.Ptr(cause.Error()),
		})
	if err != nil {
		slog.Error("Failed to persist stage failure",
			"stage", w.spec.name, "videoId", jobID, "error", err)
	}
}

// DeadLetter is wired as the bus retrier's dead-letter callback: a
// message that exhausted its retries marks the job failed with the
// stage's DLT tag.
func (w *StageWorker) DeadLetter(ctx context.Context, msg bus.Message, reason string) {
	var event envelope
	if err := msg.Decode(&event); err != nil || event.VideoID == "" {
		return
	}
	if !w.behavior.Accepts(event.ChannelID) {
		return
	}
	_, err := w.jobs.TransitionStage(ctx, event.VideoID,
		[]models.Stage{w.spec.queued, w.spec.active}, models.StageFailed, store.JobUpdate{
			FailureStep:  store.Ptr(w.spec.name + "_DLT"),
			ErrorMessage: store.Ptr(reason),
		})
	if err != nil {
		slog.Error("Failed to persist dead-letter failure",
			"stage", w.spec.name, "videoId", event.VideoID, "error", err)
	}
}

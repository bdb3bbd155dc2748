package pipeline

import (
	"context"
	"fmt"

	"github.com/clipcast/clipcast/pkg/bus"
	"github.com/clipcast/clipcast/pkg/models"
	"github.com/clipcast/clipcast/pkg/store"
)

// Runner drives a single job through the generation stages
// synchronously, for the manual admin endpoints that want the result in
// the response instead of fire-and-forget.
type Runner struct {
	jobs    store.JobStore
	workers []*StageWorker
}

// NewRunner wires the runner over the three stage workers, in order.
func NewRunner(jobs store.JobStore, script, assets, render *StageWorker) *Runner {
	return &Runner{jobs: jobs, workers: []*StageWorker{script, assets, render}}
}

// Run walks the job through scripting, assets, and rendering, returning
// the job in its final state. The claims inside each worker keep this
// safe against the asynchronous consumers racing on the same job: each
// stage runs exactly once.
func (r *Runner) Run(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := r.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	for _, w := range r.workers {
		payload, err := bus.Marshal(envelope{ChannelID: job.ChannelID, VideoID: job.ID})
		if err != nil {
			return nil, err
		}
		msg := bus.Message{Topic: w.spec.inputTopic, Key: job.ID, Value: payload}
		if err := w.Handle(ctx, msg); err != nil {
			return nil, fmt.Errorf("stage %s failed: %w", w.spec.name, err)
		}

		job, err = r.jobs.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Stage == models.StageFailed || job.Stage == models.StageBlocked {
			return job, nil
		}
	}
	return job, nil
}

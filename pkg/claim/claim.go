// Package claim provides the only admissible way a worker takes ownership
// of a job: an atomic conditional stage transition against the job store.
//
// Idempotency at the message-bus layer falls out of this contract — a
// redelivered event performs a claim that fails cheaply, and the consumer
// drops the message.
package claim

import (
	"context"
	"log/slog"

	"github.com/clipcast/clipcast/pkg/models"
	"github.com/clipcast/clipcast/pkg/store"
)

// Service wraps a JobStore's conditional write as claim operations.
type Service struct {
	jobs store.JobStore
}

// NewService creates a claim service over the given job store.
func NewService(jobs store.JobStore) *Service {
	return &Service{jobs: jobs}
}

// Claim atomically moves the job from one expected stage to another.
// Returns true iff the store replaced the stage (and bumped updated_at).
func (s *Service) Claim(ctx context.Context, jobID string, from, to models.Stage) bool {
	return s.ClaimFromAny(ctx, jobID, []models.Stage{from}, to)
}

// ClaimFromAny is Claim with a set of admissible prior stages. The
// underlying implementation is a single conditional write, never
// read-then-write.
func (s *Service) ClaimFromAny(ctx context.Context, jobID string, from []models.Stage, to models.Stage) bool {
	ok, err := s.jobs.TransitionStage(ctx, jobID, from, to, store.JobUpdate{})
	if err != nil {
		// Store errors are indistinguishable from a lost claim to the
		// caller; the bus redelivers and the next attempt resolves it.
		slog.Error("Claim failed with store error",
			"job_id", jobID, "to", to, "error", err)
		return false
	}
	return ok
}

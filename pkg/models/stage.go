// Package models defines the core domain types shared by all pipeline
// workers: jobs, stages, quota usage, and system settings.
package models

import "fmt"

// Stage is the coarse state of a job in the pipeline state machine.
// Exactly one value at all times; all stage mutations go through a
// conditional write keyed on (job_id, expected_stage).
type Stage string

// Pipeline stages. The *_QUEUED variants are the hand-off states between
// "producer published the success event" and "next worker claimed the job".
const (
	StageQueued           Stage = "QUEUED"
	StageScripting        Stage = "SCRIPTING"
	StageAssetsQueued     Stage = "ASSETS_QUEUED"
	StageAssetsGenerating Stage = "ASSETS_GENERATING"
	StageRenderQueued     Stage = "RENDER_QUEUED"
	StageRendering        Stage = "RENDERING"
	StageCompleted        Stage = "COMPLETED"
	StageUploading        Stage = "UPLOADING"
	StageUploaded         Stage = "UPLOADED"
	StageUploadFailed     Stage = "UPLOAD_FAILED"
	StageRetryQueued      Stage = "RETRY_QUEUED"
	StageFailed           Stage = "FAILED"
	StageBlocked          Stage = "BLOCKED"
)

// Canonical failure step tags written to Job.FailureStep.
const (
	FailureStepScript        = "SCRIPT"
	FailureStepAssets        = "ASSETS"
	FailureStepRender        = "RENDER"
	FailureStepUpload        = "UPLOAD"
	FailureStepValidation    = "VALIDATION"
	FailureStepQuotaExceeded = "QUOTA_EXCEEDED"
	FailureStepStale         = "STALE"
)

// successors lists the legal forward transitions per stage. A transition
// into any stage not listed here is a programming error; the store rejects
// it only by the compare-and-set predicate, so tests assert against this
// table directly.
var successors = map[Stage][]Stage{
	StageQueued:           {StageScripting, StageFailed, StageBlocked},
	StageScripting:        {StageAssetsQueued, StageFailed},
	StageAssetsQueued:     {StageAssetsGenerating, StageFailed},
	StageAssetsGenerating: {StageRenderQueued, StageFailed},
	StageRenderQueued:     {StageRendering, StageFailed},
	StageRendering:        {StageCompleted, StageFailed},
	// COMPLETED and UPLOAD_FAILED can re-enter QUEUED through the
	// regeneration cycle (bounded by regen_count).
	StageCompleted:        {StageUploading, StageQueued, StageFailed},
	StageUploading:        {StageUploaded, StageUploadFailed, StageFailed},
	StageUploadFailed:     {StageUploading, StageRetryQueued, StageQueued, StageFailed},
	StageRetryQueued:      {StageUploading, StageQueued, StageFailed},
	// FAILED is terminal for the engine itself, but a failed upload can be
	// re-driven through the legacy upload topic, so UPLOADING is reachable.
	StageFailed:   {StageUploading},
	StageUploaded: {},
	StageBlocked:  {},
}

// ActiveStages are the stages in which some worker currently owns the job.
// Jobs stuck here past a threshold are swept by the reconciler.
var ActiveStages = []Stage{StageScripting, StageAssetsGenerating, StageRendering, StageUploading}

// NonTerminalStages lists every stage that still counts against a
// channel's capacity buffer.
var NonTerminalStages = []Stage{
	StageQueued, StageScripting, StageAssetsQueued, StageAssetsGenerating,
	StageRenderQueued, StageRendering, StageCompleted, StageUploading,
	StageUploadFailed, StageRetryQueued,
}

// Valid reports whether s is a member of the closed stage enumeration.
func (s Stage) Valid() bool {
	_, ok := successors[s]
	return ok
}

// Terminal reports whether s is a terminal stage. Terminal jobs no longer
// count against channel capacity and are eligible for retention cleanup.
func (s Stage) Terminal() bool {
	switch s {
	case StageUploaded, StageFailed, StageBlocked:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine permits s → to.
func (s Stage) CanTransitionTo(to Stage) bool {
	for _, next := range successors[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseStage maps a boundary string onto the closed enumeration,
// rejecting unknowns.
func ParseStage(raw string) (Stage, error) {
	s := Stage(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage %q", raw)
	}
	return s, nil
}

// Package pipeline contains the stage workers that move a job from
// QUEUED to COMPLETED: scripting, asset generation, and rendering. Every
// worker follows the same skeleton — claim the job, invoke an external
// collaborator, persist outputs and the next stage in one write, publish
// the next-stage event.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/clipcast/clipcast/pkg/models"
)

// Progress reports collaborator progress onto the job. Best-effort:
// implementations log failures and never abort the stage.
type Progress func(percent int, step string)

// ScriptResult is the scripting collaborator's output.
type ScriptResult struct {
	Title       string
	Description string
	Scenes      []string
	Tags        []string
	Sources     []string
}

// ScriptWriter turns an admitted item into a video script.
type ScriptWriter interface {
	WriteScript(ctx context.Context, job *models.Job, progress Progress) (*ScriptResult, error)
}

// AssetResult locates the produced voiceover and clips on shared storage.
type AssetResult struct {
	AudioPath string
	ClipPaths []string
}

// AssetProducer generates the voiceover and fetches stock clips for each
// scene.
type AssetProducer interface {
	ProduceAssets(ctx context.Context, job *models.Job, progress Progress) (*AssetResult, error)
}

// RenderResult locates the rendered artifact.
type RenderResult struct {
	FilePath      string
	ThumbnailPath string
}

// Renderer assembles the final video from the job's script and assets.
type Renderer interface {
	Render(ctx context.Context, job *models.Job, progress Progress) (*RenderResult, error)
}

// permanentError marks a collaborator failure that must not be retried:
// the job goes straight to FAILED.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err as a non-retryable stage failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Permanentf is Permanent over a formatted error.
func Permanentf(format string, args ...any) error {
	return &permanentError{err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err carries a Permanent marker.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

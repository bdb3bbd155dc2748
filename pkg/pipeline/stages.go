package pipeline

import (
	"context"

	"github.com/clipcast/clipcast/pkg/bus"
	"github.com/clipcast/clipcast/pkg/claim"
	"github.com/clipcast/clipcast/pkg/config"
	"github.com/clipcast/clipcast/pkg/models"
	"github.com/clipcast/clipcast/pkg/store"
)

// NewScriptingWorker consumes new-item events and produces the script.
func NewScriptingWorker(jobs store.JobStore, claims *claim.Service, pub bus.Publisher,
	behavior *config.ChannelBehavior, writer ScriptWriter, cfg config.WorkerConfig) *StageWorker {
	w := &StageWorker{
		jobs:     jobs,
		claims:   claims,
		pub:      pub,
		behavior: behavior,
		timeout:  cfg.StageTimeout,
		spec: stageSpec{
			name:        models.FailureStepScript,
			inputTopic:  bus.TopicNewItem,
			queued:      models.StageQueued,
			active:      models.StageScripting,
			next:        models.StageAssetsQueued,
			outputTopic: bus.TopicScriptCreated,
			outputEvent: func(channelID, videoID string) any {
				return bus.ScriptCreatedEvent{ChannelID: channelID, VideoID: videoID}
			},
		},
	}
	w.invoke = func(ctx context.Context, job *models.Job, progress Progress) (store.JobUpdate, error) {
		result, err := writer.WriteScript(ctx, job, progress)
		if err != nil {
			return store.JobUpdate{}, err
		}
		if result == nil || result.Title == "" || len(result.Scenes) == 0 {
			return store.JobUpdate{}, Permanentf("script collaborator returned empty output")
		}
		return store.JobUpdate{
			Title:       store.Ptr(result.Title),
			Description: store.Ptr(result.Description),
			Scenes:      result.Scenes,
			Tags:        result.Tags,
			Sources:     result.Sources,
			Progress:    store.Ptr(25),
			CurrentStep: store.Ptr("script ready"),
		}, nil
	}
	return w
}

// NewAssetsWorker consumes script-created events and produces the
// voiceover and clips.
func NewAssetsWorker(jobs store.JobStore, claims *claim.Service, pub bus.Publisher,
	behavior *config.ChannelBehavior, producer AssetProducer, cfg config.WorkerConfig) *StageWorker {
	w := &StageWorker{
		jobs:     jobs,
		claims:   claims,
		pub:      pub,
		behavior: behavior,
		timeout:  cfg.StageTimeout,
		spec: stageSpec{
			name:        models.FailureStepAssets,
			inputTopic:  bus.TopicScriptCreated,
			queued:      models.StageAssetsQueued,
			active:      models.StageAssetsGenerating,
			next:        models.StageRenderQueued,
			outputTopic: bus.TopicAssetsReady,
			outputEvent: func(channelID, videoID string) any {
				return bus.AssetsReadyEvent{ChannelID: channelID, VideoID: videoID}
			},
		},
	}
	w.invoke = func(ctx context.Context, job *models.Job, progress Progress) (store.JobUpdate, error) {
		result, err := producer.ProduceAssets(ctx, job, progress)
		if err != nil {
			return store.JobUpdate{}, err
		}
		// Zero clips means the downstream render cannot possibly succeed.
		if result == nil || len(result.ClipPaths) == 0 || result.AudioPath == "" {
			return store.JobUpdate{}, Permanentf("asset collaborator returned empty output")
		}
		return store.JobUpdate{
			Progress:    store.Ptr(60),
			CurrentStep: store.Ptr("assets ready"),
		}, nil
	}
	return w
}

// NewRenderWorker consumes assets-ready events and renders the final
// artifact. COMPLETED jobs are picked up by the upload scheduler, so
// there is no output topic.
func NewRenderWorker(jobs store.JobStore, claims *claim.Service, pub bus.Publisher,
	behavior *config.ChannelBehavior, renderer Renderer, cfg config.WorkerConfig) *StageWorker {
	w := &StageWorker{
		jobs:     jobs,
		claims:   claims,
		pub:      pub,
		behavior: behavior,
		timeout:  cfg.StageTimeout,
		spec: stageSpec{
			name:       models.FailureStepRender,
			inputTopic: bus.TopicAssetsReady,
			queued:     models.StageRenderQueued,
			active:     models.StageRendering,
			next:       models.StageCompleted,
		},
	}
	w.invoke = func(ctx context.Context, job *models.Job, progress Progress) (store.JobUpdate, error) {
		result, err := renderer.Render(ctx, job, progress)
		if err != nil {
			return store.JobUpdate{}, err
		}
		if result == nil || result.FilePath == "" {
			return store.JobUpdate{}, Permanentf("render collaborator returned no artifact")
		}
		return store.JobUpdate{
			FilePath:      store.Ptr(result.FilePath),
			ThumbnailPath: store.Ptr(result.ThumbnailPath),
			Progress:      store.Ptr(100),
			CurrentStep:   store.Ptr("render complete"),
		}, nil
	}
	return w
}

// Package api exposes the manual/admin HTTP surface: synchronous and
// asynchronous job production, job status, and operator one-shots for
// the scheduler and the cleanup sweep.
package api

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/clipcast/clipcast/pkg/config"
	"github.com/clipcast/clipcast/pkg/models"
	"github.com/clipcast/clipcast/pkg/pipeline"
	"github.com/clipcast/clipcast/pkg/store"
)

const (
	// queueCapacity bounds the async work queue. A full queue rejects the
	// request instead of spawning unbounded goroutines.
	queueCapacity = 64

	// drainWorkers is how many jobs generate concurrently off the queue.
	drainWorkers = 2
)

// Ticker is the scheduler surface the trigger endpoint needs.
type Ticker interface {
	Tick(ctx context.Context) error
}

// Sweeper is the cleanup surface the trigger endpoint needs.
type Sweeper interface {
	RunOnce(ctx context.Context)
}

// HealthChecker reports readiness of the backing store.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// SettingsAdmin is the runtime-override surface of the operator
// endpoints.
type SettingsAdmin interface {
	ListSettings(ctx context.Context, channelID string) ([]models.SystemSetting, error)
	SetSetting(ctx context.Context, channelID, key, value string) error
}

// QuotaReader reports the day's consumed upload units.
type QuotaReader interface {
	Usage(ctx context.Context, date string) (models.QuotaUsage, error)
}

// Server owns the HTTP handlers and the bounded work queue that drains
// asynchronous generation requests. Handlers enqueue and return; the
// queue drains under the context passed to Start.
type Server struct {
	jobs      store.JobStore
	runner    *pipeline.Runner
	behavior  *config.ChannelBehavior
	scheduler Ticker
	janitor   Sweeper
	health    HealthChecker
	settings  SettingsAdmin
	quota     QuotaReader

	newID func() string

	tasks   chan string
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer wires the server. scheduler, janitor, health, settings, and
// quota may be nil when the corresponding endpoint is not exposed by
// this process.
func NewServer(jobs store.JobStore, runner *pipeline.Runner, behavior *config.ChannelBehavior,
	scheduler Ticker, janitor Sweeper, health HealthChecker,
	settings SettingsAdmin, quota QuotaReader) *Server {
	return &Server{
		jobs:      jobs,
		runner:    runner,
		behavior:  behavior,
		scheduler: scheduler,
		janitor:   janitor,
		health:    health,
		settings:  settings,
		quota:     quota,
		newID:     uuid.NewString,
		tasks:     make(chan string, queueCapacity),
	}
}

// Start launches the queue drain workers. Until Start is called the
// asynchronous endpoints reject requests.
func (s *Server) Start(ctx context.Context) {
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < drainWorkers; i++ {
		s.wg.Add(1)
		go s.drain()
	}
	slog.Info("API work queue started", "capacity", queueCapacity, "workers", drainWorkers)
}

// Stop cancels the drain workers and waits for in-flight jobs to finish
// their current stage. Queued-but-unstarted jobs stay in QUEUED.
func (s *Server) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Server) drain() {
	defer s.wg.Done()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case jobID := <-s.tasks:
			job, err := s.runner.Run(s.baseCtx, jobID)
			if err != nil {
				slog.Error("Queued generation failed", "videoId", jobID, "error", err)
				continue
			}
			slog.Info("Queued generation finished", "videoId", jobID, "stage", job.Stage)
		}
	}
}

// enqueue hands a job to the drain workers without blocking the handler.
func (s *Server) enqueue(jobID string) bool {
	if s.baseCtx == nil {
		return false
	}
	select {
	case s.tasks <- jobID:
		return true
	default:
		return false
	}
}

// Router builds the gin engine with every route registered. Routes are
// fixed at construction; there is no dynamic dispatch.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)

	manual := r.Group("/manual")
	manual.POST("/create", s.handleCreate)
	manual.POST("/topic", s.handleTopic)
	manual.POST("/async/topic", s.handleAsyncTopic)
	manual.POST("/batch/topic", s.handleBatchTopic)
	manual.GET("/status/:id", s.handleStatus)
	manual.POST("/scheduler/trigger", s.handleSchedulerTrigger)
	manual.POST("/cleanup/trigger", s.handleCleanupTrigger)
	manual.GET("/settings", s.handleListSettings)
	manual.PUT("/settings", s.handleSetSetting)
	manual.GET("/quota", s.handleQuota)

	return r
}

// newJob builds a manual job. Manual jobs carry a synthetic link so the
// per-channel link dedup index stays meaningful.
func (s *Server) newJob(title, summary string) *models.Job {
	id := s.newID()
	return &models.Job{
		ID:          id,
		ChannelID:   s.behavior.ChannelID,
		Title:       title,
		Summary:     summary,
		Link:        "manual://" + id,
		Stage:       models.StageQueued,
		CurrentStep: "manual",
	}
}

// topicJob builds a job from a bare topic. The style hint rides in the
// summary, where the scripting prompt picks it up.
func (s *Server) topicJob(topic, style string) *models.Job {
	summary := ""
	if style != "" {
		summary = "Style: " + style
	}
	return s.newJob(topic, summary)
}

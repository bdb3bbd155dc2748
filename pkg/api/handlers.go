package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clipcast/clipcast/pkg/models"
	"github.com/clipcast/clipcast/pkg/store"
	"github.com/clipcast/clipcast/pkg/version"
)

type createRequest struct {
	Title   string `json:"title" binding:"required"`
	Summary string `json:"summary"`
}

type topicRequest struct {
	Topic string `json:"topic" binding:"required"`
	Style string `json:"style"`
}

type batchTopicRequest struct {
	Topics []string `json:"topics" binding:"required,min=1"`
	Style  string   `json:"style"`
}

type enqueuedResponse struct {
	ID      string       `json:"id"`
	Stage   models.Stage `json:"stage"`
	Message string       `json:"message"`
}

// handleCreate produces a single job synchronously from explicit title
// and summary. The response carries the job in its final state.
func (s *Server) handleCreate(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.runSync(c, s.newJob(req.Title, req.Summary))
}

// handleTopic produces a single job synchronously from a bare topic; the
// script is generated by the LLM collaborator during the run.
func (s *Server) handleTopic(c *gin.Context) {
	var req topicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.runSync(c, s.topicJob(req.Topic, req.Style))
}

func (s *Server) runSync(c *gin.Context, job *models.Job) {
	ctx := c.Request.Context()
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		mapStoreError(c, err)
		return
	}
	final, err := s.runner.Run(ctx, job.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "id": job.ID})
		return
	}
	c.JSON(http.StatusOK, final)
}

// handleAsyncTopic enqueues a topic job and returns immediately.
func (s *Server) handleAsyncTopic(c *gin.Context) {
	var req topicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, ok := s.createAndEnqueue(c, req.Topic, req.Style)
	if !ok {
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

// handleBatchTopic enqueues one job per topic.
func (s *Server) handleBatchTopic(c *gin.Context) {
	var req batchTopicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobs := make([]enqueuedResponse, 0, len(req.Topics))
	for _, topic := range req.Topics {
		resp, ok := s.createAndEnqueue(c, topic, req.Style)
		if !ok {
			return
		}
		jobs = append(jobs, resp)
	}
	c.JSON(http.StatusAccepted, gin.H{"count": len(jobs), "jobs": jobs})
}

// createAndEnqueue persists a topic job and hands it to the work queue.
// When the queue is full or not running the job is failed terminally so
// it cannot linger in QUEUED with nothing driving it.
func (s *Server) createAndEnqueue(c *gin.Context, topic, style string) (enqueuedResponse, bool) {
	ctx := c.Request.Context()
	job := s.topicJob(topic, style)
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		mapStoreError(c, err)
		return enqueuedResponse{}, false
	}

	if !s.enqueue(job.ID) {
		_, err := s.jobs.TransitionStage(ctx, job.ID,
			[]models.Stage{models.StageQueued}, models.StageFailed, store.JobUpdate{
				FailureStep:  store.Ptr(models.FailureStepValidation),
				ErrorMessage: store.Ptr("work queue full"),
			})
		if err != nil {
			mapStoreError(c, err)
			return enqueuedResponse{}, false
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "work queue full", "id": job.ID})
		return enqueuedResponse{}, false
	}

	return enqueuedResponse{
		ID:      job.ID,
		Stage:   job.Stage,
		Message: "queued for generation",
	}, true
}

// handleStatus returns the job view.
func (s *Server) handleStatus(c *gin.Context) {
	job, err := s.jobs.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		mapStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleSchedulerTrigger runs one scheduler tick on demand.
func (s *Server) handleSchedulerTrigger(c *gin.Context) {
	if s.scheduler == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "scheduler not running in this process"})
		return
	}
	if err := s.scheduler.Tick(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "scheduler tick complete"})
}

// handleCleanupTrigger runs one cleanup sweep on demand.
func (s *Server) handleCleanupTrigger(c *gin.Context) {
	if s.janitor == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "cleanup not running in this process"})
		return
	}
	s.janitor.RunOnce(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "cleanup complete"})
}

type settingRequest struct {
	Key   string `json:"key" binding:"required"`
	Value string `json:"value" binding:"required"`
}

// handleListSettings returns the channel's runtime overrides.
func (s *Server) handleListSettings(c *gin.Context) {
	if s.settings == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "settings not available in this process"})
		return
	}
	settings, err := s.settings.ListSettings(c.Request.Context(), s.behavior.ChannelID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"channel":  s.behavior.ChannelID,
		"settings": settings,
	})
}

// handleSetSetting upserts one runtime override. It takes effect on the
// next read; workers re-read settings at every decision point.
func (s *Server) handleSetSetting(c *gin.Context) {
	if s.settings == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "settings not available in this process"})
		return
	}
	var req settingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.settings.SetSetting(c.Request.Context(), s.behavior.ChannelID, req.Key, req.Value); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "setting saved", "key": req.Key})
}

// handleQuota reports the upload units consumed today.
func (s *Server) handleQuota(c *gin.Context) {
	if s.quota == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "quota not available in this process"})
		return
	}
	usage, err := s.quota.Usage(c.Request.Context(), models.QuotaDate(time.Now()))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, usage)
}

// handleHealth reports store readiness.
func (s *Server) handleHealth(c *gin.Context) {
	if s.health != nil {
		if err := s.health.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"channel": s.behavior.ChannelID,
		"version": version.Full(),
	})
}

// mapStoreError translates store sentinel errors to HTTP statuses.
func mapStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, store.ErrDuplicateLink):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate link for channel"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

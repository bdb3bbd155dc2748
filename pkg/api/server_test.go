package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipcast/clipcast/pkg/bus"
	"github.com/clipcast/clipcast/pkg/claim"
	"github.com/clipcast/clipcast/pkg/config"
	"github.com/clipcast/clipcast/pkg/models"
	"github.com/clipcast/clipcast/pkg/pipeline"
	"github.com/clipcast/clipcast/pkg/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubWriter struct{}

func (stubWriter) WriteScript(_ context.Context, job *models.Job, _ pipeline.Progress) (*pipeline.ScriptResult, error) {
	return &pipeline.ScriptResult{
		Title:       "Scripted: " + job.Title,
		Description: "desc",
		Scenes:      []string{"scene one"},
	}, nil
}

type stubProducer struct{}

func (stubProducer) ProduceAssets(context.Context, *models.Job, pipeline.Progress) (*pipeline.AssetResult, error) {
	return &pipeline.AssetResult{AudioPath: "/out/a.mp3", ClipPaths: []string{"/out/c1.mp4"}}, nil
}

type stubRenderer struct{}

func (stubRenderer) Render(context.Context, *models.Job, pipeline.Progress) (*pipeline.RenderResult, error) {
	return &pipeline.RenderResult{FilePath: "/out/final.mp4", ThumbnailPath: "/out/t.jpg"}, nil
}

type recordingTicker struct{ calls int }

func (r *recordingTicker) Tick(context.Context) error {
	r.calls++
	return nil
}

type recordingSweeper struct{ calls int }

func (r *recordingSweeper) RunOnce(context.Context) { r.calls++ }

type stubHealth struct{ err error }

func (h stubHealth) Health(context.Context) error { return h.err }

type env struct {
	server  *Server
	router  *gin.Engine
	mem     *store.Memory
	ticker  *recordingTicker
	sweeper *recordingSweeper
}

func setup(t *testing.T) *env {
	t.Helper()
	behavior, err := config.Resolve("global-news-shorts")
	require.NoError(t, err)

	mem := store.NewMemory()
	claims := claim.NewService(mem)
	mb := bus.NewMemory()
	cfg := config.DefaultWorkerConfig()

	runner := pipeline.NewRunner(mem,
		pipeline.NewScriptingWorker(mem, claims, mb, behavior, stubWriter{}, cfg),
		pipeline.NewAssetsWorker(mem, claims, mb, behavior, stubProducer{}, cfg),
		pipeline.NewRenderWorker(mem, claims, mb, behavior, stubRenderer{}, cfg),
	)

	ticker := &recordingTicker{}
	sweeper := &recordingSweeper{}
	srv := NewServer(mem, runner, behavior, ticker, sweeper, stubHealth{}, mem, mem)
	return &env{server: srv, router: srv.Router(), mem: mem, ticker: ticker, sweeper: sweeper}
}

func (e *env) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) *models.Job {
	t.Helper()
	var job models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	return &job
}

func TestManualCreateRunsPipelineSynchronously(t *testing.T) {
	e := setup(t)

	rec := e.request(t, http.MethodPost, "/manual/create",
		gin.H{"title": "Breaking story", "summary": "details"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	job := decodeJob(t, rec)
	assert.Equal(t, models.StageCompleted, job.Stage)
	assert.Equal(t, "Scripted: Breaking story", job.Title)
	assert.Equal(t, "/out/final.mp4", job.FilePath)
	assert.Equal(t, 100, job.Progress)
}

func TestManualCreateRequiresTitle(t *testing.T) {
	e := setup(t)

	rec := e.request(t, http.MethodPost, "/manual/create", gin.H{"summary": "no title"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTopicCarriesStyleIntoSummary(t *testing.T) {
	e := setup(t)

	rec := e.request(t, http.MethodPost, "/manual/topic",
		gin.H{"topic": "블랙홀", "style": "news"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	job := decodeJob(t, rec)
	assert.Equal(t, models.StageCompleted, job.Stage)
	assert.Equal(t, "Style: news", job.Summary)
}

func TestAsyncTopicDrainsThroughWorkQueue(t *testing.T) {
	e := setup(t)
	e.server.Start(context.Background())
	defer e.server.Stop()

	rec := e.request(t, http.MethodPost, "/manual/async/topic",
		gin.H{"topic": "black holes", "style": "news"})

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp enqueuedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, models.StageQueued, resp.Stage)

	require.Eventually(t, func() bool {
		job, err := e.mem.GetJob(context.Background(), resp.ID)
		return err == nil && job.Stage == models.StageCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAsyncTopicRejectedWhenQueueNotRunning(t *testing.T) {
	e := setup(t) // Start never called

	rec := e.request(t, http.MethodPost, "/manual/async/topic",
		gin.H{"topic": "black holes"})

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	job, err := e.mem.GetJob(context.Background(), resp["id"])
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, job.Stage)
	assert.Equal(t, "work queue full", job.ErrorMessage)
}

func TestBatchTopicEnqueuesEveryTopic(t *testing.T) {
	e := setup(t)
	e.server.Start(context.Background())
	defer e.server.Stop()

	rec := e.request(t, http.MethodPost, "/manual/batch/topic",
		gin.H{"topics": []string{"quantum computing", "fusion power"}, "style": "digest"})

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp struct {
		Count int                `json:"count"`
		Jobs  []enqueuedResponse `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)

	for _, queued := range resp.Jobs {
		id := queued.ID
		require.Eventually(t, func() bool {
			job, err := e.mem.GetJob(context.Background(), id)
			return err == nil && job.Stage == models.StageCompleted
		}, 2*time.Second, 10*time.Millisecond)
	}
}

func TestBatchTopicRequiresTopics(t *testing.T) {
	e := setup(t)

	rec := e.request(t, http.MethodPost, "/manual/batch/topic", gin.H{"topics": []string{}})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusReturnsJobView(t *testing.T) {
	e := setup(t)
	job := &models.Job{
		ID: "v1", ChannelID: "global-news-shorts", Title: "T",
		Link: "https://example.com/a", Stage: models.StageQueued,
	}
	require.NoError(t, e.mem.CreateJob(context.Background(), job))

	rec := e.request(t, http.MethodGet, "/manual/status/v1", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeJob(t, rec)
	assert.Equal(t, "v1", got.ID)
	assert.Equal(t, models.StageQueued, got.Stage)
}

func TestStatusUnknownJobIs404(t *testing.T) {
	e := setup(t)

	rec := e.request(t, http.MethodGet, "/manual/status/missing", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSchedulerTrigger(t *testing.T) {
	e := setup(t)

	rec := e.request(t, http.MethodPost, "/manual/scheduler/trigger", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, e.ticker.calls)
}

func TestCleanupTrigger(t *testing.T) {
	e := setup(t)

	rec := e.request(t, http.MethodPost, "/manual/cleanup/trigger", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, e.sweeper.calls)
}

func TestSettingsRoundTripThroughAPI(t *testing.T) {
	e := setup(t)

	rec := e.request(t, http.MethodPut, "/manual/settings",
		gin.H{"key": models.SettingMaxGenerationLimit, "value": "5"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The override is live for the stores the workers read.
	value, ok, err := e.mem.GetSetting(context.Background(),
		"global-news-shorts", models.SettingMaxGenerationLimit)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "5", value)

	rec = e.request(t, http.MethodGet, "/manual/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Channel  string                 `json:"channel"`
		Settings []models.SystemSetting `json:"settings"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "global-news-shorts", resp.Channel)
	require.Len(t, resp.Settings, 1)
	assert.Equal(t, models.SettingMaxGenerationLimit, resp.Settings[0].Key)
	assert.Equal(t, "5", resp.Settings[0].Value)
}

func TestSetSettingRequiresKey(t *testing.T) {
	e := setup(t)

	rec := e.request(t, http.MethodPut, "/manual/settings", gin.H{"value": "5"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuotaReportsToday(t *testing.T) {
	e := setup(t)
	today := models.QuotaDate(time.Now())
	_, err := e.mem.AddUnits(context.Background(), today, 3200)
	require.NoError(t, err)

	rec := e.request(t, http.MethodGet, "/manual/quota", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var usage models.QuotaUsage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
	assert.Equal(t, today, usage.Date)
	assert.Equal(t, 3200, usage.Units)
}

func TestHealthReflectsStore(t *testing.T) {
	e := setup(t)

	rec := e.request(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	e.server.health = stubHealth{err: context.DeadlineExceeded}
	rec = e.request(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

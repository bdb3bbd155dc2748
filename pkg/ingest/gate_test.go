package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipcast/clipcast/pkg/bus"
	"github.com/clipcast/clipcast/pkg/config"
	"github.com/clipcast/clipcast/pkg/models"
	"github.com/clipcast/clipcast/pkg/store"
)

type stubSimilarity struct {
	similar bool
	err     error
	calls   int
}

func (s *stubSimilarity) Similar(_ context.Context, _ Item, _ []*models.Job) (bool, error) {
	s.calls++
	return s.similar, s.err
}

type stubSafety struct {
	deny map[string]bool
	err  error
}

func (s *stubSafety) Approve(_ context.Context, item Item) (bool, error) {
	return !s.deny[item.Title], s.err
}

type stubPlatform struct {
	titles []string
	err    error
}

func (s *stubPlatform) PublishedTitles(_ context.Context, _ string) ([]string, error) {
	return s.titles, s.err
}

func testGate(t *testing.T) (*Gate, *store.Memory, *bus.Memory) {
	t.Helper()
	behavior, err := config.Resolve("global-news-shorts")
	require.NoError(t, err)
	mem := store.NewMemory()
	mb := bus.NewMemory()
	gate := NewGate(mem, mem, mb, behavior, nil, nil, nil)
	return gate, mem, mb
}

func item(n string) Item {
	return Item{Title: "Title " + n, Summary: "Summary " + n, Link: "https://example.com/" + n}
}

func TestAdmitFirstSurvivorOnly(t *testing.T) {
	gate, _, mb := testGate(t)
	ctx := context.Background()

	job, err := gate.Admit(ctx, []Item{item("a"), item("b")})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "Title a", job.Title)
	assert.Equal(t, models.StageQueued, job.Stage)

	events := mb.PublishedTo(bus.TopicNewItem)
	require.Len(t, events, 1)
	var event bus.NewItemEvent
	require.NoError(t, events[0].Decode(&event))
	assert.Equal(t, job.ID, event.VideoID)
	assert.Equal(t, job.Link, events[0].Key)
}

func TestAdmitSkipsDuplicateLinkAndTitle(t *testing.T) {
	gate, _, _ := testGate(t)
	ctx := context.Background()

	first, err := gate.Admit(ctx, []Item{item("a")})
	require.NoError(t, err)
	require.NotNil(t, first)

	// Same link (with tracking params), new title: link dedup drops it.
	dup := Item{Title: "Other title", Link: "https://example.com/a?utm_source=x"}
	job, err := gate.Admit(ctx, []Item{dup, item("b")})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "Title b", job.Title)

	// Same title, new link: title dedup drops it.
	dupTitle := Item{Title: "Title a", Link: "https://example.com/c"}
	job, err = gate.Admit(ctx, []Item{dupTitle})
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestAdmitAbortsAtCapacity(t *testing.T) {
	gate, mem, _ := testGate(t)
	ctx := context.Background()

	require.NoError(t, mem.SetSetting(ctx, gate.behavior.ChannelID, models.SettingMaxGenerationLimit, "1"))

	_, err := gate.Admit(ctx, []Item{item("a")})
	require.NoError(t, err)

	_, err = gate.Admit(ctx, []Item{item("b")})
	assert.ErrorIs(t, err, ErrAtCapacity)
}

func TestCapacityIgnoresTerminalJobs(t *testing.T) {
	gate, mem, _ := testGate(t)
	ctx := context.Background()

	require.NoError(t, mem.SetSetting(ctx, gate.behavior.ChannelID, models.SettingMaxGenerationLimit, "1"))

	first, err := gate.Admit(ctx, []Item{item("a")})
	require.NoError(t, err)
	ok, err := mem.TransitionStage(ctx, first.ID, []models.Stage{models.StageQueued}, models.StageFailed, store.JobUpdate{})
	require.NoError(t, err)
	require.True(t, ok)

	job, err := gate.Admit(ctx, []Item{item("b")})
	require.NoError(t, err)
	assert.NotNil(t, job)
}

func TestSimilarityFailsOpen(t *testing.T) {
	gate, _, _ := testGate(t)
	sim := &stubSimilarity{err: errors.New("classifier down")}
	gate.similarity = sim

	job, err := gate.Admit(context.Background(), []Item{item("a")})
	require.NoError(t, err)
	assert.NotNil(t, job)
	assert.Equal(t, 1, sim.calls)
}

func TestSimilarityRejectionSkipsItem(t *testing.T) {
	gate, _, _ := testGate(t)
	gate.similarity = &stubSimilarity{similar: true}

	job, err := gate.Admit(context.Background(), []Item{item("a")})
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestSafetyDenialBlocksItemTerminally(t *testing.T) {
	gate, mem, _ := testGate(t)
	gate.safety = &stubSafety{deny: map[string]bool{"Title a": true}}
	ctx := context.Background()

	job, err := gate.Admit(ctx, []Item{item("a"), item("b")})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "Title b", job.Title)

	// The denied item is recorded as BLOCKED so its link never re-enters.
	recent, err := mem.RecentJobs(ctx, gate.behavior.ChannelID, 10)
	require.NoError(t, err)
	var blocked *models.Job
	for _, j := range recent {
		if j.Title == "Title a" {
			blocked = j
		}
	}
	require.NotNil(t, blocked)
	assert.Equal(t, models.StageBlocked, blocked.Stage)

	job, err = gate.Admit(ctx, []Item{item("a")})
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestSafetyErrorFailsClosed(t *testing.T) {
	gate, _, _ := testGate(t)
	gate.safety = &stubSafety{err: errors.New("classifier down")}

	job, err := gate.Admit(context.Background(), []Item{item("a")})
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestPlatformTitleDedup(t *testing.T) {
	gate, _, _ := testGate(t)
	gate.platform = &stubPlatform{titles: []string{"Title a"}}

	job, err := gate.Admit(context.Background(), []Item{item("a"), item("b")})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "Title b", job.Title)
}

func TestPlatformErrorFailsOpen(t *testing.T) {
	gate, _, _ := testGate(t)
	gate.platform = &stubPlatform{err: errors.New("api down")}

	job, err := gate.Admit(context.Background(), []Item{item("a")})
	require.NoError(t, err)
	assert.NotNil(t, job)
}

func TestAggregationChannelSynthesizesOneItem(t *testing.T) {
	behavior, err := config.Resolve("tech-digest")
	require.NoError(t, err)
	mem := store.NewMemory()
	mb := bus.NewMemory()
	gate := NewGate(mem, mem, mb, behavior, nil, nil, nil)

	job, err := gate.Admit(context.Background(), []Item{item("a"), item("b"), item("c")})
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, "Title a", job.Title)
	assert.Contains(t, job.Summary, "Title b")
	assert.Contains(t, job.Summary, "Title c")
	assert.Len(t, mb.PublishedTo(bus.TopicNewItem), 1)
}

func TestRegenerationReentersQueued(t *testing.T) {
	gate, mem, mb := testGate(t)
	ctx := context.Background()

	job, err := gate.Admit(ctx, []Item{item("a")})
	require.NoError(t, err)
	advance(t, mem, job.ID,
		models.StageScripting, models.StageAssetsQueued, models.StageAssetsGenerating,
		models.StageRenderQueued, models.StageRendering, models.StageCompleted,
		models.StageUploading, models.StageUploadFailed)

	event := bus.RegenerationRequestedEvent{
		ChannelID: job.ChannelID, VideoID: job.ID,
		Title: job.Title, Link: job.Link, FailedFilePath: "/out/a.mp4",
	}
	payload, err := bus.Marshal(event)
	require.NoError(t, err)
	require.NoError(t, gate.HandleRegeneration(ctx, bus.Message{
		Topic: bus.TopicRegenerationRequested, Key: job.ID, Value: payload,
	}))

	updated, err := mem.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageQueued, updated.Stage)
	assert.Equal(t, 1, updated.RegenCount)
	assert.Equal(t, 0, updated.RetryCount)
	assert.Empty(t, updated.FilePath)

	// The pipeline restarts through a fresh new-item event.
	restarts := mb.PublishedTo(bus.TopicNewItem)
	require.Len(t, restarts, 2)

	// With the budget spent, further regeneration events are dropped
	// without touching the job.
	advance(t, mem, job.ID,
		models.StageScripting, models.StageAssetsQueued, models.StageAssetsGenerating,
		models.StageRenderQueued, models.StageRendering, models.StageCompleted,
		models.StageUploading, models.StageUploadFailed)
	require.NoError(t, gate.HandleRegeneration(ctx, bus.Message{
		Topic: bus.TopicRegenerationRequested, Key: job.ID, Value: payload,
	}))

	final, err := mem.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageUploadFailed, final.Stage)
	assert.Equal(t, 1, final.RegenCount)
	assert.Len(t, mb.PublishedTo(bus.TopicNewItem), 2)
}

func TestDuplicateRegenerationLeavesHealthyJobUntouched(t *testing.T) {
	gate, mem, mb := testGate(t)
	ctx := context.Background()

	job, err := gate.Admit(ctx, []Item{item("a")})
	require.NoError(t, err)
	advance(t, mem, job.ID,
		models.StageScripting, models.StageAssetsQueued, models.StageAssetsGenerating,
		models.StageRenderQueued, models.StageRendering, models.StageCompleted,
		models.StageUploading, models.StageUploadFailed)

	payload, err := bus.Marshal(bus.RegenerationRequestedEvent{
		ChannelID: job.ChannelID, VideoID: job.ID,
		Title: job.Title, Link: job.Link,
	})
	require.NoError(t, err)
	msg := bus.Message{Topic: bus.TopicRegenerationRequested, Key: job.ID, Value: payload}
	require.NoError(t, gate.HandleRegeneration(ctx, msg))

	// The job regenerates and completes again before a delayed duplicate
	// of the same event arrives.
	advance(t, mem, job.ID,
		models.StageScripting, models.StageAssetsQueued, models.StageAssetsGenerating,
		models.StageRenderQueued, models.StageRendering, models.StageCompleted)
	require.NoError(t, gate.HandleRegeneration(ctx, msg))

	after, err := mem.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, after.Stage)
	assert.Empty(t, after.ErrorMessage)
	assert.Equal(t, 1, after.RegenCount)
	// Only the first event restarted the pipeline (plus the admission event).
	assert.Len(t, mb.PublishedTo(bus.TopicNewItem), 2)
}

func TestRegenerationIgnoresOtherChannels(t *testing.T) {
	gate, _, mb := testGate(t)

	payload, err := bus.Marshal(bus.RegenerationRequestedEvent{
		ChannelID: "tech-digest", VideoID: "v1",
	})
	require.NoError(t, err)
	require.NoError(t, gate.HandleRegeneration(context.Background(), bus.Message{
		Topic: bus.TopicRegenerationRequested, Key: "v1", Value: payload,
	}))
	assert.Empty(t, mb.PublishedTo(bus.TopicNewItem))
}

// advance walks a job through stages without claim semantics. Test helper.
func advance(t *testing.T, mem *store.Memory, id string, stages ...models.Stage) {
	t.Helper()
	ctx := context.Background()
	for _, next := range stages {
		current, err := mem.GetJob(ctx, id)
		require.NoError(t, err)
		ok, err := mem.TransitionStage(ctx, id, []models.Stage{current.Stage}, next, store.JobUpdate{})
		require.NoError(t, err)
		require.True(t, ok, "transition to %s", next)
	}
}

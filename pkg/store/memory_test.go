package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipcast/clipcast/pkg/models"
)

func newQueuedJob(id, channel, link string) *models.Job {
	return &models.Job{
		ID:        id,
		ChannelID: channel,
		Title:     "title-" + id,
		Link:      link,
		Stage:     models.StageQueued,
	}
}

func TestMemoryCreateAndGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	job := newQueuedJob("j1", "ch-a", "https://news.example.com/a")
	require.NoError(t, m.CreateJob(ctx, job))
	assert.False(t, job.CreatedAt.IsZero())

	got, err := m.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StageQueued, got.Stage)
	assert.Equal(t, "ch-a", got.ChannelID)

	_, err = m.GetJob(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryDuplicateLinkRejected(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.CreateJob(ctx, newQueuedJob("j1", "ch-a", "https://x/y")))

	// Same channel, same normalized link (query string differs)
	err := m.CreateJob(ctx, newQueuedJob("j2", "ch-a", "https://x/y?utm=1"))
	assert.ErrorIs(t, err, ErrDuplicateLink)

	// Different channel is fine
	require.NoError(t, m.CreateJob(ctx, newQueuedJob("j3", "ch-b", "https://x/y")))
}

func TestMemoryDuplicateLinkAllowedAfterTerminal(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	job := newQueuedJob("j1", "ch-a", "https://x/y")
	require.NoError(t, m.CreateJob(ctx, job))

	ok, err := m.TransitionStage(ctx, "j1", []models.Stage{models.StageQueued}, models.StageFailed, JobUpdate{})
	require.NoError(t, err)
	require.True(t, ok)

	// The unique constraint only covers non-terminal jobs
	require.NoError(t, m.CreateJob(ctx, newQueuedJob("j2", "ch-a", "https://x/y")))
}

func TestMemoryTransitionStageCAS(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateJob(ctx, newQueuedJob("j1", "ch-a", "")))

	ok, err := m.TransitionStage(ctx, "j1",
		[]models.Stage{models.StageQueued}, models.StageScripting, JobUpdate{})
	require.NoError(t, err)
	assert.True(t, ok)

	// Same expected stage again: no-op, not an error
	ok, err = m.TransitionStage(ctx, "j1",
		[]models.Stage{models.StageQueued}, models.StageScripting, JobUpdate{})
	require.NoError(t, err)
	assert.False(t, ok)

	// Unknown job: no-op
	ok, err = m.TransitionStage(ctx, "nope",
		[]models.Stage{models.StageQueued}, models.StageScripting, JobUpdate{})
	require.NoError(t, err)
	assert.False(t, ok)
}

// Exactly one of N concurrent claims with the same expected stage wins.
func TestMemoryConcurrentClaims(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateJob(ctx, newQueuedJob("j1", "ch-a", "")))

	const claimers = 32
	var wg sync.WaitGroup
	wins := make(chan bool, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.TransitionStage(ctx, "j1",
				[]models.Stage{models.StageQueued}, models.StageScripting, JobUpdate{})
			require.NoError(t, err)
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	assert.Equal(t, 1, won)
}

func TestMemoryUpdatedAtMonotonic(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	frozen := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return frozen })

	require.NoError(t, m.CreateJob(ctx, newQueuedJob("j1", "ch-a", "")))
	first, _ := m.GetJob(ctx, "j1")

	require.NoError(t, m.UpdateJob(ctx, "j1", JobUpdate{Progress: Ptr(50)}))
	second, _ := m.GetJob(ctx, "j1")
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))

	require.NoError(t, m.UpdateJob(ctx, "j1", JobUpdate{Progress: Ptr(60)}))
	third, _ := m.GetJob(ctx, "j1")
	assert.True(t, third.UpdatedAt.After(second.UpdatedAt))
}

func TestMemoryUpdatePatchSemantics(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	job := newQueuedJob("j1", "ch-a", "")
	job.Tags = []string{"news"}
	require.NoError(t, m.CreateJob(ctx, job))

	// Nil fields leave values untouched
	require.NoError(t, m.UpdateJob(ctx, "j1", JobUpdate{Progress: Ptr(30)}))
	got, _ := m.GetJob(ctx, "j1")
	assert.Equal(t, 30, got.Progress)
	assert.Equal(t, []string{"news"}, got.Tags)

	// Non-nil slices replace
	require.NoError(t, m.UpdateJob(ctx, "j1", JobUpdate{Tags: []string{"a", "b"}}))
	got, _ = m.GetJob(ctx, "j1")
	assert.Equal(t, []string{"a", "b"}, got.Tags)
}

func TestMemorySweepStaleActive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	past := time.Now().Add(-2 * time.Hour)
	m.SetClock(func() time.Time { return past })
	require.NoError(t, m.CreateJob(ctx, newQueuedJob("stuck", "ch-a", "")))
	ok, _ := m.TransitionStage(ctx, "stuck",
		[]models.Stage{models.StageQueued}, models.StageScripting, JobUpdate{})
	require.True(t, ok)

	require.NoError(t, m.CreateJob(ctx, newQueuedJob("waiting", "ch-a", "")))

	m.SetClock(time.Now)
	swept, err := m.SweepStaleActive(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	stuck, _ := m.GetJob(ctx, "stuck")
	assert.Equal(t, models.StageFailed, stuck.Stage)
	assert.Equal(t, models.FailureStepStale, stuck.FailureStep)

	// QUEUED is not an active stage; the sweep must not touch it
	waiting, _ := m.GetJob(ctx, "waiting")
	assert.Equal(t, models.StageQueued, waiting.Stage)
}

func TestMemoryQuota(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	units, err := m.Units(ctx, "2026-08-25")
	require.NoError(t, err)
	assert.Zero(t, units)

	total, err := m.AddUnits(ctx, "2026-08-25", 1600)
	require.NoError(t, err)
	assert.Equal(t, 1600, total)

	total, err = m.AddUnits(ctx, "2026-08-25", 1600)
	require.NoError(t, err)
	assert.Equal(t, 3200, total)

	// Different date, fresh counter
	units, err = m.Units(ctx, "2026-08-26")
	require.NoError(t, err)
	assert.Zero(t, units)

	usage, err := m.Usage(ctx, "2026-08-25")
	require.NoError(t, err)
	assert.Equal(t, "2026-08-25", usage.Date)
	assert.Equal(t, 3200, usage.Units)
	assert.False(t, usage.UpdatedAt.IsZero())

	// An untouched date reads as zero rather than an error
	usage, err = m.Usage(ctx, "2026-08-26")
	require.NoError(t, err)
	assert.Zero(t, usage.Units)
}

func TestMemorySettings(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, ok, err := m.GetSetting(ctx, "ch-a", models.SettingUploadIntervalHours)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.SetSetting(ctx, "ch-a", models.SettingUploadIntervalHours, "2.5"))
	val, ok, err := m.GetSetting(ctx, "ch-a", models.SettingUploadIntervalHours)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2.5", val)

	// Settings are per-channel
	_, ok, _ = m.GetSetting(ctx, "ch-b", models.SettingUploadIntervalHours)
	assert.False(t, ok)

	require.NoError(t, m.SetSetting(ctx, "ch-a", models.SettingMaxGenerationLimit, "5"))
	require.NoError(t, m.SetSetting(ctx, "ch-b", models.SettingScriptPrompt, "ignored"))

	listed, err := m.ListSettings(ctx, "ch-a")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	// Ordered by key
	assert.Equal(t, models.SettingMaxGenerationLimit, listed[0].Key)
	assert.Equal(t, models.SettingUploadIntervalHours, listed[1].Key)
	assert.Equal(t, "2.5", listed[1].Value)
}

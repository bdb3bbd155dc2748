package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/clipcast/clipcast/pkg/models"
)

// Memory is an in-process store with the same conditional-write semantics
// as the PostgreSQL store. It backs unit tests for the gate, scheduler,
// workers, and API so they exercise real claim behavior without a database.
type Memory struct {
	mu       sync.Mutex
	jobs     map[string]*models.Job
	quota    map[string]models.QuotaUsage
	settings map[string]models.SystemSetting
	now      func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:     make(map[string]*models.Job),
		quota:    make(map[string]models.QuotaUsage),
		settings: make(map[string]models.SystemSetting),
		now:      time.Now,
	}
}

// SetClock overrides the store's clock. Test helper.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// touch advances updated_at monotonically even when the clock is frozen.
func (m *Memory) touch(job *models.Job) {
	ts := m.now()
	if !ts.After(job.UpdatedAt) {
		ts = job.UpdatedAt.Add(time.Microsecond)
	}
	job.UpdatedAt = ts
}

// CreateJob implements JobStore.
func (m *Memory) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.Stage == "" {
		job.Stage = models.StageQueued
	}
	normalized := models.NormalizeLink(job.Link)
	if normalized != "" {
		for _, existing := range m.jobs {
			if existing.ChannelID == job.ChannelID &&
				!existing.Stage.Terminal() &&
				models.NormalizeLink(existing.Link) == normalized {
				return ErrDuplicateLink
			}
		}
	}

	now := m.now()
	job.CreatedAt = now
	job.UpdatedAt = now
	clone := *job
	m.jobs[job.ID] = &clone
	return nil
}

// GetJob implements JobStore.
func (m *Memory) GetJob(_ context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *job
	return &clone, nil
}

// UpdateJob implements JobStore.
func (m *Memory) UpdateJob(_ context.Context, id string, upd JobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	applyUpdate(job, upd)
	m.touch(job)
	return nil
}

// TransitionStage implements JobStore. The whole compare-and-set runs
// under one lock, mirroring the single conditional UPDATE in Postgres.
func (m *Memory) TransitionStage(_ context.Context, id string, from []models.Stage, to models.Stage, upd JobUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, st := range from {
		if job.Stage == st {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	job.Stage = to
	applyUpdate(job, upd)
	m.touch(job)
	return true, nil
}

// CountActive implements JobStore.
func (m *Memory) CountActive(_ context.Context, channelID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, job := range m.jobs {
		if job.ChannelID == channelID && !job.Stage.Terminal() {
			count++
		}
	}
	return count, nil
}

// LinkExists implements JobStore.
func (m *Memory) LinkExists(_ context.Context, channelID, normalizedLink string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.ChannelID == channelID && models.NormalizeLink(job.Link) == normalizedLink {
			return true, nil
		}
	}
	return false, nil
}

// TitleExists implements JobStore.
func (m *Memory) TitleExists(_ context.Context, channelID, title string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.ChannelID == channelID && (job.Title == title || job.RSSTitle == title) {
			return true, nil
		}
	}
	return false, nil
}

// RecentJobs implements JobStore.
func (m *Memory) RecentJobs(_ context.Context, channelID string, limit int) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var jobs []*models.Job
	for _, job := range m.jobs {
		if job.ChannelID == channelID {
			clone := *job
			jobs = append(jobs, &clone)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// OldestInStage implements JobStore.
func (m *Memory) OldestInStage(_ context.Context, channelID string, stage models.Stage) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *models.Job
	for _, job := range m.jobs {
		if job.ChannelID != channelID || job.Stage != stage {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil, nil
	}
	clone := *oldest
	return &clone, nil
}

// LatestInStage implements JobStore.
func (m *Memory) LatestInStage(_ context.Context, channelID string, stage models.Stage) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.Job
	for _, job := range m.jobs {
		if job.ChannelID != channelID || job.Stage != stage {
			continue
		}
		if latest == nil || job.UpdatedAt.After(latest.UpdatedAt) {
			latest = job
		}
	}
	if latest == nil {
		return nil, nil
	}
	clone := *latest
	return &clone, nil
}

// SweepStaleActive implements JobStore.
func (m *Memory) SweepStaleActive(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	swept := 0
	for _, job := range m.jobs {
		if !job.UpdatedAt.Before(cutoff) {
			continue
		}
		for _, st := range models.ActiveStages {
			if job.Stage == st {
				job.ErrorMessage = "abandoned in stage " + string(job.Stage)
				job.Stage = models.StageFailed
				job.FailureStep = models.FailureStepStale
				m.touch(job)
				swept++
				break
			}
		}
	}
	return swept, nil
}

// DeleteTerminalBefore implements JobStore.
func (m *Memory) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for id, job := range m.jobs {
		if job.Stage.Terminal() && job.UpdatedAt.Before(cutoff) {
			delete(m.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

// Units implements QuotaStore.
func (m *Memory) Units(_ context.Context, date string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quota[date].Units, nil
}

// AddUnits implements QuotaStore.
func (m *Memory) AddUnits(_ context.Context, date string, n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	usage := m.quota[date]
	usage.Date = date
	usage.Units += n
	usage.UpdatedAt = m.now()
	m.quota[date] = usage
	return usage.Units, nil
}

// Usage implements QuotaStore.
func (m *Memory) Usage(_ context.Context, date string) (models.QuotaUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	usage := m.quota[date]
	usage.Date = date
	return usage, nil
}

// GetSetting implements SettingsStore.
func (m *Memory) GetSetting(_ context.Context, channelID, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	setting, ok := m.settings[settingKey(channelID, key)]
	return setting.Value, ok, nil
}

// SetSetting implements SettingsStore.
func (m *Memory) SetSetting(_ context.Context, channelID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[settingKey(channelID, key)] = models.SystemSetting{
		ChannelID: channelID,
		Key:       key,
		Value:     value,
		UpdatedAt: m.now(),
	}
	return nil
}

// ListSettings implements SettingsStore.
func (m *Memory) ListSettings(_ context.Context, channelID string) ([]models.SystemSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var settings []models.SystemSetting
	for _, setting := range m.settings {
		if setting.ChannelID == channelID {
			settings = append(settings, setting)
		}
	}
	sort.Slice(settings, func(i, j int) bool { return settings[i].Key < settings[j].Key })
	return settings, nil
}

func settingKey(channelID, key string) string {
	return channelID + "\x00" + key
}

func applyUpdate(job *models.Job, upd JobUpdate) {
	if upd.Title != nil {
		job.Title = *upd.Title
	}
	if upd.Summary != nil {
		job.Summary = *upd.Summary
	}
	if upd.Description != nil {
		job.Description = *upd.Description
	}
	if upd.FailureStep != nil {
		job.FailureStep = *upd.FailureStep
	}
	if upd.ErrorMessage != nil {
		job.ErrorMessage = *upd.ErrorMessage
	}
	if upd.ValidationErrors != nil {
		job.ValidationErrors = append([]string(nil), upd.ValidationErrors...)
	}
	if upd.RetryCount != nil {
		job.RetryCount = *upd.RetryCount
	}
	if upd.RegenCount != nil {
		job.RegenCount = *upd.RegenCount
	}
	if upd.Progress != nil {
		job.Progress = *upd.Progress
	}
	if upd.CurrentStep != nil {
		job.CurrentStep = *upd.CurrentStep
	}
	if upd.FilePath != nil {
		job.FilePath = *upd.FilePath
	}
	if upd.ThumbnailPath != nil {
		job.ThumbnailPath = *upd.ThumbnailPath
	}
	if upd.YoutubeURL != nil {
		job.YoutubeURL = *upd.YoutubeURL
	}
	if upd.Tags != nil {
		job.Tags = append([]string(nil), upd.Tags...)
	}
	if upd.Sources != nil {
		job.Sources = append([]string(nil), upd.Sources...)
	}
	if upd.Scenes != nil {
		job.Scenes = append([]string(nil), upd.Scenes...)
	}
}

// Ptr returns a pointer to v. Shorthand for building JobUpdate patches.
func Ptr[T any](v T) *T { return &v }

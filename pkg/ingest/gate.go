// Package ingest admits candidate feed items into the pipeline. The gate
// is the only creator of jobs: everything downstream works on jobs it let
// through.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/clipcast/clipcast/pkg/bus"
	"github.com/clipcast/clipcast/pkg/config"
	"github.com/clipcast/clipcast/pkg/models"
	"github.com/clipcast/clipcast/pkg/store"
)

// ErrAtCapacity is returned when the channel's active-job buffer is full
// and the whole bundle was dropped.
var ErrAtCapacity = errors.New("channel at capacity")

// Item is one candidate from a feed poll.
type Item struct {
	Title   string
	Summary string
	Link    string

	// RSSTitle preserves the feed's original title when the produced
	// title diverges; title dedup checks both.
	RSSTitle string
}

// SimilarityClassifier decides whether a candidate covers the same story
// as a recent job. Advisory: any error is treated as "not similar" so a
// classifier outage never stalls ingestion.
type SimilarityClassifier interface {
	Similar(ctx context.Context, item Item, recent []*models.Job) (bool, error)
}

// SafetyClassifier approves or denies a topic. Denial is terminal for
// the item.
type SafetyClassifier interface {
	Approve(ctx context.Context, item Item) (bool, error)
}

// PlatformIndex lists titles already published on the target channel,
// for dedup against uploads that predate the job store.
type PlatformIndex interface {
	PublishedTitles(ctx context.Context, channelID string) ([]string, error)
}

// Gate applies the admission filters to candidate bundles and creates
// jobs for survivors.
type Gate struct {
	jobs     store.JobStore
	settings store.SettingsStore
	pub      bus.Publisher
	behavior *config.ChannelBehavior

	similarity SimilarityClassifier
	safety     SafetyClassifier
	platform   PlatformIndex

	// RecentWindow is how many recent jobs the similarity classifier
	// compares against.
	RecentWindow int

	newID func() string
}

// NewGate wires the gate. similarity, safety, and platform may be nil;
// a nil classifier passes everything.
func NewGate(jobs store.JobStore, settings store.SettingsStore, pub bus.Publisher,
	behavior *config.ChannelBehavior, similarity SimilarityClassifier,
	safety SafetyClassifier, platform PlatformIndex) *Gate {
	return &Gate{
		jobs:         jobs,
		settings:     settings,
		pub:          pub,
		behavior:     behavior,
		similarity:   similarity,
		safety:       safety,
		platform:     platform,
		RecentWindow: 20,
		newID:        uuid.NewString,
	}
}

// Admit runs the filter chain over a bundle and admits the first
// survivor: one job in QUEUED plus the new-item event. Returns the
// admitted job, or nil when every item was filtered out.
func (g *Gate) Admit(ctx context.Context, items []Item) (*models.Job, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if g.behavior.ShouldAggregateNews && len(items) > 1 {
		items = []Item{aggregate(items)}
	}

	limit, err := g.effectiveLimit(ctx)
	if err != nil {
		return nil, err
	}
	active, err := g.jobs.CountActive(ctx, g.behavior.ChannelID)
	if err != nil {
		return nil, err
	}
	if active >= limit {
		slog.Info("Channel buffer full, dropping bundle",
			"channel", g.behavior.ChannelID, "active", active, "limit", limit)
		return nil, ErrAtCapacity
	}

	for _, item := range items {
		survived, err := g.filter(ctx, item)
		if err != nil {
			return nil, err
		}
		if !survived {
			continue
		}
		return g.admit(ctx, item)
	}
	return nil, nil
}

// effectiveLimit is the channel default, overridden by the
// MAX_GENERATION_LIMIT setting when present and parseable.
func (g *Gate) effectiveLimit(ctx context.Context) (int, error) {
	limit := g.behavior.DailyLimit
	raw, ok, err := g.settings.GetSetting(ctx, g.behavior.ChannelID, models.SettingMaxGenerationLimit)
	if err != nil {
		return 0, err
	}
	if ok {
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && n > 0 {
			limit = n
		} else {
			slog.Warn("Ignoring malformed generation limit setting",
				"channel", g.behavior.ChannelID, "value", raw)
		}
	}
	return limit, nil
}

// filter runs the per-item checks in order. Store errors abort the
// bundle; classifier errors fail open except for safety, which fails
// closed.
func (g *Gate) filter(ctx context.Context, item Item) (bool, error) {
	channelID := g.behavior.ChannelID
	log := slog.With("channel", channelID, "link", item.Link)

	exists, err := g.jobs.LinkExists(ctx, channelID, models.NormalizeLink(item.Link))
	if err != nil {
		return false, err
	}
	if exists {
		log.Debug("Dropping duplicate link")
		return false, nil
	}

	for _, title := range []string{item.Title, item.RSSTitle} {
		if title == "" {
			continue
		}
		exists, err := g.jobs.TitleExists(ctx, channelID, title)
		if err != nil {
			return false, err
		}
		if exists {
			log.Debug("Dropping duplicate title", "title", title)
			return false, nil
		}
	}

	if g.platform != nil {
		titles, err := g.platform.PublishedTitles(ctx, channelID)
		if err != nil {
			log.Warn("Platform title lookup failed, skipping check", "error", err)
		} else {
			for _, published := range titles {
				if published == item.Title {
					log.Debug("Dropping title already on platform", "title", item.Title)
					return false, nil
				}
			}
		}
	}

	if g.similarity != nil {
		recent, err := g.jobs.RecentJobs(ctx, channelID, g.RecentWindow)
		if err != nil {
			return false, err
		}
		similar, err := g.similarity.Similar(ctx, item, recent)
		if err != nil {
			log.Warn("Similarity check failed, accepting item", "error", err)
		} else if similar {
			log.Debug("Dropping semantically similar item")
			return false, nil
		}
	}

	if g.safety != nil {
		approved, err := g.safety.Approve(ctx, item)
		if err != nil {
			log.Warn("Safety check failed, rejecting item", "error", err)
			return false, nil
		}
		if !approved {
			log.Info("Item denied by safety filter")
			if err := g.block(ctx, item); err != nil {
				log.Error("Failed to record blocked item", "error", err)
			}
			return false, nil
		}
	}

	return true, nil
}

// block records a safety denial as a terminal job so the same link is
// never re-ingested.
func (g *Gate) block(ctx context.Context, item Item) error {
	job := &models.Job{
		ID:           g.newID(),
		ChannelID:    g.behavior.ChannelID,
		Title:        item.Title,
		RSSTitle:     item.RSSTitle,
		Summary:      item.Summary,
		Link:         item.Link,
		Stage:        models.StageBlocked,
		FailureStep:  models.FailureStepValidation,
		ErrorMessage: "denied by safety filter",
	}
	err := g.jobs.CreateJob(ctx, job)
	if errors.Is(err, store.ErrDuplicateLink) {
		return nil
	}
	return err
}

// admit creates the survivor's job and publishes the new-item event.
func (g *Gate) admit(ctx context.Context, item Item) (*models.Job, error) {
	job := &models.Job{
		ID:        g.newID(),
		ChannelID: g.behavior.ChannelID,
		Title:     item.Title,
		RSSTitle:  item.RSSTitle,
		Summary:   item.Summary,
		Link:      item.Link,
		Stage:     models.StageQueued,
	}
	if err := g.jobs.CreateJob(ctx, job); err != nil {
		// A concurrent gate admitted the same link first.
		if errors.Is(err, store.ErrDuplicateLink) {
			slog.Info("Lost admission race, dropping item", "link", item.Link)
			return nil, nil
		}
		return nil, err
	}

	event := bus.NewItemEvent{
		ChannelID: job.ChannelID,
		VideoID:   job.ID,
		URL:       job.Link,
		Title:     job.Title,
		Summary:   job.Summary,
		RSSTitle:  job.RSSTitle,
	}
	if err := g.pub.Publish(ctx, bus.TopicNewItem, job.Link, event); err != nil {
		return nil, fmt.Errorf("failed to publish new-item event: %w", err)
	}

	slog.Info("Admitted item", "channel", job.ChannelID, "videoId", job.ID, "title", job.Title)
	return job, nil
}

// aggregate synthesizes a single digest item out of a bundle, for
// channels that publish one combined video per poll.
func aggregate(items []Item) Item {
	titles := make([]string, len(items))
	var summary strings.Builder
	for i, item := range items {
		titles[i] = item.Title
		fmt.Fprintf(&summary, "- %s: %s\n", item.Title, item.Summary)
	}
	return Item{
		Title:    titles[0],
		Summary:  summary.String(),
		Link:     items[0].Link,
		RSSTitle: strings.Join(titles, " | "),
	}
}

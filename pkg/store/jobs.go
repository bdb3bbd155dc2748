package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/clipcast/clipcast/pkg/models"
)

// JobUpdate is a patch of non-stage job fields. Nil pointers and nil
// slices leave the column untouched.
type JobUpdate struct {
	Title            *string
	Summary          *string
	Description      *string
	FailureStep      *string
	ErrorMessage     *string
	ValidationErrors []string
	RetryCount       *int
	RegenCount       *int
	Progress         *int
	CurrentStep      *string
	FilePath         *string
	ThumbnailPath    *string
	YoutubeURL       *string
	Tags             []string
	Sources          []string
	Scenes           []string
}

// JobStore is the durable record of every job and its current stage.
// TransitionStage is the only way a job's stage changes.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, id string, upd JobUpdate) error

	// TransitionStage atomically replaces the stage iff the current stage
	// is one of from, applying upd in the same write and bumping
	// updated_at. Returns true iff the row was replaced.
	TransitionStage(ctx context.Context, id string, from []models.Stage, to models.Stage, upd JobUpdate) (bool, error)

	CountActive(ctx context.Context, channelID string) (int, error)
	LinkExists(ctx context.Context, channelID, normalizedLink string) (bool, error)
	TitleExists(ctx context.Context, channelID, title string) (bool, error)
	RecentJobs(ctx context.Context, channelID string, limit int) ([]*models.Job, error)
	OldestInStage(ctx context.Context, channelID string, stage models.Stage) (*models.Job, error)
	LatestInStage(ctx context.Context, channelID string, stage models.Stage) (*models.Job, error)

	// SweepStaleActive fails jobs stuck in an active stage whose updated_at
	// is older than cutoff. Uses conditional writes, so it cannot collide
	// with a live worker that has just progressed the job.
	SweepStaleActive(ctx context.Context, cutoff time.Time) (int, error)

	// DeleteTerminalBefore removes terminal jobs past the retention window.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

const jobColumns = `id, channel_id, title, rss_title, summary, link, stage,
	failure_step, error_message, validation_errors, retry_count, regen_count,
	progress, current_step, file_path, thumbnail_path, youtube_url,
	description, tags, sources, scenes, created_at, updated_at`

// CreateJob inserts a new job. The normalized link is derived here so every
// writer shares the same dedup key.
func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	if job.Stage == "" {
		job.Stage = models.StageQueued
	}
	validationErrs, _ := json.Marshal(job.ValidationErrors)
	tags, _ := json.Marshal(job.Tags)
	sources, _ := json.Marshal(job.Sources)
	scenes, _ := json.Marshal(job.Scenes)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id, channel_id, title, rss_title, summary, link, normalized_link,
			stage, failure_step, error_message, validation_errors,
			retry_count, regen_count, progress, current_step,
			file_path, thumbnail_path, youtube_url, description,
			tags, sources, scenes
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		job.ID, job.ChannelID, job.Title, job.RSSTitle, job.Summary, job.Link,
		models.NormalizeLink(job.Link), job.Stage, job.FailureStep,
		job.ErrorMessage, validationErrs, job.RetryCount, job.RegenCount,
		job.Progress, job.CurrentStep, job.FilePath, job.ThumbnailPath,
		job.YoutubeURL, job.Description, tags, sources, scenes,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateLink
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}

	created, err := s.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	job.CreatedAt = created.CreatedAt
	job.UpdatedAt = created.UpdatedAt
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// UpdateJob applies a patch of non-stage fields and bumps updated_at.
func (s *Store) UpdateJob(ctx context.Context, id string, upd JobUpdate) error {
	sets, args := buildUpdateSets(upd)
	sets = append(sets, "updated_at = clock_timestamp()")
	args = append(args, id)
	query := fmt.Sprintf(
		`UPDATE jobs SET %s WHERE id = $%d`,
		strings.Join(sets, ", "), len(args))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionStage performs the conditional stage write. It never does
// read-then-write: the expected stages are part of the UPDATE predicate.
func (s *Store) TransitionStage(ctx context.Context, id string, from []models.Stage, to models.Stage, upd JobUpdate) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("transition requires at least one expected stage")
	}

	sets := []string{"stage = $1"}
	args := []any{string(to)}
	extraSets, extraArgs := buildUpdateSetsOffset(upd, 2)
	sets = append(sets, extraSets...)
	args = append(args, extraArgs...)

	placeholders := make([]string, len(from))
	for i, st := range from {
		args = append(args, string(st))
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}
	args = append(args, id)

	query := fmt.Sprintf(
		`UPDATE jobs SET %s, updated_at = clock_timestamp()
		 WHERE id = $%d AND stage IN (%s)`,
		strings.Join(sets, ", "), len(args), strings.Join(placeholders, ", "))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition stage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CountActive counts jobs in non-terminal stages for the channel.
func (s *Store) CountActive(ctx context.Context, channelID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE channel_id = $1 AND stage NOT IN ('UPLOADED', 'FAILED', 'BLOCKED')`,
		channelID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}
	return count, nil
}

// LinkExists reports whether any job in the channel holds this normalized
// link. All stages count: a previously uploaded item must not re-enter.
func (s *Store) LinkExists(ctx context.Context, channelID, normalizedLink string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM jobs WHERE channel_id = $1 AND normalized_link = $2
		)`, channelID, normalizedLink).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check link: %w", err)
	}
	return exists, nil
}

// TitleExists reports whether any past job matches the title, either as the
// produced title or as the original feed title.
func (s *Store) TitleExists(ctx context.Context, channelID, title string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM jobs
			WHERE channel_id = $1 AND (title = $2 OR rss_title = $2)
		)`, channelID, title).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check title: %w", err)
	}
	return exists, nil
}

// RecentJobs returns the most recently created jobs for the channel,
// newest first. Used by the semantic-similarity gate.
func (s *Store) RecentJobs(ctx context.Context, channelID string, limit int) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE channel_id = $1 ORDER BY created_at DESC LIMIT $2`,
		channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// OldestInStage returns the oldest job (by created_at) in the given stage,
// or nil when there is none.
func (s *Store) OldestInStage(ctx context.Context, channelID string, stage models.Stage) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE channel_id = $1 AND stage = $2
		 ORDER BY created_at ASC LIMIT 1`,
		channelID, string(stage))
	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return job, err
}

// LatestInStage returns the most recently updated job in the given stage,
// or nil when there is none. The scheduler uses this against UPLOADED for
// the cadence gate.
func (s *Store) LatestInStage(ctx context.Context, channelID string, stage models.Stage) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE channel_id = $1 AND stage = $2
		 ORDER BY updated_at DESC LIMIT 1`,
		channelID, string(stage))
	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return job, err
}

// SweepStaleActive fails jobs abandoned in an active stage. The stage
// predicate makes the sweep safe against live workers: a worker that has
// already progressed the job changed its stage, so the row no longer
// matches.
func (s *Store) SweepStaleActive(ctx context.Context, cutoff time.Time) (int, error) {
	stages := make([]string, len(models.ActiveStages))
	args := []any{cutoff}
	for i, st := range models.ActiveStages {
		args = append(args, string(st))
		stages[i] = fmt.Sprintf("$%d", i+2)
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE jobs
		SET stage = 'FAILED', failure_step = 'STALE',
		    error_message = 'abandoned in stage ' || stage,
		    updated_at = clock_timestamp()
		WHERE updated_at < $1 AND stage IN (%s)`,
		strings.Join(stages, ", ")), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteTerminalBefore removes terminal jobs updated before cutoff.
func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE stage IN ('UPLOADED', 'FAILED', 'BLOCKED') AND updated_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// buildUpdateSets renders the SET clause for a JobUpdate starting at $1.
func buildUpdateSets(upd JobUpdate) ([]string, []any) {
	return buildUpdateSetsOffset(upd, 1)
}

func buildUpdateSetsOffset(upd JobUpdate, start int) ([]string, []any) {
	var sets []string
	var args []any

	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, start+len(args)-1))
	}
	addJSON := func(col string, val []string) {
		b, _ := json.Marshal(val)
		add(col, b)
	}

	if upd.Title != nil {
		add("title", *upd.Title)
	}
	if upd.Summary != nil {
		add("summary", *upd.Summary)
	}
	if upd.Description != nil {
		add("description", *upd.Description)
	}
	if upd.FailureStep != nil {
		add("failure_step", *upd.FailureStep)
	}
	if upd.ErrorMessage != nil {
		add("error_message", *upd.ErrorMessage)
	}
	if upd.ValidationErrors != nil {
		addJSON("validation_errors", upd.ValidationErrors)
	}
	if upd.RetryCount != nil {
		add("retry_count", *upd.RetryCount)
	}
	if upd.RegenCount != nil {
		add("regen_count", *upd.RegenCount)
	}
	if upd.Progress != nil {
		add("progress", *upd.Progress)
	}
	if upd.CurrentStep != nil {
		add("current_step", *upd.CurrentStep)
	}
	if upd.FilePath != nil {
		add("file_path", *upd.FilePath)
	}
	if upd.ThumbnailPath != nil {
		add("thumbnail_path", *upd.ThumbnailPath)
	}
	if upd.YoutubeURL != nil {
		add("youtube_url", *upd.YoutubeURL)
	}
	if upd.Tags != nil {
		addJSON("tags", upd.Tags)
	}
	if upd.Sources != nil {
		addJSON("sources", upd.Sources)
	}
	if upd.Scenes != nil {
		addJSON("scenes", upd.Scenes)
	}
	return sets, args
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var stage string
	var validationErrs, tags, sources, scenes []byte

	err := row.Scan(
		&job.ID, &job.ChannelID, &job.Title, &job.RSSTitle, &job.Summary,
		&job.Link, &stage, &job.FailureStep, &job.ErrorMessage,
		&validationErrs, &job.RetryCount, &job.RegenCount, &job.Progress,
		&job.CurrentStep, &job.FilePath, &job.ThumbnailPath, &job.YoutubeURL,
		&job.Description, &tags, &sources, &scenes,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Stage = models.Stage(stage)
	unmarshalStrings(validationErrs, &job.ValidationErrors)
	unmarshalStrings(tags, &job.Tags)
	unmarshalStrings(sources, &job.Sources)
	unmarshalStrings(scenes, &job.Scenes)
	return &job, nil
}

func unmarshalStrings(raw []byte, dst *[]string) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, dst)
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/clipcast/clipcast/pkg/models"
)

// QuotaStore tracks daily unit consumption against the upload target.
type QuotaStore interface {
	// Units returns the units consumed on the given ISO date (yyyy-MM-dd).
	Units(ctx context.Context, date string) (int, error)

	// AddUnits atomically adds n units to the date's counter and returns
	// the new total.
	AddUnits(ctx context.Context, date string, n int) (int, error)

	// Usage returns the full counter row for the date. A date with no
	// consumption yet reads as zero units.
	Usage(ctx context.Context, date string) (models.QuotaUsage, error)
}

// Units implements QuotaStore.
func (s *Store) Units(ctx context.Context, date string) (int, error) {
	var units int
	err := s.db.QueryRowContext(ctx,
		`SELECT units FROM quota_usage WHERE date = $1`, date).Scan(&units)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read quota: %w", err)
	}
	return units, nil
}

// AddUnits implements QuotaStore with an atomic upsert.
func (s *Store) AddUnits(ctx context.Context, date string, n int) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO quota_usage (date, units) VALUES ($1, $2)
		ON CONFLICT (date) DO UPDATE
		SET units = quota_usage.units + EXCLUDED.units,
		    updated_at = clock_timestamp()
		RETURNING units`,
		date, n).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to add quota units: %w", err)
	}
	return total, nil
}

// Usage implements QuotaStore.
func (s *Store) Usage(ctx context.Context, date string) (models.QuotaUsage, error) {
	usage := models.QuotaUsage{Date: date}
	err := s.db.QueryRowContext(ctx,
		`SELECT units, updated_at FROM quota_usage WHERE date = $1`, date).
		Scan(&usage.Units, &usage.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return usage, nil
	}
	if err != nil {
		return models.QuotaUsage{}, fmt.Errorf("failed to read quota usage: %w", err)
	}
	return usage, nil
}

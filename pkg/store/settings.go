package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/clipcast/clipcast/pkg/models"
)

// SettingsStore holds per-(channel, key) string-valued configuration that
// overrides compiled-in channel defaults.
type SettingsStore interface {
	// GetSetting returns the value and whether it is set.
	GetSetting(ctx context.Context, channelID, key string) (string, bool, error)

	// SetSetting upserts the value.
	SetSetting(ctx context.Context, channelID, key, value string) error

	// ListSettings returns every override for the channel, ordered by key.
	ListSettings(ctx context.Context, channelID string) ([]models.SystemSetting, error)
}

// GetSetting implements SettingsStore.
func (s *Store) GetSetting(ctx context.Context, channelID, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM system_settings WHERE channel_id = $1 AND key = $2`,
		channelID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s/%s: %w", channelID, key, err)
	}
	return value, true, nil
}

// SetSetting implements SettingsStore.
func (s *Store) SetSetting(ctx context.Context, channelID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_settings (channel_id, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (channel_id, key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = clock_timestamp()`,
		channelID, key, value)
	if err != nil {
		return fmt.Errorf("failed to write setting %s/%s: %w", channelID, key, err)
	}
	return nil
}

// ListSettings implements SettingsStore.
func (s *Store) ListSettings(ctx context.Context, channelID string) ([]models.SystemSetting, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, key, value, updated_at FROM system_settings
		WHERE channel_id = $1 ORDER BY key`, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings for %s: %w", channelID, err)
	}
	defer rows.Close()

	var settings []models.SystemSetting
	for rows.Next() {
		var setting models.SystemSetting
		if err := rows.Scan(&setting.ChannelID, &setting.Key, &setting.Value, &setting.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan setting row: %w", err)
		}
		settings = append(settings, setting)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list settings for %s: %w", channelID, err)
	}
	return settings, nil
}

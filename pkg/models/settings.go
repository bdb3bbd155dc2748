package models

import "time"

// QuotaUsage is the per-day counter of consumed units against the upload
// target, keyed by ISO date (yyyy-MM-dd). Incremented atomically by the
// upload worker; read by the upload scheduler.
type QuotaUsage struct {
	Date      string    `json:"date"`
	Units     int       `json:"units"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QuotaDate formats t in the quota table's key format.
func QuotaDate(t time.Time) string {
	return t.Format("2006-01-02")
}

// SystemSetting is a per-(channel, key) string-valued override of a
// compiled-in default. Hot-readable: workers re-read settings on every
// decision point rather than caching them.
type SystemSetting struct {
	ChannelID string    `json:"channel_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Well-known system setting keys.
const (
	SettingMaxGenerationLimit  = "MAX_GENERATION_LIMIT"
	SettingUploadIntervalHours = "UPLOAD_INTERVAL_HOURS"
	SettingUploadBlockedUntil  = "UPLOAD_BLOCKED_UNTIL"
	SettingScriptPrompt        = "SCRIPT_PROMPT"
)

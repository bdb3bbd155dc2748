package models

import (
	"net/url"
	"strings"
	"time"
)

// Job is the unit of pipeline work: one news item on its way to becoming
// an uploaded short. Partitioned by ChannelID; (ChannelID, Link) is unique
// across non-terminal jobs.
type Job struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`

	// Input content. Link is used for duplicate detection after
	// normalization; RSSTitle preserves the feed title when the scripting
	// stage rewrites Title.
	Title    string `json:"title"`
	RSSTitle string `json:"rss_title,omitempty"`
	Summary  string `json:"summary,omitempty"`
	Link     string `json:"link,omitempty"`

	Stage            Stage    `json:"stage"`
	FailureStep      string   `json:"failure_step,omitempty"`
	ErrorMessage     string   `json:"error_message,omitempty"`
	ValidationErrors []string `json:"validation_errors,omitempty"`

	RetryCount int `json:"retry_count"`
	RegenCount int `json:"regen_count"`

	// Observability only; progress callbacks are best-effort.
	Progress    int    `json:"progress"`
	CurrentStep string `json:"current_step,omitempty"`

	// Produced artifacts and metadata.
	FilePath      string   `json:"file_path,omitempty"`
	ThumbnailPath string   `json:"thumbnail_path,omitempty"`
	YoutubeURL    string   `json:"youtube_url,omitempty"`
	Description   string   `json:"description,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Sources       []string `json:"sources,omitempty"`
	Scenes        []string `json:"scenes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MaxUploadRetries bounds the number of upload attempts per job.
const MaxUploadRetries = 3

// MaxRegenerations bounds the number of full pipeline regenerations per job.
const MaxRegenerations = 1

// NormalizeLink reduces a URL to scheme + host + path for duplicate
// detection. Query and fragment are stripped, the host is lowercased, and
// a trailing slash on the path is dropped. Unparseable input is returned
// trimmed so dedup still compares something stable.
func NormalizeLink(link string) string {
	trimmed := strings.TrimSpace(link)
	if trimmed == "" {
		return ""
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return trimmed
	}
	path := strings.TrimSuffix(u.Path, "/")
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + path
}

package bus

import "encoding/json"

// BundleItem is one candidate inside a feed bundle.
type BundleItem struct {
	Title    string `json:"title"`
	Summary  string `json:"summary,omitempty"`
	Link     string `json:"link,omitempty"`
	RSSTitle string `json:"rssTitle,omitempty"`
}

// BundleReceivedEvent is published by the external feed collector once
// per poll. The gate processes the whole bundle as a unit.
type BundleReceivedEvent struct {
	ChannelID string       `json:"channelId"`
	Items     []BundleItem `json:"items"`
}

// NewItemEvent is published by the ingestion gate for each admitted item.
// Keyed by the source URL; VideoID identifies the already-created job.
type NewItemEvent struct {
	ChannelID string `json:"channelId"`
	VideoID   string `json:"videoId"`
	URL       string `json:"url"`
	Title     string `json:"title"`
	Summary   string `json:"summary,omitempty"`
	RSSTitle  string `json:"rssTitle,omitempty"`
}

// ScriptCreatedEvent signals the scripting stage finished.
type ScriptCreatedEvent struct {
	ChannelID string `json:"channelId"`
	VideoID   string `json:"videoId"`
}

// AssetsReadyEvent signals the asset-generation stage finished.
type AssetsReadyEvent struct {
	ChannelID string `json:"channelId"`
	VideoID   string `json:"videoId"`
}

// UploadRequestedEvent is published by the upload scheduler after it
// promoted the job to UPLOADING.
type UploadRequestedEvent struct {
	ChannelID string `json:"channelId"`
	VideoID   string `json:"videoId"`
	FilePath  string `json:"filePath,omitempty"`
}

// VideoUploadedEvent announces a successful upload.
type VideoUploadedEvent struct {
	ChannelID  string `json:"channelId"`
	VideoID    string `json:"videoId"`
	YoutubeURL string `json:"youtubeUrl"`
	Title      string `json:"title,omitempty"`
}

// UploadFailedEvent routes a transient upload failure to the retry
// controller. RetryCount is the number of attempts already consumed.
type UploadFailedEvent struct {
	ChannelID  string `json:"channelId"`
	VideoID    string `json:"videoId"`
	Reason     string `json:"reason"`
	RetryCount int    `json:"retryCount"`
	FilePath   string `json:"filePath,omitempty"`
}

// RegenerationRequestedEvent asks the ingestion path to run the whole
// pipeline again for the same item. FailedFilePath is the artifact path
// of the run being replaced, adopted for diagnostics.
type RegenerationRequestedEvent struct {
	ChannelID      string `json:"channelId"`
	VideoID        string `json:"videoId"`
	Title          string `json:"title"`
	Summary        string `json:"summary,omitempty"`
	Link           string `json:"link,omitempty"`
	FailedFilePath string `json:"failedFilePath,omitempty"`
}

// DeadLetterEvent wraps a message that exhausted bus-level retries.
type DeadLetterEvent struct {
	Topic    string          `json:"topic"`
	Key      string          `json:"key"`
	Reason   string          `json:"reason"`
	Attempts int             `json:"attempts"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// LogEvent is the system-logs record shipped to the log sink.
type LogEvent struct {
	Service string `json:"service"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

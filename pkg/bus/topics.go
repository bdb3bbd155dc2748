package bus

// Topics, keyed as noted. All payloads are self-describing JSON records
// carrying channelId and a correlation id; consumers tolerate additive
// schema changes.
const (
	// TopicBundle carries candidate bundles from the feed collector
	// (key: channelId). The ingestion gate is the only consumer.
	TopicBundle = "ingest.bundle"

	// TopicNewItem carries admitted ingestion items (key: source url).
	TopicNewItem = "ingest.new-item"

	// TopicScriptCreated signals scripting output is ready (key: videoId).
	TopicScriptCreated = "script-created"

	// TopicAssetsReady signals audio/clip assets are ready (key: videoId).
	TopicAssetsReady = "assets-ready"

	// TopicUploadRequested asks the upload worker to publish (key: videoId).
	TopicUploadRequested = "upload-requested"

	// TopicVideoCreated is the legacy upload trigger; consumed
	// equivalently to TopicUploadRequested (key: videoId).
	TopicVideoCreated = "video-created"

	// TopicVideoUploaded announces a successful upload (key: videoId).
	TopicVideoUploaded = "video-uploaded"

	// TopicUploadFailed routes transient upload failures to the retry
	// controller (key: videoId).
	TopicUploadFailed = "upload-failed"

	// TopicRegenerationRequested re-enters the ingestion path for a fresh
	// pipeline run of the same item (key: videoId).
	TopicRegenerationRequested = "regeneration-requested"

	// TopicDeadLetter is the sink for messages that exhausted bus-level
	// retries (key: reason). Inspected out-of-band.
	TopicDeadLetter = "dead-letter"

	// TopicSystemLogs receives structured log events (key: service).
	TopicSystemLogs = "system-logs"
)

// RetryTopic names the retry tier for a topic.
func RetryTopic(topic string) string {
	return topic + ".retry"
}

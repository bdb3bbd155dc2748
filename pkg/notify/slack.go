// Package notify announces upload outcomes to Slack.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/clipcast/clipcast/pkg/models"
)

const postTimeout = 10 * time.Second

// SlackNotifier posts upload outcomes to one Slack channel. A nil
// notifier is a valid no-op, so callers never branch on whether
// notifications are configured.
type SlackNotifier struct {
	api       *goslack.Client
	channelID string
	logger    *slog.Logger
}

// NewSlackNotifier creates a notifier, or nil when token or channel are
// empty (notifications disabled).
func NewSlackNotifier(token, channelID string) *SlackNotifier {
	if token == "" || channelID == "" {
		slog.Info("Slack notifications disabled")
		return nil
	}
	return &SlackNotifier{
		api:       goslack.New(token),
		channelID: channelID,
		logger:    slog.Default().With("component", "slack-notifier"),
	}
}

// NewSlackNotifierFromEnv reads SLACK_BOT_TOKEN and SLACK_CHANNEL_ID.
func NewSlackNotifierFromEnv() *SlackNotifier {
	return NewSlackNotifier(os.Getenv("SLACK_BOT_TOKEN"), os.Getenv("SLACK_CHANNEL_ID"))
}

// NotifyUploaded posts a success message.
func (n *SlackNotifier) NotifyUploaded(ctx context.Context, job *models.Job, url string) {
	if n == nil {
		return
	}
	text := fmt.Sprintf(":white_check_mark: *%s* uploaded\n%s\nchannel: %s",
		job.Title, url, job.ChannelID)
	n.post(ctx, text)
}

// NotifyUploadFailed posts a failure message.
func (n *SlackNotifier) NotifyUploadFailed(ctx context.Context, job *models.Job, reason string) {
	if n == nil {
		return
	}
	text := fmt.Sprintf(":x: *%s* upload failed\nreason: %s\nchannel: %s retries: %d",
		job.Title, reason, job.ChannelID, job.RetryCount)
	n.post(ctx, text)
}

// post is best-effort: a Slack outage never affects the pipeline.
func (n *SlackNotifier) post(ctx context.Context, text string) {
	ctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()

	_, _, err := n.api.PostMessageContext(ctx, n.channelID,
		goslack.MsgOptionText(text, false))
	if err != nil {
		n.logger.Error("chat.postMessage failed", "error", err)
	}
}

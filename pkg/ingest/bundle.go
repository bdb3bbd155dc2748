package ingest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/clipcast/clipcast/pkg/bus"
)

// HandleBundle consumes bundle events from the feed collector and runs
// the admission chain over them. A full channel buffer drops the bundle;
// the next poll brings fresh candidates anyway.
func (g *Gate) HandleBundle(ctx context.Context, msg bus.Message) error {
	var event bus.BundleReceivedEvent
	if err := msg.Decode(&event); err != nil {
		slog.Error("Dropping undecodable bundle event", "key", msg.Key, "error", err)
		return nil
	}
	if !g.behavior.Accepts(event.ChannelID) {
		return nil
	}

	items := make([]Item, len(event.Items))
	for i, it := range event.Items {
		items[i] = Item{
			Title:    it.Title,
			Summary:  it.Summary,
			Link:     it.Link,
			RSSTitle: it.RSSTitle,
		}
	}

	job, err := g.Admit(ctx, items)
	if errors.Is(err, ErrAtCapacity) {
		return nil
	}
	if err != nil {
		return err
	}
	if job == nil {
		slog.Info("Bundle fully filtered, no job created",
			"channel", event.ChannelID, "items", len(event.Items))
	}
	return nil
}

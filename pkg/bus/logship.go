package bus

import (
	"context"
	"log/slog"
)

// LogShipper is a slog.Handler that forwards warn-and-above records to
// TopicSystemLogs while delegating all records to the wrapped handler.
// Shipping is asynchronous through a bounded buffer: a full buffer or a
// failed publish drops the record rather than blocking or re-logging,
// so a broken bus can never feed back into the logger.
type LogShipper struct {
	inner   slog.Handler
	pub     Publisher
	service string
	ch      chan LogEvent
}

// NewLogShipper wraps inner. service names the emitting process in the
// shipped records and keys them so one service's logs stay ordered.
func NewLogShipper(inner slog.Handler, pub Publisher, service string) *LogShipper {
	return &LogShipper{
		inner:   inner,
		pub:     pub,
		service: service,
		ch:      make(chan LogEvent, 256),
	}
}

// Start launches the drain goroutine. It stops when ctx ends.
func (s *LogShipper) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-s.ch:
				// Swallow publish errors: logging them would come straight
				// back through Handle.
				_ = s.pub.Publish(ctx, TopicSystemLogs, event.Service, event)
			}
		}
	}()
}

// Enabled implements slog.Handler.
func (s *LogShipper) Enabled(ctx context.Context, level slog.Level) bool {
	return s.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (s *LogShipper) Handle(ctx context.Context, record slog.Record) error {
	if record.Level >= slog.LevelWarn {
		select {
		case s.ch <- LogEvent{Service: s.service, Level: record.Level.String(), Message: record.Message}:
		default:
		}
	}
	return s.inner.Handle(ctx, record)
}

// WithAttrs implements slog.Handler. Derived handlers share the buffer
// and drain goroutine.
func (s *LogShipper) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *s
	clone.inner = s.inner.WithAttrs(attrs)
	return &clone
}

// WithGroup implements slog.Handler.
func (s *LogShipper) WithGroup(name string) slog.Handler {
	clone := *s
	clone.inner = s.inner.WithGroup(name)
	return &clone
}

package audit

import (
	"context"
	"log/slog"
)

// LogRecorder writes audit events to a structured logger. It is the default
// recorder when no persistent backend is configured.
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder creates a recorder backed by the given logger. A nil logger
// falls back to slog.Default.
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecorder{logger: logger}
}

// Record logs the event at info level.
func (r *LogRecorder) Record(ctx context.Context, event Event) error {
	attrs := []any{
		"event_id", event.ID,
		"session_id", event.SessionID,
		"action", string(event.Action),
		"transport", event.Transport,
	}
	if event.Reason != "" {
		attrs = append(attrs, "reason", event.Reason)
	}
	if event.RemoteAddr != "" {
		attrs = append(attrs, "remote_addr", event.RemoteAddr)
	}
	r.logger.InfoContext(ctx, "session event", attrs...)
	return nil
}

// Close is a no-op for the log recorder.
func (*LogRecorder) Close() error { return nil }

// Verify interface compliance.
var _ Recorder = (*LogRecorder)(nil)

package notify

import "context"

// LogNotifier records every fleet event as a structured log line. It is
// always first in the chain so an event leaves a trace even when every
// external channel is down.
type LogNotifier struct {
	log Logger
}

// NewLogNotifier returns a notifier writing through the given logger.
func NewLogNotifier(log Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Name returns the provider name for logging.
func (l *LogNotifier) Name() string { return "log" }

// Send logs the event at Info level. Fleet events populate only a few fields
// each, so empty ones are elided to keep the line readable.
func (l *LogNotifier) Send(_ context.Context, event Event) error {
	attrs := []any{"type", string(event.Type)}
	if event.ClientID != "" {
		attrs = append(attrs, "client_id", event.ClientID)
	}
	if event.CommandID != "" {
		attrs = append(attrs, "command_id", event.CommandID)
	}
	if event.Command != "" {
		attrs = append(attrs, "command", event.Command)
	}
	if event.Error != "" {
		attrs = append(attrs, "error", event.Error)
	}
	if event.Message != "" {
		attrs = append(attrs, "message", event.Message)
	}
	attrs = append(attrs, "timestamp", event.Timestamp.String())
	l.log.Info("notification event", attrs...)
	return nil
}

package notify

import (
	"context"
	"strings"
)

// filteredNotifier forwards only the event types named on the channel's
// events list. Channels without a list receive everything.
type filteredNotifier struct {
	inner   Notifier
	allowed map[EventType]struct{}
}

// newFilteredNotifier builds the filter from a channel's events list. Entries
// are trimmed and lowercased so hand-written YAML lists match the canonical
// event names; entries that normalise to nothing are skipped. An empty set
// forwards all events.
func newFilteredNotifier(inner Notifier, events []string) *filteredNotifier {
	allowed := make(map[EventType]struct{}, len(events))
	for _, e := range events {
		name := strings.ToLower(strings.TrimSpace(e))
		if name == "" {
			continue
		}
		allowed[EventType(name)] = struct{}{}
	}
	return &filteredNotifier{inner: inner, allowed: allowed}
}

// Name reports the wrapped provider's name so Multi's failure logs point at
// the real channel.
func (f *filteredNotifier) Name() string { return f.inner.Name() }

// Send drops events outside the allowed set; everything else goes to the
// wrapped provider.
func (f *filteredNotifier) Send(ctx context.Context, event Event) error {
	if len(f.allowed) > 0 {
		if _, ok := f.allowed[event.Type]; !ok {
			return nil
		}
	}
	return f.inner.Send(ctx, event)
}

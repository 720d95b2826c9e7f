// Package notify delivers fleet lifecycle events to external systems.
package notify

import (
	"context"
	"sync"
	"time"
)

// EventType identifies what happened in the fleet.
type EventType string

const (
	EventAgentConnected    EventType = "agent_connected"
	EventAgentDisconnected EventType = "agent_disconnected"
	EventAgentReplaced     EventType = "agent_replaced"
	EventAgentExpired      EventType = "agent_expired"
	EventAuthFailed        EventType = "auth_failed"
	EventCommandCompleted  EventType = "command_completed"
	EventCommandTimeout    EventType = "command_timeout"
	EventBroadcastSent     EventType = "broadcast_sent"
	EventDigest            EventType = "digest"
)

// AllEventTypes returns all event types that can be filtered for notifications.
func AllEventTypes() []EventType {
	return []EventType{
		EventAgentConnected,
		EventAgentDisconnected,
		EventAgentReplaced,
		EventAgentExpired,
		EventAuthFailed,
		EventCommandCompleted,
		EventCommandTimeout,
		EventBroadcastSent,
		EventDigest,
	}
}

// Event represents a notification event.
type Event struct {
	Type      EventType `json:"type"`
	ClientID  string    `json:"client_id,omitempty"`
	CommandID string    `json:"command_id,omitempty"`
	Command   string    `json:"command,omitempty"`
	Error     string    `json:"error,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier sends events to an external system.
type Notifier interface {
	Send(ctx context.Context, event Event) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans out events to multiple notifiers.
// It never returns errors; failures are logged but don't block the fleet.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends an event to all registered notifiers.
// Returns true if at least one notifier succeeded (or none are configured).
// Errors are logged but never propagated; notifications must not block
// connection handling.
func (m *Multi) Notify(ctx context.Context, event Event) bool {
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()

	if len(notifiers) == 0 {
		return true
	}

	anyOK := false
	for _, n := range notifiers {
		if err := n.Send(ctx, event); err != nil {
			m.log.Error("notification failed",
				"provider", n.Name(),
				"event", string(event.Type),
				"client_id", event.ClientID,
				"error", err.Error(),
			)
		} else {
			anyOK = true
		}
	}
	return anyOK
}

// Reconfigure replaces the notifier chain at runtime.
func (m *Multi) Reconfigure(notifiers ...Notifier) {
	m.mu.Lock()
	m.notifiers = notifiers
	m.mu.Unlock()
}

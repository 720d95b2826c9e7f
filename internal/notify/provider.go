package notify

import (
	"fmt"
)

// ProviderType identifies a notification provider backend.
type ProviderType string

const (
	ProviderLog     ProviderType = "log"
	ProviderWebhook ProviderType = "webhook"
	ProviderMQTT    ProviderType = "mqtt"
)

// Channel is one configured notification destination, typically declared in
// the server config file.
type Channel struct {
	Type   ProviderType `yaml:"type" json:"type"`
	Events []string     `yaml:"events" json:"events,omitempty"` // which event types this channel receives; nil/empty = all

	// Webhook settings.
	URL     string            `yaml:"url" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`

	// MQTT settings.
	MQTT MQTTSettings `yaml:"mqtt" json:"mqtt,omitempty"`
}

// BuildFilteredNotifier constructs a Notifier from a Channel, wrapping it with
// an event type filter if the channel has a non-empty Events list.
// Channels with no Events filter receive all event types.
func BuildFilteredNotifier(ch Channel, log Logger) (Notifier, error) {
	n, err := BuildNotifier(ch, log)
	if err != nil {
		return nil, err
	}
	if len(ch.Events) == 0 {
		return n, nil
	}
	return newFilteredNotifier(n, ch.Events), nil
}

// BuildNotifier constructs a Notifier from a Channel's type and settings.
func BuildNotifier(ch Channel, log Logger) (Notifier, error) {
	switch ch.Type {
	case ProviderLog:
		return NewLogNotifier(log), nil

	case ProviderWebhook:
		if ch.URL == "" {
			return nil, fmt.Errorf("webhook channel missing url")
		}
		return NewWebhook(ch.URL, ch.Headers), nil

	case ProviderMQTT:
		if ch.MQTT.Broker == "" || ch.MQTT.Topic == "" {
			return nil, fmt.Errorf("mqtt channel missing broker or topic")
		}
		return NewMQTT(ch.MQTT.Broker, ch.MQTT.Topic, ch.MQTT.ClientID,
			ch.MQTT.Username, ch.MQTT.Password, ch.MQTT.QoS), nil

	default:
		return nil, fmt.Errorf("unknown provider type: %q", ch.Type)
	}
}

// BuildNotifiers assembles the notifier chain for a channel list. A bad
// channel fails the whole build so misconfiguration surfaces at startup.
func BuildNotifiers(channels []Channel, log Logger) ([]Notifier, error) {
	out := make([]Notifier, 0, len(channels))
	for i, ch := range channels {
		n, err := BuildFilteredNotifier(ch, log)
		if err != nil {
			return nil, fmt.Errorf("notification channel %d: %w", i, err)
		}
		out = append(out, n)
	}
	return out, nil
}

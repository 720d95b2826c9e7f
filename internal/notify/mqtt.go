package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// mqttTimeout bounds the connect, publish and write phases separately, so a
// stalled broker costs at most a few of these per event.
const mqttTimeout = 10 * time.Second

// MQTTSettings is the broker configuration of an MQTT notification channel.
type MQTTSettings struct {
	Broker   string `yaml:"broker" json:"broker"`
	Topic    string `yaml:"topic" json:"topic"`
	ClientID string `yaml:"client_id" json:"client_id,omitempty"`
	Username string `yaml:"username" json:"username,omitempty"`
	Password string `yaml:"password" json:"password,omitempty"`
	QoS      int    `yaml:"qos" json:"qos,omitempty"`
}

// MQTT publishes fleet events as JSON messages to a broker topic. Each Send
// opens a short-lived connection; events are rare enough that holding a
// session open between them buys nothing.
type MQTT struct {
	broker   string
	topic    string
	clientID string
	username string
	password string
	qos      byte
}

// NewMQTT creates an MQTT notifier. QoS values outside 0-2 fall back to 0;
// an empty client id falls back to "opshub".
func NewMQTT(broker, topic, clientID, username, password string, qos int) *MQTT {
	q := byte(qos)
	if q > 2 {
		q = 0
	}
	if clientID == "" {
		clientID = "opshub"
	}
	return &MQTT{
		broker:   broker,
		topic:    topic,
		clientID: clientID,
		username: username,
		password: password,
		qos:      q,
	}
}

// Name returns the provider name for logging.
func (m *MQTT) Name() string { return "mqtt" }

// Send connects, publishes one event to the configured topic, and
// disconnects.
func (m *MQTT) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(mqttPayload{
		Type:      string(event.Type),
		ClientID:  event.ClientID,
		CommandID: event.CommandID,
		Error:     event.Error,
		Message:   event.Message,
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal mqtt payload: %w", err)
	}

	opts := mqtt.NewClientOptions().
		SetClientID(m.clientID).
		AddBroker(m.broker).
		SetConnectTimeout(mqttTimeout).
		SetWriteTimeout(mqttTimeout)
	if m.username != "" {
		opts.SetUsername(m.username)
		opts.SetPassword(m.password)
	}

	client := mqtt.NewClient(opts)
	if err := waitToken(client.Connect(), "connect"); err != nil {
		return err
	}
	defer client.Disconnect(250)

	return waitToken(client.Publish(m.topic, m.qos, false, body), "publish")
}

// waitToken resolves a paho token with the package timeout.
func waitToken(tok mqtt.Token, op string) error {
	if !tok.WaitTimeout(mqttTimeout) {
		return fmt.Errorf("mqtt %s timeout", op)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt %s: %w", op, err)
	}
	return nil
}

type mqttPayload struct {
	Type      string `json:"type"`
	ClientID  string `json:"client_id,omitempty"`
	CommandID string `json:"command_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}

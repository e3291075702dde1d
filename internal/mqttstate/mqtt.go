// Package mqttstate publishes receiver state and history to an MQTT broker
// so home screen widgets and dashboards can follow the last switched button.
package mqttstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/homectl/rfswitch/internal/engine"
)

// Config defines MQTT broker connection settings
type Config struct {
	Broker         string // e.g. "tcp://localhost:1883"
	User           string
	Password       string
	ClientID       string
	TopicPrefix    string
	PublishTimeout time.Duration
}

// DefaultConfig returns default MQTT settings
func DefaultConfig() Config {
	return Config{
		ClientID:       "rfswitch",
		TopicPrefix:    "rfswitch",
		PublishTimeout: 5 * time.Second,
	}
}

// ErrPublishTimeout is returned when the broker does not confirm a publish in time
var ErrPublishTimeout = errors.New("mqtt publish timed out")

// Manager handles MQTT operations
type Manager interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) error
	IsConnected() bool
	TopicPrefix() string
	AvailabilityTopic() string
}

// manager implements Manager using the paho MQTT client
type manager struct {
	client      mqtt.Client
	topicPrefix string
	timeout     time.Duration
}

// NewManager wraps a connected paho client
func NewManager(client mqtt.Client, topicPrefix string, timeout time.Duration) Manager {
	return &manager{client: client, topicPrefix: topicPrefix, timeout: timeout}
}

func (m *manager) Publish(topic string, qos byte, retained bool, payload interface{}) error {
	var payloadBytes []byte
	switch v := payload.(type) {
	case string:
		payloadBytes = []byte(v)
	case []byte:
		payloadBytes = v
	default:
		var err error
		payloadBytes, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}

	token := m.client.Publish(topic, qos, retained, payloadBytes)
	if m.timeout > 0 {
		if !token.WaitTimeout(m.timeout) {
			return ErrPublishTimeout
		}
	} else {
		token.Wait()
	}
	return token.Error()
}

func (m *manager) IsConnected() bool {
	return m.client.IsConnected()
}

func (m *manager) TopicPrefix() string {
	return m.topicPrefix
}

func (m *manager) AvailabilityTopic() string {
	return fmt.Sprintf("%s/status", m.topicPrefix)
}

// Connect dials the broker and returns a manager; the availability topic
// carries "online" while connected and "offline" as last will
func Connect(config Config) (Manager, mqtt.Client, error) {
	availTopic := fmt.Sprintf("%s/status", config.TopicPrefix)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetUsername(config.User)
	opts.SetPassword(config.Password)
	opts.SetClientID(config.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetWill(availTopic, "offline", 0, true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Printf("Connected to MQTT broker %s", config.Broker)
		c.Publish(availTopic, 0, true, "online")
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		log.Printf("MQTT connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, nil, fmt.Errorf("MQTT connection failed: %w", token.Error())
	}
	return NewManager(client, config.TopicPrefix, config.PublishTimeout), client, nil
}

// Publisher publishes engine updates as retained messages
type Publisher struct {
	mqtt Manager
}

// NewPublisher creates a publisher on top of m
func NewPublisher(m Manager) *Publisher {
	return &Publisher{mqtt: m}
}

// StateTopic is the retained state topic of a receiver
func (p *Publisher) StateTopic(receiverID int64) string {
	return fmt.Sprintf("%s/receivers/%d/state", p.mqtt.TopicPrefix(), receiverID)
}

// HistoryTopic carries the last history line
func (p *Publisher) HistoryTopic() string {
	return p.mqtt.TopicPrefix() + "/history"
}

// StatusTopic carries the last status message
func (p *Publisher) StatusTopic() string {
	return p.mqtt.TopicPrefix() + "/last_status"
}

// Refresh publishes the receivers of an update and its history line
func (p *Publisher) Refresh(u engine.Update) {
	if !p.mqtt.IsConnected() {
		log.Printf("MQTT not connected, skipping widget refresh")
		return
	}

	for _, r := range u.Receivers {
		if err := p.mqtt.Publish(p.StateTopic(r.ReceiverID), 0, true, r); err != nil {
			log.Printf("Failed to publish state of %q: %v", r.Receiver, err)
		}
	}
	if u.History != "" {
		if err := p.mqtt.Publish(p.HistoryTopic(), 0, true, u.History); err != nil {
			log.Printf("Failed to publish history: %v", err)
		}
	}
}

// Status publishes a status message; delivery is best effort
func (p *Publisher) Status(s engine.Status) {
	if !p.mqtt.IsConnected() {
		return
	}
	payload := map[string]string{
		"level":   s.Level.String(),
		"message": s.Message,
		"time":    s.Time.UTC().Format(time.RFC3339),
	}
	if err := p.mqtt.Publish(p.StatusTopic(), 0, false, payload); err != nil {
		log.Printf("Failed to publish status: %v", err)
	}
}

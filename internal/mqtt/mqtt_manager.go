package mqtt

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	eb "mesh-emulator/internal/eventBus"
	"mesh-emulator/internal/logging"
)

// TokenPublisher is the part of mqtt.Client used to publish.
type TokenPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTManager manages the MQTT connection.
type MQTTManager struct {
	client mqtt.Client
	log    logging.Logger
}

// New creates and connects a new MQTTManager.
func New(broker, clientID string, log logging.Logger) (*MQTTManager, error) {
	if log == nil {
		log = logging.Noop()
	}
	log = log.With(logging.String("component", "mqtt"), logging.String("broker", broker))
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn(context.Background(), "connection lost", logging.Err(err))
		})

	m := &MQTTManager{client: mqtt.NewClient(opts), log: log}
	if token := m.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	log.Info(context.Background(), "connected")
	return m, nil
}

// Subscribe subscribes to a specific topic with the desired QoS.
func (m *MQTTManager) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) error {
	token := m.client.Subscribe(topic, qos, callback)
	token.Wait()
	return token.Error()
}

// Publish publishes a message to the given topic.
func (m *MQTTManager) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return m.client.Publish(topic, qos, retained, payload)
}

// Disconnect performs a clean disconnect from the MQTT broker.
func (m *MQTTManager) Disconnect() {
	m.client.Disconnect(250)
	m.log.Info(context.Background(), "disconnected")
}

// EventSink is an observer session that publishes every event on one
// topic.
type EventSink struct {
	id     string
	client TokenPublisher
	topic  string
	qos    byte
	enc    eb.Encoding
	closed atomic.Bool
}

func NewEventSink(client TokenPublisher, topic string, qos byte, enc eb.Encoding) *EventSink {
	return &EventSink{id: "mqtt-" + uuid.NewString(), client: client, topic: topic, qos: qos, enc: enc}
}

func (s *EventSink) ID() string { return s.id }

func (s *EventSink) Send(ctx context.Context, ev eb.Event) error {
	if s.closed.Load() {
		return eb.ErrSessionClosed
	}
	data, err := s.enc.Marshal(ev)
	if err != nil {
		return err
	}
	return wait(ctx, s.client.Publish(s.topic, s.qos, false, data))
}

// Close stops the sink. The connection belongs to the manager.
func (s *EventSink) Close() error {
	s.closed.Store(true)
	return nil
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

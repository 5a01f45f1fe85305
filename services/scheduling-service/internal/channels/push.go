package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/appointly/appointly/services/scheduling-service/internal/delivery"
	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const pushTopicPrefix = "appointly/push/"

// Publisher is the subset of mqtt.Client used for push.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// ConnectMQTT opens an auto-reconnecting client.
func ConnectMQTT(cfg MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect mqtt broker: %w", token.Error())
	}
	return client, nil
}

// PushSender publishes to one MQTT topic per device token with QoS 1.
type PushSender struct {
	pub     Publisher
	timeout time.Duration
}

func NewPushSender(pub Publisher) *PushSender {
	return &PushSender{pub: pub, timeout: 5 * time.Second}
}

type pushPayload struct {
	ID       string            `json:"id"`
	Title    string            `json:"title,omitempty"`
	Body     string            `json:"body"`
	Template string            `json:"template,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
}

func PushTopic(deviceToken string) string {
	return pushTopicPrefix + deviceToken
}

func (s *PushSender) Send(ctx context.Context, attempt domain.DeliveryAttempt) (delivery.Result, error) {
	if s.pub == nil {
		return delivery.Result{}, delivery.Permanent(fmt.Errorf("push: %w", errNotConfigured))
	}
	token := strings.TrimSpace(attempt.Recipient)
	if token == "" || strings.ContainsAny(token, "/#+") {
		return delivery.Result{}, delivery.Permanent(fmt.Errorf("invalid device token"))
	}
	var msg delivery.Message
	if err := json.Unmarshal(attempt.Payload, &msg); err != nil {
		return delivery.Result{}, delivery.Permanent(fmt.Errorf("decode message: %w", err))
	}
	raw, err := json.Marshal(pushPayload{ID: attempt.IdempotencyKey, Title: msg.Subject, Body: msg.Body, Template: msg.Template, Data: msg.Data})
	if err != nil {
		return delivery.Result{}, err
	}

	t := s.pub.Publish(PushTopic(token), 1, false, raw)
	select {
	case <-t.Done():
	case <-ctx.Done():
		return delivery.Result{}, ctx.Err()
	case <-time.After(s.timeout):
		return delivery.Result{}, fmt.Errorf("push publish timed out")
	}
	if err := t.Error(); err != nil {
		return delivery.Result{}, fmt.Errorf("publish push: %w", err)
	}
	return delivery.Result{ExternalID: attempt.IdempotencyKey}, nil
}

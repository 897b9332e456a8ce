package canguard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-redis/redis/v8"
	"github.com/oarkflow/log"
)

// LogAlertSink writes every alert as a structured log line. It is the one
// sink that is always on.
type LogAlertSink struct {
	Logger log.Logger
}

func (s *LogAlertSink) Name() string { return "log" }

func (s *LogAlertSink) Send(_ context.Context, alert *Alert) error {
	s.Logger.Warn().
		Str("kind", string(alert.Kind)).
		Str("anomaly_type", string(alert.Reason)).
		Str("severity", alert.Severity).
		Str("can_id", alert.CANID).
		Uint8("dlc", alert.DLC).
		Str("data", alert.Data).
		Str("details", alert.Detail).
		Msg("intrusion alert")
	return nil
}

// WebhookAlertSink POSTs the alert as JSON to a fixed URL.
type WebhookAlertSink struct {
	URL    string
	Client *http.Client
}

func NewWebhookAlertSink(url string) *WebhookAlertSink {
	return &WebhookAlertSink{
		URL:    url,
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *WebhookAlertSink) Name() string { return "webhook" }

func (s *WebhookAlertSink) Send(ctx context.Context, alert *Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("webhook marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// MQTTAlertSink publishes alerts to a broker topic, the channel the legacy
// IDS reported on.
type MQTTAlertSink struct {
	client mqtt.Client
	topic  string
}

// NewMQTTAlertSink connects to the broker. Connection failure is an error
// here, at startup; publish failures later are swallowed by the dispatch
// accounting.
func NewMQTTAlertSink(broker, clientID, topic string) (*MQTTAlertSink, error) {
	if topic == "" {
		topic = "ids/alerts"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(true)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &MQTTAlertSink{client: client, topic: topic}, nil
}

func (s *MQTTAlertSink) Name() string { return "mqtt" }

func (s *MQTTAlertSink) Send(_ context.Context, alert *Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("mqtt marshal: %w", err)
	}
	token := s.client.Publish(s.topic, 1, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("mqtt publish to %s timed out", s.topic)
	}
	return token.Error()
}

func (s *MQTTAlertSink) Close() {
	s.client.Disconnect(250)
}

// RedisAlertSink publishes alerts on a channel and keeps a capped list of
// recent ones for consumers that poll instead of subscribe.
type RedisAlertSink struct {
	client  *redis.Client
	channel string
	recent  int64
}

func NewRedisAlertSink(addr, channel string, recent int) (*RedisAlertSink, error) {
	if channel == "" {
		channel = "ids/alerts"
	}
	if recent <= 0 {
		recent = 1000
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisAlertSink{client: client, channel: channel, recent: int64(recent)}, nil
}

func (s *RedisAlertSink) Name() string { return "redis" }

func (s *RedisAlertSink) Send(ctx context.Context, alert *Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("redis marshal: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	listKey := s.channel + ":recent"
	if err := s.client.LPush(ctx, listKey, payload).Err(); err != nil {
		return fmt.Errorf("redis lpush: %w", err)
	}
	s.client.LTrim(ctx, listKey, 0, s.recent-1)
	return nil
}

func (s *RedisAlertSink) Close() error {
	return s.client.Close()
}

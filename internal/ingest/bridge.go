// Package ingest implements IngestBridge (spec §10.3/§13): an MQTT
// subscriber that receives captured messages from the browser/bridge
// capture layer on topic "<prefix>/messages/<chat_id>" and feeds them
// into the extraction pipeline. Grounded on the teacher's
// internal/mqtt package: the same autopaho connection-management
// shape as Publisher.Start (TLS-on-mqtts detection,
// AwaitConnection-then-background-retry; no will message is set),
// repurposed from publishing
// Home Assistant sensor state to subscribing for inbound chat
// messages, plus the same atomic-counter rate limiter pattern as
// mqtt.messageRateLimiter.
package ingest

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/radarcore/termind/internal/config"
	"github.com/radarcore/termind/internal/store"
)

// Payload is the wire shape published by the capture layer (spec §6):
// {message_id, chat_id, sender, text, timestamp (ISO-8601 UTC), reply_to?}.
// All fields are required except ReplyTo.
type Payload struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	ReplyTo   string `json:"reply_to,omitempty"`
}

// Pipeline is the downstream consumer of a persisted message: the
// DateGate -> ContextAssembler -> LLMCascade -> ExtractionValidator ->
// AppointmentStore chain. Kept as an interface so this package does
// not need to depend on every one of those packages directly.
type Pipeline interface {
	Handle(ctx context.Context, msg store.Message)
}

// Bridge subscribes to the capture layer's MQTT topic, persists each
// well-formed message, and hands it to Pipeline.
type Bridge struct {
	cfg      config.MQTTConfig
	store    *store.Store
	pipeline Pipeline
	limiter  *rateLimiter
	logger   *slog.Logger
	cm       *autopaho.ConnectionManager
}

// New creates a Bridge but does not connect. Call [Bridge.Start] to
// begin subscribing.
func New(cfg config.MQTTConfig, db *store.Store, pipeline Pipeline, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ingest_bridge")
	return &Bridge{
		cfg:      cfg,
		store:    db,
		pipeline: pipeline,
		limiter:  newRateLimiter(200, time.Minute, logger),
		logger:   logger,
	}
}

// topic returns the wildcard subscription covering every chat_id under
// the configured prefix.
func (b *Bridge) topic() string {
	prefix := strings.TrimSuffix(b.cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "termind"
	}
	return prefix + "/messages/+"
}

// Start connects to the MQTT broker and subscribes to the capture
// topic. It blocks until ctx is cancelled, re-subscribing on every
// (re-)connect the way Publisher.Start re-publishes discovery configs.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker url: %w", err)
	}

	topic := b.topic()
	clientID := b.cfg.ClientID
	if clientID == "" {
		clientID = "termind-ingest"
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt ingest connected", "broker", b.cfg.Broker, "topic", topic)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
			}); err != nil {
				b.logger.Error("mqtt ingest subscribe failed", "topic", topic, "error", err)
			}
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt ingest connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.handle(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt ingest connect: %w", err)
	}
	b.cm = cm

	go b.limiter.start(ctx)

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqtt ingest initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

// Stop disconnects from the broker.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	return b.cm.Disconnect(ctx)
}

// handle parses, persists, and forwards one inbound MQTT publish. It
// never returns an error to the caller: malformed payloads are logged
// and dropped, matching the ingest boundary's "never block the
// connection on one bad message" requirement.
func (b *Bridge) handle(ctx context.Context, topic string, raw []byte) {
	if !b.limiter.allow() {
		return
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		b.logger.Warn("mqtt ingest: invalid json payload", "topic", topic, "error", err)
		return
	}
	if p.MessageID == "" || p.ChatID == "" || p.Sender == "" || p.Text == "" {
		b.logger.Warn("mqtt ingest: missing required field", "topic", topic)
		return
	}

	ts, err := time.Parse(time.RFC3339, p.Timestamp)
	if err != nil {
		b.logger.Debug("mqtt ingest: unparseable timestamp, falling back to now", "topic", topic, "raw", p.Timestamp)
		ts = time.Now().UTC()
	}

	msg := store.Message{
		ID:        p.MessageID,
		ChatID:    p.ChatID,
		Sender:    p.Sender,
		Text:      p.Text,
		Timestamp: ts,
		ReplyTo:   p.ReplyTo,
	}

	if err := b.store.InsertMessage(msg); err != nil {
		b.logger.Error("mqtt ingest: persist message failed", "chat_id", msg.ChatID, "error", err)
		return
	}

	if b.pipeline != nil {
		b.pipeline.Handle(ctx, msg)
	}
}

// rateLimiter tracks inbound message rates and drops messages once the
// configured threshold is exceeded, mirroring mqtt.messageRateLimiter.
type rateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *rateLimiter {
	return &rateLimiter{limit: limit, interval: interval, logger: logger}
}

func (r *rateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt ingest messages dropped due to rate limit",
					"received", count, "dropped", dropped, "interval", r.interval.String(), "limit", r.limit)
			}
		}
	}
}

func (r *rateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}

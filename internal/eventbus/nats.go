package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSEventBus implements EventBus using NATS JetStream
type NATSEventBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
	config *NATSConfig

	subscriptions map[string]*nats.Subscription
	subMutex      sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ EventBus = (*NATSEventBus)(nil)

// NATSConfig holds NATS JetStream configuration
type NATSConfig struct {
	URL                  string        `json:"url" yaml:"url"`
	StreamName           string        `json:"stream_name" yaml:"stream_name"`
	StreamSubjects       []string      `json:"stream_subjects" yaml:"stream_subjects"`
	MaxAge               time.Duration `json:"max_age" yaml:"max_age"`
	MaxBytes             int64         `json:"max_bytes" yaml:"max_bytes"`
	MaxMsgs              int64         `json:"max_msgs" yaml:"max_msgs"`
	Replicas             int           `json:"replicas" yaml:"replicas"`
	Storage              nats.StorageType
	ConnectTimeout       time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	ReconnectWait        time.Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
}

// DefaultNATSConfig returns default NATS configuration
func DefaultNATSConfig() *NATSConfig {
	return &NATSConfig{
		URL:                  nats.DefaultURL,
		StreamName:           "CONTENTFLOW_EVENTS",
		StreamSubjects:       []string{SubjectPrefix + ">"},
		MaxAge:               24 * time.Hour,
		MaxBytes:             256 * 1024 * 1024,
		MaxMsgs:              1000000,
		Replicas:             1,
		Storage:              nats.FileStorage,
		ConnectTimeout:       10 * time.Second,
		ReconnectWait:        2 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// NewNATSEventBus connects and makes sure the stream exists.
func NewNATSEventBus(config *NATSConfig, logger *zap.Logger) (*NATSEventBus, error) {
	if config == nil {
		config = DefaultNATSConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	bus := &NATSEventBus{
		logger:        logger.Named("eventbus"),
		config:        config,
		subscriptions: make(map[string]*nats.Subscription),
		ctx:           ctx,
		cancel:        cancel,
	}

	if err := bus.connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	if err := bus.setupStream(); err != nil {
		cancel()
		bus.conn.Close()
		return nil, fmt.Errorf("failed to setup JetStream: %w", err)
	}

	return bus, nil
}

func (n *NATSEventBus) connect() error {
	opts := []nats.Option{
		nats.Name("contentflow-eventbus"),
		nats.Timeout(n.config.ConnectTimeout),
		nats.ReconnectWait(n.config.ReconnectWait),
		nats.MaxReconnects(n.config.MaxReconnectAttempts),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			n.logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			n.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(n.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS server: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to get JetStream context: %w", err)
	}

	n.conn = conn
	n.js = js

	n.logger.Info("Connected to NATS JetStream",
		zap.String("url", n.config.URL),
		zap.String("stream", n.config.StreamName))
	return nil
}

func (n *NATSEventBus) setupStream() error {
	streamConfig := &nats.StreamConfig{
		Name:       n.config.StreamName,
		Subjects:   n.config.StreamSubjects,
		Retention:  nats.LimitsPolicy,
		MaxAge:     n.config.MaxAge,
		MaxBytes:   n.config.MaxBytes,
		MaxMsgs:    n.config.MaxMsgs,
		Replicas:   n.config.Replicas,
		Storage:    n.config.Storage,
		Duplicates: 5 * time.Minute,
	}

	if _, err := n.js.StreamInfo(n.config.StreamName); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to look up stream: %w", err)
		}
		if _, err := n.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		n.logger.Info("Created JetStream stream", zap.String("stream", n.config.StreamName))
		return nil
	}

	if _, err := n.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// Publish waits for the stream to acknowledge the event. The event id doubles as
// the JetStream message id, so a republished event is deduplicated.
func (n *NATSEventBus) Publish(ctx context.Context, event *Event) error {
	subject := Subject(event.Type)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := n.js.Publish(subject, data, nats.MsgId(event.ID), nats.Context(ctx)); err != nil {
		n.logger.Error("Failed to publish event",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		return fmt.Errorf("failed to publish event: %w", err)
	}

	n.logger.Debug("Published event",
		zap.String("event_id", event.ID),
		zap.String("subject", subject))
	return nil
}

// Subscribe attaches a durable pull consumer for one event type.
func (n *NATSEventBus) Subscribe(ctx context.Context, eventType EventType, handler EventHandler) error {
	return n.subscribe(ctx, string(eventType), Subject(eventType), handler)
}

// SubscribePattern attaches a durable pull consumer for a subject pattern
// relative to the prefix, e.g. "workflow.*" or ">".
func (n *NATSEventBus) SubscribePattern(ctx context.Context, pattern string, handler EventHandler) error {
	return n.subscribe(ctx, pattern, SubjectPrefix+pattern, handler)
}

func (n *NATSEventBus) subscribe(ctx context.Context, key, subject string, handler EventHandler) error {
	n.subMutex.Lock()
	defer n.subMutex.Unlock()

	if _, exists := n.subscriptions[key]; exists {
		return fmt.Errorf("already subscribed to %s", key)
	}

	consumer := consumerName(key)
	sub, err := n.js.PullSubscribe(subject, consumer,
		nats.AckExplicit(),
		nats.DeliverNew(),
		nats.MaxDeliver(3),
		nats.AckWait(30*time.Second))
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}

	n.subscriptions[key] = sub

	n.wg.Add(1)
	go n.processMessages(ctx, sub, handler, key)

	n.logger.Info("Subscribed",
		zap.String("subject", subject),
		zap.String("consumer", consumer))
	return nil
}

func (n *NATSEventBus) processMessages(ctx context.Context, sub *nats.Subscription, handler EventHandler, key string) {
	defer n.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.ctx.Done():
			return
		default:
		}

		msgs, err := sub.Fetch(10, nats.MaxWait(time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if !sub.IsValid() {
				return
			}
			n.logger.Error("Failed to fetch messages", zap.String("subscription", key), zap.Error(err))
			continue
		}

		for _, msg := range msgs {
			var event Event
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				n.logger.Error("Dropping malformed event", zap.String("subscription", key), zap.Error(err))
				_ = msg.Term()
				continue
			}
			if err := handler.Handle(ctx, &event); err != nil {
				n.logger.Error("Failed to handle event",
					zap.String("subscription", key),
					zap.String("event_id", event.ID),
					zap.Error(err))
				_ = msg.Nak()
				continue
			}
			_ = msg.Ack()
		}
	}
}

// Unsubscribe drops a subscription by event type or pattern.
func (n *NATSEventBus) Unsubscribe(key string) error {
	n.subMutex.Lock()
	defer n.subMutex.Unlock()

	sub, exists := n.subscriptions[key]
	if !exists {
		return fmt.Errorf("not subscribed to %s", key)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	delete(n.subscriptions, key)
	return nil
}

// Close stops consumers and drains the connection.
func (n *NATSEventBus) Close() error {
	n.cancel()

	n.subMutex.Lock()
	for key, sub := range n.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			n.logger.Warn("Failed to unsubscribe", zap.String("subscription", key), zap.Error(err))
		}
	}
	n.subscriptions = make(map[string]*nats.Subscription)
	n.subMutex.Unlock()

	n.wg.Wait()

	if n.conn != nil {
		n.conn.Close()
	}
	return nil
}

// StreamInfo returns information about the JetStream stream
func (n *NATSEventBus) StreamInfo() (*nats.StreamInfo, error) {
	return n.js.StreamInfo(n.config.StreamName)
}

// Subject maps an event type onto its NATS subject.
func Subject(eventType EventType) string {
	return SubjectPrefix + string(eventType)
}

func consumerName(key string) string {
	r := strings.NewReplacer(".", "-", "*", "star", ">", "gt")
	return "contentflow-consumer-" + r.Replace(key)
}

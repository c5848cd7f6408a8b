// Package kafka publishes audit events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	audit "auditlog/pkg/platform/audit"
	"auditlog/pkg/platform/retry"
)

const transportName = "kafka"

// Producer is the subset of *kgo.Client the transport needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Config selects brokers and topic.
type Config struct {
	Brokers     []string
	Topic       string
	CreateTopic bool
	Partitions  int32
	Replication int16
}

// Transport produces one record per event, keyed by event id.
type Transport struct {
	producer Producer
	client   *kgo.Client
	topic    string
	policy   retry.Policy
	logger   *slog.Logger
}

// Option configures the Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithRetryPolicy overrides the policy applied to transient failures.
func WithRetryPolicy(p retry.Policy) Option {
	return func(t *Transport) {
		t.policy = p
	}
}

// New wraps an existing producer.
func New(producer Producer, topic string, opts ...Option) (*Transport, error) {
	if producer == nil {
		return nil, errors.New("kafka producer is required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	t := &Transport{
		producer: producer,
		topic:    topic,
		policy:   retry.DefaultPolicy(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Dial creates a kgo client for cfg and, if requested, creates the topic.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Transport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping kafka: %w", err)
	}
	if cfg.CreateTopic {
		if err := EnsureTopic(ctx, kadm.NewClient(client), cfg); err != nil {
			client.Close()
			return nil, err
		}
	}
	t, err := New(client, cfg.Topic, opts...)
	if err != nil {
		client.Close()
		return nil, err
	}
	t.client = client
	return t, nil
}

// TopicCreator is the subset of *kadm.Client used by EnsureTopic.
type TopicCreator interface {
	CreateTopic(ctx context.Context, partitions int32, replicationFactor int16, configs map[string]*string, topic string) (kadm.CreateTopicResponse, error)
}

// EnsureTopic creates cfg.Topic, treating an existing topic as success.
func EnsureTopic(ctx context.Context, admin TopicCreator, cfg Config) error {
	partitions, replication := cfg.Partitions, cfg.Replication
	if partitions <= 0 {
		partitions = 1
	}
	if replication <= 0 {
		replication = 1
	}
	resp, err := admin.CreateTopic(ctx, partitions, replication, nil, cfg.Topic)
	if err == nil {
		err = resp.Err
	}
	if err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", cfg.Topic, err)
	}
	return nil
}

// Kind implements audit.Transport.
func (t *Transport) Kind() string { return transportName }

// RetryPolicy implements audit.RetryPolicer.
func (t *Transport) RetryPolicy() retry.Policy { return t.policy }

// Deliver produces the event and waits for the broker acknowledgement.
func (t *Transport) Deliver(ctx context.Context, event audit.Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return audit.NewPermanentError(transportName, "encode event", 0, err)
	}
	record := &kgo.Record{
		Topic: t.topic,
		Key:   []byte(event.ID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(event.Kind)},
			{Key: "name", Value: []byte(event.Name)},
			{Key: "tenant", Value: []byte(event.Tenant)},
		},
		Timestamp: event.Timestamp,
	}
	if err := t.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		t.logger.WarnContext(ctx, "audit kafka produce failed",
			"event_id", event.ID,
			"topic", t.topic,
			"error", err,
		)
		return classify(err)
	}
	return nil
}

// Close closes the client created by Dial.
func (t *Transport) Close() {
	if t.client != nil {
		t.client.Close()
	}
}

func classify(err error) error {
	var kErr *kerr.Error
	if errors.As(err, &kErr) {
		switch {
		case errors.Is(err, kerr.TopicAuthorizationFailed),
			errors.Is(err, kerr.ClusterAuthorizationFailed),
			errors.Is(err, kerr.SaslAuthenticationFailed):
			return audit.NewAuthError(transportName, kErr.Message, 0, err)
		case kErr.Retriable:
			return audit.NewTransientError(transportName, kErr.Message, 0, err)
		default:
			return audit.NewPermanentError(transportName, kErr.Message, 0, err)
		}
	}
	var netErr net.Error
	if errors.Is(err, kgo.ErrRecordTimeout) || errors.Is(err, kgo.ErrRecordRetries) ||
		errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) ||
		kerr.IsRetriable(err) {
		return audit.NewTransientError(transportName, "broker unavailable", 0, err)
	}
	return audit.NewPermanentError(transportName, "produce event", 0, err)
}

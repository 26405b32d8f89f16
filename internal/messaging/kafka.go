// Package messaging publishes prover lifecycle events to Kafka for fleet
// operators. The event stream is a pure observability surface: publishing is
// best-effort, breaker-protected, and never blocks the proving path.
package messaging

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/gopp/pkg/circuit"
	"github.com/bardlex/gopp/pkg/errors"
	"github.com/bardlex/gopp/pkg/retry"
)

// KafkaClient wraps kafka-go producers with connection pooling per topic
type KafkaClient struct {
	brokers []string
	logger  *slog.Logger

	writers   map[string]*kafka.Writer
	writersMu sync.RWMutex

	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaClient creates a new Kafka client
func NewKafkaClient(brokers []string, logger *slog.Logger) *KafkaClient {
	cbConfig := &circuit.Config{
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
	}

	return &KafkaClient{
		brokers:        brokers,
		logger:         logger,
		writers:        make(map[string]*kafka.Writer),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NetworkConfig(),
	}
}

// GetProducer gets or creates a Kafka producer for a topic
func (k *KafkaClient) GetProducer(topic string) *kafka.Writer {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	// Double-check after acquiring write lock
	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}

	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// PublishJSON marshals an event and publishes it to a topic, protected by
// the circuit breaker and retry policy
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "kafka_marshal",
			"failed to marshal event")
	}

	writer := k.GetProducer(topic)

	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			err := writer.WriteMessages(ctx, kafka.Message{
				Key:   []byte(key),
				Value: data,
			})
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeTelemetry, "kafka_publish",
					"failed to publish event").
					WithContext("topic", topic)
			}
			return nil
		})
	})
}

// PublishSubmission publishes a submission outcome event
func (k *KafkaClient) PublishSubmission(ctx context.Context, event *SubmissionEvent) error {
	return k.PublishJSON(ctx, TopicProverEvents, event.Worker, event)
}

// PublishState publishes a session state transition event
func (k *KafkaClient) PublishState(ctx context.Context, event *StateEvent) error {
	return k.PublishJSON(ctx, TopicProverEvents, event.Worker, event)
}

// PublishSnapshot publishes a periodic stats snapshot event
func (k *KafkaClient) PublishSnapshot(ctx context.Context, event *SnapshotEvent) error {
	return k.PublishJSON(ctx, TopicProverStats, event.Worker, event)
}

// Close closes all producers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	var lastErr error
	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.Error("failed to close Kafka producer", "topic", topic, "error", err)
			lastErr = err
		}
	}
	k.writers = make(map[string]*kafka.Writer)
	return lastErr
}

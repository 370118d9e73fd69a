package telemetry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/dj-oyu/target-relay/internal/config"
	"github.com/dj-oyu/target-relay/internal/logger"
	"github.com/dj-oyu/target-relay/internal/metrics"
	"github.com/dj-oyu/target-relay/internal/session"
)

// Kafka publishes transmission events. Publishing never blocks the session
// loop: when the producer queue is full the event is dropped.
type Kafka struct {
	producer  *kafka.Producer
	topic     string
	sessionID string
	metrics   *metrics.Metrics

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewKafka creates a producer for cfg. m may be nil.
func NewKafka(cfg config.KafkaConfig, sessionID string, m *metrics.Metrics) (*Kafka, error) {
	if !cfg.Enabled() {
		return nil, errors.New("kafka bootstrap servers not configured")
	}

	producerConfig := &kafka.ConfigMap{
		"bootstrap.servers": cfg.BootstrapServers,
		"security.protocol": cfg.SecurityProtocol,
		"client.id":         cfg.ClientID,
		"acks":              "1",
		"linger.ms":         20,
		// Bounded local queue; Produce fails fast instead of buffering stale events
		"queue.buffering.max.messages": 10000,
		"message.timeout.ms":           10000,
	}
	if cfg.SASLMechanism != "" {
		_ = producerConfig.SetKey("sasl.mechanism", cfg.SASLMechanism)
		_ = producerConfig.SetKey("sasl.username", cfg.SASLUsername)
		_ = producerConfig.SetKey("sasl.password", cfg.SASLPassword)
	}

	p, err := kafka.NewProducer(producerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	if m == nil {
		m = metrics.New()
	}

	k := &Kafka{
		producer:  p,
		topic:     cfg.Topic,
		sessionID: sessionID,
		metrics:   m,
	}

	k.wg.Add(1)
	go k.handleEvents()

	logger.Info("Telemetry", "Kafka producer initialized - Topic: %s, Servers: %s, Session: %s",
		cfg.Topic, cfg.BootstrapServers, sessionID)
	return k, nil
}

// handleEvents drains delivery reports until the producer is closed
func (k *Kafka) handleEvents() {
	defer k.wg.Done()

	var failed uint64
	for e := range k.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				failed++
				if failed == 1 || failed%100 == 0 {
					logger.Warn("Telemetry", "Delivery failed (%d total): %v", failed, ev.TopicPartition.Error)
				}
			}
		case kafka.Error:
			logger.Warn("Telemetry", "Producer error: %v", ev)
		}
	}
}

// Transmission implements session.Listener
func (k *Kafka) Transmission(tx session.Transmission) {
	event := NewEvent(k.sessionID, tx)
	payload, err := event.ToJSON()
	if err != nil {
		logger.Warn("Telemetry", "Failed to serialize event: %v", err)
		return
	}

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &k.topic,
			Partition: kafka.PartitionAny,
		},
		Key:       []byte(k.sessionID),
		Value:     payload,
		Timestamp: event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(event.EventID)},
			{Key: "kind", Value: []byte(event.Kind)},
		},
	}

	if err := k.producer.Produce(msg, nil); err != nil {
		k.metrics.TelemetryDropped.Add(1)
		var kerr kafka.Error
		if errors.As(err, &kerr) && kerr.Code() == kafka.ErrQueueFull {
			logger.Debug("Telemetry", "Queue full, dropping event %s", event.EventID)
			return
		}
		logger.Warn("Telemetry", "Produce failed: %v", err)
		return
	}
	k.metrics.TelemetryPublished.Add(1)
}

// Close flushes pending events and shuts the producer down
func (k *Kafka) Close(timeout time.Duration) {
	k.closeOnce.Do(func() {
		if remaining := k.producer.Flush(int(timeout.Milliseconds())); remaining > 0 {
			logger.Warn("Telemetry", "%d events still queued after flush timeout", remaining)
		}
		k.producer.Close()
		k.wg.Wait()
		logger.Info("Telemetry", "Kafka producer closed")
	})
}

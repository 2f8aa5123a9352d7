package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// KafkaSink publishes events as JSON to one topic, keyed by tenant so a
// tenant's events stay ordered within a partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	log      *zap.Logger
}

// KafkaConfig returns the producer settings the sink expects.
func KafkaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_6_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	return cfg
}

// DialKafka connects a sync producer to brokers.
func DialKafka(brokers []string, topic string, log *zap.Logger) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	p, err := sarama.NewSyncProducer(brokers, KafkaConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaSink(p, topic, log), nil
}

func NewKafkaSink(producer sarama.SyncProducer, topic string, log *zap.Logger) *KafkaSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &KafkaSink{producer: producer, topic: topic, log: log}
}

// Emit runs on the dispatcher goroutine, so a slow broker only backs up the
// dispatcher buffer.
func (s *KafkaSink) Emit(_ context.Context, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		s.log.Error("marshal audit event", zap.Error(err))
		return
	}
	_, _, err = s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(e.TenantID),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		s.log.Error("publish audit event", zap.String("topic", s.topic), zap.String("event_type", e.Type), zap.Error(err))
	}
}

func (s *KafkaSink) Close() error {
	if s == nil || s.producer == nil {
		return nil
	}
	return s.producer.Close()
}

package notify

import (
	"encoding/json"

	"alertmonitor/internal/cache"
	"alertmonitor/internal/logger"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// AlertsChannel is the Redis channel the SSE handlers subscribe to.
const AlertsChannel = "price_alerts"

// RedisSink publishes events on the shared Redis channel, which feeds
// the SSE stream (the in-page toast path).
type RedisSink struct{}

func NewRedisSink() *RedisSink { return &RedisSink{} }

func (s *RedisSink) Name() string { return "redis" }
func (s *RedisSink) Push() bool   { return false }

func (s *RedisSink) Deliver(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return cache.PublishMessage(AlertsChannel, string(payload))
}

// KafkaSink produces triggered-alert events to a Kafka topic for
// downstream consumers (email, SMS, push). Modeled as a push sink, so
// the dispatcher's per-coin dedupe applies.
type KafkaSink struct {
	producer *kafka.Producer
	topic    string
}

func NewKafkaSink(broker, topic string) (*KafkaSink, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{"bootstrap.servers": broker})
	if err != nil {
		return nil, err
	}
	return &KafkaSink{producer: p, topic: topic}, nil
}

func (s *KafkaSink) Name() string { return "kafka" }
func (s *KafkaSink) Push() bool   { return true }

func (s *KafkaSink) Deliver(ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &s.topic, Partition: kafka.PartitionAny},
		Value:          value,
	}, nil)
}

func (s *KafkaSink) Close() {
	s.producer.Close()
}

// LogSink records every event in the service log.
type LogSink struct{}

func NewLogSink() *LogSink { return &LogSink{} }

func (s *LogSink) Name() string { return "log" }
func (s *LogSink) Push() bool   { return false }

func (s *LogSink) Deliver(ev Event) error {
	logger.Log.Info("Notification dispatched",
		zap.String("type", ev.Type),
		zap.String("coin", ev.Coin),
		zap.String("message", ev.Message),
	)
	return nil
}

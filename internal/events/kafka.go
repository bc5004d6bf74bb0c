// ABOUTME: Kafka sink forwarding bus events as JSON records keyed by user.
// ABOUTME: Failures are logged and never reach the orchestrator.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/harperreed/healthsync/internal/logging"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events to one topic.
type KafkaSink struct {
	writer  messageWriter
	timeout time.Duration
	logger  *slog.Logger
}

// NewKafkaSink creates a synchronous writer for topic on brokers.
func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) (*KafkaSink, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("kafka sink: brokers and topic are required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return newKafkaSink(writer, logger), nil
}

func newKafkaSink(w messageWriter, logger *slog.Logger) *KafkaSink {
	return &KafkaSink{
		writer:  w,
		timeout: 10 * time.Second,
		logger:  logging.OrDefault(logger).With(logging.Component("kafka")),
	}
}

// Handle writes e. It runs under its own deadline so events drained at
// shutdown still go out.
func (k *KafkaSink) Handle(ctx context.Context, e Event) {
	value, err := json.Marshal(e)
	if err != nil {
		k.logger.Error("encode event", logging.Err(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(e.UserID),
		Value: value,
		Time:  e.At,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
			{Key: "session_id", Value: []byte(e.SessionID)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.logger.Warn("publish event failed",
			slog.String("type", string(e.Type)), slog.String(logging.KeySession, e.SessionID), logging.Err(err))
	}
}

// Close flushes and closes the writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

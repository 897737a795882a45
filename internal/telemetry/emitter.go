// Package telemetry ships control-plane events to an external sink. Emission
// is fire-and-forget: a failed emit is logged and dropped, unlike the audit
// store where write errors surface to the caller.
package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Emitter publishes a named event with structured fields.
type Emitter interface {
	Emit(event string, fields map[string]any)
}

// Nop discards all events.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(string, map[string]any) {}

// Publisher ships events to a kafka topic.
type Publisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewPublisher creates a kafka-backed emitter.
func NewPublisher(brokers []string, topic string, logger *zap.Logger) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
		logger: logger,
	}
}

type envelope struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Emit publishes one event. Failures are logged and swallowed.
func (p *Publisher) Emit(event string, fields map[string]any) {
	payload, err := json.Marshal(envelope{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	})
	if err != nil {
		p.logger.Error("failed to marshal telemetry event", zap.String("event", event), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event),
		Value: payload,
	}); err != nil {
		p.logger.Warn("failed to publish telemetry event", zap.String("event", event), zap.Error(err))
	}
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

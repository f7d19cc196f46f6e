package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/DevoteMe/webhookd/internal/event"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes processed events keyed by their idempotency key, so
// all deliveries of one event land in the same partition.
type KafkaSink struct {
	writer kafkaWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}}
}

// sinkMessage omits the raw payload; consumers get the normalized view only.
type sinkMessage struct {
	ID              string            `json:"id"`
	Provider        event.Provider    `json:"provider"`
	ExternalEventID string            `json:"external_event_id"`
	EventType       string            `json:"event_type"`
	ReceivedAt      time.Time         `json:"received_at"`
	Metadata        map[string]string `json:"metadata"`
}

func (k *KafkaSink) Publish(ctx context.Context, ev *event.InboundEvent) error {
	b, err := json.Marshal(sinkMessage{
		ID:              ev.ID.String(),
		Provider:        ev.Provider,
		ExternalEventID: ev.ExternalEventID,
		EventType:       ev.EventType,
		ReceivedAt:      ev.ReceivedAt,
		Metadata:        ev.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.Key()),
		Value: b,
		Headers: []kafka.Header{
			{Key: "provider", Value: []byte(ev.Provider)},
			{Key: "event_type", Value: []byte(ev.EventType)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

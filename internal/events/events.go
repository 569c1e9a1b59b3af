package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"branch-ledger/internal/domain"
)

const DefaultTopic = "ledger.transaction_committed"

// TransactionCommitted is emitted after a unit of work commits. Records
// holds every log entry written by it.
type TransactionCommitted struct {
	Operation  string                     `json:"operation"`
	Reference  uuid.UUID                  `json:"reference"`
	Amount     decimal.Decimal            `json:"amount"`
	Records    []domain.TransactionRecord `json:"records"`
	OccurredAt time.Time                  `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event TransactionCommitted) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, TransactionCommitted) error { return nil }

func (NopPublisher) Close() error { return nil }

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Publish keys messages by reference.
func (p *KafkaPublisher) Publish(ctx context.Context, event TransactionCommitted) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Reference.String()),
		Value: data,
		Time:  event.OccurredAt,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

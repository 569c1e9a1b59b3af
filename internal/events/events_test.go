package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branch-ledger/internal/domain"
)

func TestNewKafkaPublisherDefaultsTopic(t *testing.T) {
	p := NewKafkaPublisher([]string{"localhost:9092"}, "")
	defer p.Close()
	assert.Equal(t, DefaultTopic, p.writer.Topic)

	p2 := NewKafkaPublisher([]string{"localhost:9092"}, "custom")
	defer p2.Close()
	assert.Equal(t, "custom", p2.writer.Topic)
}

func TestKafkaPublisherFailsWithoutBroker(t *testing.T) {
	p := NewKafkaPublisher([]string{"127.0.0.1:1"}, "")
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err := p.Publish(ctx, TransactionCommitted{Reference: uuid.New(), OccurredAt: time.Now()})
	assert.Error(t, err)
}

func TestTransactionCommittedEncoding(t *testing.T) {
	ref := uuid.New()
	event := TransactionCommitted{
		Operation: "transfer",
		Reference: ref,
		Amount:    decimal.RequireFromString("200.00"),
		Records: []domain.TransactionRecord{
			{ID: 1, Kind: domain.KindTransferOut, Amount: decimal.RequireFromString("200.00"), Reference: ref},
			{ID: 2, Kind: domain.KindTransferIn, Amount: decimal.RequireFromString("200.00"), Reference: ref},
		},
	}

	data, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "transfer", decoded["operation"])
	assert.Equal(t, ref.String(), decoded["reference"])
	assert.Equal(t, "200", decoded["amount"])
	assert.Len(t, decoded["records"], 2)
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), TransactionCommitted{}))
	assert.NoError(t, p.Close())
}

package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruralpay/ledger/internal/logging"
)

func fixedEvent() *Event {
	return &Event{
		ID:               "evt-1",
		Type:             TypeLoyaltyPoints,
		UserID:           "customer",
		BookingID:        "booking-1",
		TransactionCodes: []string{"TX-20260101000000-000001-ABCDEF12"},
		Amount:           decimal.RequireFromString("1000"),
		OccurredAt:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestRedisPublisher_Publish(t *testing.T) {
	ctx := context.Background()

	t.Run("pushes json to the queue", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		pub := NewRedisPublisher(client, "ledger_events", logging.NewDiscardLogger())

		event := fixedEvent()
		data, err := json.Marshal(event)
		require.NoError(t, err)
		mock.ExpectRPush("ledger_events", data).SetVal(1)

		require.NoError(t, pub.Publish(ctx, event))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("redis error is returned", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		pub := NewRedisPublisher(client, "ledger_events", logging.NewDiscardLogger())

		event := fixedEvent()
		data, _ := json.Marshal(event)
		mock.ExpectRPush("ledger_events", data).SetErr(errors.New("READONLY"))

		err := pub.Publish(ctx, event)
		assert.ErrorContains(t, err, "failed to publish loyalty.points")
	})

	t.Run("nil client drops the event", func(t *testing.T) {
		pub := NewRedisPublisher(nil, "ledger_events", logging.NewDiscardLogger())
		assert.NoError(t, pub.Publish(ctx, fixedEvent()))
	})
}

func TestNewEvent(t *testing.T) {
	e := NewEvent(TypeDeposit, "alice", decimal.RequireFromString("50"), "TX-1")
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, TypeDeposit, e.Type)
	assert.Equal(t, []string{"TX-1"}, e.TransactionCodes)
	assert.False(t, e.OccurredAt.IsZero())

	assert.NoError(t, NoopPublisher{}.Publish(context.Background(), e))
}

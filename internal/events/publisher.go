package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Event types pushed to the ledger events queue.
const (
	TypeTransfer      = "ledger.transfer"
	TypeDeposit       = "ledger.deposit"
	TypeWithdrawal    = "ledger.withdrawal"
	TypeLoyaltyPoints = "loyalty.points"
)

// Event is the JSON document downstream subsystems consume.
type Event struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	UserID           string          `json:"user_id"`
	CounterpartyID   string          `json:"counterparty_id,omitempty"`
	BookingID        string          `json:"booking_id,omitempty"`
	TransactionCodes []string        `json:"transaction_codes"`
	Amount           decimal.Decimal `json:"amount"`
	OccurredAt       time.Time       `json:"occurred_at"`
}

// NewEvent stamps a new event with an id and time.
func NewEvent(eventType, userID string, amount decimal.Decimal, codes ...string) *Event {
	return &Event{
		ID:               uuid.New().String(),
		Type:             eventType,
		UserID:           userID,
		TransactionCodes: codes,
		Amount:           amount,
		OccurredAt:       time.Now().UTC(),
	}
}

// Publisher delivers committed ledger events. Publication happens after
// commit, so a failure never affects balances.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// RedisPublisher appends events to a Redis list.
type RedisPublisher struct {
	client *redis.Client
	queue  string
	logger *logrus.Entry
}

func NewRedisPublisher(client *redis.Client, queue string, logger *logrus.Logger) *RedisPublisher {
	return &RedisPublisher{
		client: client,
		queue:  queue,
		logger: logger.WithField("component", "events"),
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, event *Event) error {
	if p.client == nil {
		p.logger.WithField("type", event.Type).Debug("[EVENTS] Redis unavailable, event dropped")
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	if err := p.client.RPush(ctx, p.queue, data).Err(); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"type":  event.Type,
			"queue": p.queue,
		}).Error("[EVENTS] Failed to publish event")
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}

	p.logger.WithFields(logrus.Fields{
		"type":    event.Type,
		"user_id": event.UserID,
	}).Debug("[EVENTS] Event published")
	return nil
}

// NoopPublisher discards events.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, *Event) error { return nil }

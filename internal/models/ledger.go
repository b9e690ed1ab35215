package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet holds the spendable and escrowed funds of a single user.
type Wallet struct {
	ID               string          `json:"id" db:"id"`
	UserID           string          `json:"user_id" db:"user_id"`
	AvailableBalance decimal.Decimal `json:"available_balance" db:"available_balance"`
	LockedBalance    decimal.Decimal `json:"locked_balance" db:"locked_balance"`
	TotalEarned      decimal.Decimal `json:"total_earned" db:"total_earned"`
	TotalSpent       decimal.Decimal `json:"total_spent" db:"total_spent"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// Total is available plus locked funds.
func (w *Wallet) Total() decimal.Decimal {
	return w.AvailableBalance.Add(w.LockedBalance)
}

// Clone returns a detached copy so staged changes never alias committed state.
func (w *Wallet) Clone() *Wallet {
	c := *w
	return &c
}

// SystemState is the singleton row backing the transaction code sequence.
type SystemState struct {
	LastSequence uint64    `json:"last_sequence" db:"last_sequence"`
	LastChecksum string    `json:"last_checksum" db:"last_checksum"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// BookingStatus values mirror the booking service lifecycle.
const (
	BookingStatusPending    = "pending"
	BookingStatusInProgress = "in_progress"
	BookingStatusCompleted  = "completed"
	BookingStatusCancelled  = "cancelled"
)

// Booking is the slice of a booking the escrow flow reads and completes.
type Booking struct {
	ID          string          `json:"id" db:"id"`
	CustomerID  string          `json:"customer_id" db:"customer_id"`
	ProviderID  string          `json:"provider_id" db:"provider_id"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Status      string          `json:"status" db:"status"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Open reports whether funds may still be released or refunded.
func (b *Booking) Open() bool {
	return b.Status != BookingStatusCompleted && b.Status != BookingStatusCancelled
}

// PinSecret is the stored credential used to authorize money movement.
type PinSecret struct {
	UserID      string     `json:"user_id" db:"user_id"`
	Hash        string     `json:"-" db:"hash"`
	Salt        string     `json:"-" db:"salt"`
	Attempts    uint32     `json:"attempts" db:"attempts"`
	LockedUntil *time.Time `json:"locked_until,omitempty" db:"locked_until"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// LockedAt reports whether the secret is locked out at t.
func (p *PinSecret) LockedAt(t time.Time) bool {
	return p.LockedUntil != nil && p.LockedUntil.After(t)
}

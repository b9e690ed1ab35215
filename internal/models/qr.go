package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// QRKind distinguishes reusable from single-use payment codes.
type QRKind string

const (
	QRStatic  QRKind = "static"
	QRDynamic QRKind = "dynamic"
)

// QRCode maps a scannable token to a payee and, for dynamic codes, a fixed amount.
type QRCode struct {
	ID          string           `json:"qr_id" db:"id"`
	OwnerUserID string           `json:"owner_user_id" db:"owner_user_id"`
	Token       string           `json:"token" db:"token"`
	Kind        QRKind           `json:"kind" db:"kind"`
	Amount      *decimal.Decimal `json:"amount,omitempty" db:"amount"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty" db:"expires_at"`
	RedeemedBy  *string          `json:"redeemed_by,omitempty" db:"redeemed_by"`
	RedeemedAt  *time.Time       `json:"redeemed_at,omitempty" db:"redeemed_at"`
	Active      bool             `json:"active" db:"active"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
}

// ExpiredAt reports whether the code has an expiry that has passed at t.
func (q *QRCode) ExpiredAt(t time.Time) bool {
	return q.ExpiresAt != nil && !t.Before(*q.ExpiresAt)
}

// Clone returns a detached copy.
func (q *QRCode) Clone() *QRCode {
	c := *q
	return &c
}

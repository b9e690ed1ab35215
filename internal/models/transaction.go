package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType tags a ledger row.
type TransactionType string

const (
	TxDeposit         TransactionType = "deposit"
	TxWithdraw        TransactionType = "withdraw"
	TxLock            TransactionType = "lock"
	TxRelease         TransactionType = "release"
	TxCommission      TransactionType = "commission"
	TxTransferSend    TransactionType = "transfer_send"
	TxTransferReceive TransactionType = "transfer_receive"
	TxReferralCredit  TransactionType = "referral_credit"
	TxEscrowHold      TransactionType = "escrow_hold"
	TxEscrowRelease   TransactionType = "escrow_release"
	TxEscrowPayout    TransactionType = "escrow_payout"
)

// TransactionStatus is the only financial-row attribute that may change after insert.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusSucceeded TransactionStatus = "succeeded"
	StatusFailed    TransactionStatus = "failed"
	StatusFlagged   TransactionStatus = "flagged"
)

// Transaction is an immutable ledger row. Amount is the signed change of the
// wallet's total holdings (available+locked) and always equals
// BalanceAfter-BalanceBefore. LockedDelta is the signed change of the locked bucket.
type Transaction struct {
	ID             string            `json:"id" db:"id"`
	Code           string            `json:"code" db:"code"`
	UserID         string            `json:"user_id" db:"user_id"`
	BookingID      *string           `json:"booking_id,omitempty" db:"booking_id"`
	Amount         decimal.Decimal   `json:"amount" db:"amount"`
	LockedDelta    decimal.Decimal   `json:"locked_delta" db:"locked_delta"`
	Type           TransactionType   `json:"type" db:"type"`
	Status         TransactionStatus `json:"status" db:"status"`
	BalanceBefore  decimal.Decimal   `json:"balance_before" db:"balance_before"`
	BalanceAfter   decimal.Decimal   `json:"balance_after" db:"balance_after"`
	CounterpartyID *string           `json:"counterparty_id,omitempty" db:"counterparty_id"`
	Description    string            `json:"description" db:"description"`
	Metadata       Metadata          `json:"metadata" db:"metadata"`
	IsFlagged      bool              `json:"is_flagged" db:"is_flagged"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
}

// Clone returns a detached copy.
func (t *Transaction) Clone() *Transaction {
	c := *t
	return &c
}

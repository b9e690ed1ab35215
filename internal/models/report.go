package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerStats is the admin dashboard read model.
type LedgerStats struct {
	WalletCount      int64           `json:"wallet_count"`
	TotalAvailable   decimal.Decimal `json:"total_available"`
	TotalLocked      decimal.Decimal `json:"total_locked"`
	TransactionCount int64           `json:"transaction_count"`
	FlaggedCount     int64           `json:"flagged_count"`
	Volume24h        decimal.Decimal `json:"volume_24h"`
}

// LedgerTotals are the raw sums the reconciliation report compares.
type LedgerTotals struct {
	WalletSum            decimal.Decimal
	LockedSum            decimal.Decimal
	TransactionSum       decimal.Decimal
	LockedTransactionSum decimal.Decimal
}

// ReconciliationReport compares wallet-derived and ledger-derived totals.
type ReconciliationReport struct {
	WalletSum            decimal.Decimal `json:"wallet_sum"`
	TransactionSum       decimal.Decimal `json:"transaction_sum"`
	Difference           decimal.Decimal `json:"difference"`
	LockedSum            decimal.Decimal `json:"locked_sum"`
	LockedTransactionSum decimal.Decimal `json:"locked_transaction_sum"`
	IsBalanced           bool            `json:"is_balanced"`
	GeneratedAt          time.Time       `json:"generated_at"`
}

// UserActivity is the per-user aggregate the risk scorer consumes.
type UserActivity struct {
	UserID               string          `json:"user_id"`
	TxCount              int64           `json:"tx_count"`
	DailyTx              int64           `json:"daily_tx"`
	FlaggedTx            int64           `json:"flagged_tx"`
	UniqueCounterparties int64           `json:"unique_counterparties"`
	AvgAmount            decimal.Decimal `json:"avg_amount"`
	LastActivity         time.Time       `json:"last_activity"`
}

// SuspiciousUser is a scored entry of the suspicious activity report.
type SuspiciousUser struct {
	UserActivity
	RiskScore int      `json:"risk_score"`
	Patterns  []string `json:"patterns"`
}

// CodeStats are the raw counters behind the code integrity report.
type CodeStats struct {
	TotalCodes          int64
	DistinctCodes       int64
	LastSequence        uint64
	HighestCodeSequence uint64
}

// CodeIntegrityReport summarizes transaction code health.
type CodeIntegrityReport struct {
	TotalCodes          int64  `json:"total_codes"`
	DuplicateCount      int64  `json:"duplicate_count"`
	LastSequence        uint64 `json:"last_sequence"`
	ExpectedNext        uint64 `json:"expected_next"`
	HighestCodeSequence uint64 `json:"highest_code_sequence"`
	IsConsistent        bool   `json:"is_consistent"`
}

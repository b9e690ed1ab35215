package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/ruralpay/ledger/internal/models"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique key (code, token, user wallet) already exists.
	ErrDuplicate = errors.New("duplicate record")
	// ErrTxDone is returned when a finished unit of work is used again.
	ErrTxDone = errors.New("unit of work already finished")
)

// Store is the ledger's persistence boundary.
type Store interface {
	Reader
	// Begin opens a unit of work. Every row lock taken through the returned Tx
	// is held until Commit or Rollback; Rollback after Commit is a no-op.
	Begin(ctx context.Context) (Tx, error)
}

// Reader serves lock-free, eventually consistent read models.
type Reader interface {
	GetWallet(ctx context.Context, userID string) (*models.Wallet, error)
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error)
	GetQRCode(ctx context.Context, id string) (*models.QRCode, error)
	GetFlag(ctx context.Context, id string) (*models.TransactionFlag, error)
	ListAuditEntries(ctx context.Context, resourceType, resourceID string) ([]models.AuditLogEntry, error)

	LedgerStats(ctx context.Context, since time.Time) (*models.LedgerStats, error)
	LedgerTotals(ctx context.Context) (*models.LedgerTotals, error)
	UserActivity(ctx context.Context, since time.Time) ([]models.UserActivity, error)
	CodeStats(ctx context.Context) (*models.CodeStats, error)
}

// Tx is a single atomic unit of work.
//
// Lock order: system state, then booking or QR rows, then wallets. LockWallets
// always acquires wallets by ascending owner user id.
type Tx interface {
	Commit() error
	Rollback() error

	LockSystemState(ctx context.Context) (*models.SystemState, error)
	UpdateSystemState(ctx context.Context, state *models.SystemState) error

	FindTransactionByCode(ctx context.Context, code string) (*models.Transaction, error)
	FindDepositByReference(ctx context.Context, provider, reference string) (*models.Transaction, error)
	// FindEscrowHold returns the escrow_hold row of a booking. Callers hold the booking lock.
	FindEscrowHold(ctx context.Context, bookingID string) (*models.Transaction, error)
	InsertTransaction(ctx context.Context, t *models.Transaction) error
	LockTransaction(ctx context.Context, id string) (*models.Transaction, error)
	SetTransactionFlagged(ctx context.Context, id string, flagged bool, at time.Time) error

	InsertWallet(ctx context.Context, w *models.Wallet) error
	LockWallets(ctx context.Context, userIDs ...string) (map[string]*models.Wallet, error)
	UpdateWallet(ctx context.Context, w *models.Wallet) error

	LockPinSecret(ctx context.Context, userID string) (*models.PinSecret, error)
	UpsertPinSecret(ctx context.Context, p *models.PinSecret) error

	InsertQRCode(ctx context.Context, q *models.QRCode) error
	LockQRCodeByToken(ctx context.Context, token string) (*models.QRCode, error)
	LockQRCode(ctx context.Context, id string) (*models.QRCode, error)
	UpdateQRCode(ctx context.Context, q *models.QRCode) error

	LockBooking(ctx context.Context, id string) (*models.Booking, error)
	UpdateBooking(ctx context.Context, b *models.Booking) error

	InsertFlag(ctx context.Context, f *models.TransactionFlag) error
	LockFlag(ctx context.Context, id string) (*models.TransactionFlag, error)
	UpdateFlag(ctx context.Context, f *models.TransactionFlag) error

	InsertAuditEntry(ctx context.Context, e *models.AuditLogEntry) error
}

// canonicalOrder returns the distinct ids sorted ascending; wallets are always locked in this order.
func canonicalOrder(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

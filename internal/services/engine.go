package services

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/ruralpay/ledger/internal/config"
	"github.com/ruralpay/ledger/internal/events"
	"github.com/ruralpay/ledger/internal/hsm"
	"github.com/ruralpay/ledger/internal/logging"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/monitoring"
	"github.com/ruralpay/ledger/internal/repository"
)

// Deps are the collaborators of an Engine. Store and HSM are required.
type Deps struct {
	Store     repository.Store
	HSM       hsm.HSMInterface
	Config    *config.LedgerConfig
	Publisher events.Publisher
	Metrics   *monitoring.Metrics
	Logger    *logrus.Logger
	Now       func() time.Time
}

// Engine is the operation surface of the ledger. Callers are trusted and
// have already authenticated the acting user.
type Engine struct {
	store     repository.Store
	cfg       *config.LedgerConfig
	validator *validator.Validate
	metrics   *monitoring.Metrics
	logger    *logrus.Entry

	seq     *SequenceService
	pins    *PinService
	ledger  *LedgerService
	qr      *QRService
	flags   *FlagService
	reports *ReportService
}

func NewEngine(d Deps) *Engine {
	if d.Config == nil {
		d.Config = config.DefaultLedgerConfig()
	}
	if d.Logger == nil {
		d.Logger = logging.NewDiscardLogger()
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	audit := NewAuditTrail(d.Logger, d.Now)
	seq := NewSequenceService(d.HSM, d.Now)
	pins := NewPinService(d.Store, d.HSM, audit, d.Config, d.Logger, d.Now)
	ledger := NewLedgerService(d.Store, seq, pins, audit, d.Publisher, d.Config, d.Logger, d.Now)

	return &Engine{
		store:     d.Store,
		cfg:       d.Config,
		validator: validator.New(),
		metrics:   d.Metrics,
		logger:    d.Logger.WithField("component", "engine"),
		seq:       seq,
		pins:      pins,
		ledger:    ledger,
		qr:        NewQRService(d.Store, ledger, pins, seq, d.HSM, audit, d.Config, d.Logger, d.Now),
		flags:     NewFlagService(d.Store, audit, d.Metrics, d.Logger, d.Now),
		reports:   NewReportService(d.Store, d.Config.ReconcileEpsilon, d.Metrics, d.Now),
	}
}

func (e *Engine) validate(req any) error {
	if err := e.validator.Struct(req); err != nil {
		return invalidRequest(err)
	}
	return nil
}

// done records the outcome of op and raises a system flag when it was
// rejected for replaying a stored transaction code.
func (e *Engine) done(ctx context.Context, op string, start time.Time, err error) {
	e.metrics.ObserveOperation(op, start, err)
	if err == nil {
		return
	}

	le, ok := AsLedgerError(err)
	if !ok {
		e.logger.WithError(err).WithField("operation", op).Error("[ENGINE] Operation failed")
		return
	}
	if le.Kind == KindInternal {
		e.logger.WithError(err).WithField("operation", op).Error("[ENGINE] Operation failed")
	}
	if le.existingTxID == "" {
		return
	}

	// the rejected unit of work is gone; the flag gets its own
	if _, ferr := e.flags.FlagTransaction(context.WithoutCancel(ctx), le.existingTxID, ReasonDuplicateCode, models.FlaggedBySystem); ferr != nil {
		e.logger.WithError(ferr).WithField("transaction_id", le.existingTxID).Error("[ENGINE] Failed to flag replayed code")
	}
}

// EnsurePlatformWallet provisions the commission wallet if it is missing.
func (e *Engine) EnsurePlatformWallet(ctx context.Context) error {
	_, err := e.ledger.CreateWallet(ctx, e.cfg.PlatformUserID)
	if err != nil && !errors.Is(err, ErrWalletExists) {
		return err
	}
	return nil
}

// AllocateTransactionCode hands out a code in a unit of work of its own.
func (e *Engine) AllocateTransactionCode(ctx context.Context) (code string, err error) {
	defer func(start time.Time) { e.done(ctx, "allocate_code", start, err) }(time.Now())

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return "", internalError("begin", err)
	}
	defer tx.Rollback()

	codes, err := e.seq.Next(ctx, tx, 1)
	if err != nil {
		return "", err
	}
	if err = tx.Commit(); err != nil {
		return "", internalError("commit", err)
	}
	return codes[0], nil
}

// ValidateTransactionCode accepts a code minted by this server that no
// stored transaction carries yet. A code that is already stored is
// rejected with ErrDuplicateCode and flagged.
func (e *Engine) ValidateTransactionCode(ctx context.Context, code string) (err error) {
	defer func(start time.Time) { e.done(ctx, "validate_code", start, err) }(time.Now())

	if err = e.seq.VerifyChecksum(code); err != nil {
		return err
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return internalError("begin", err)
	}
	defer tx.Rollback()
	return e.seq.Validate(ctx, tx, code)
}

func (e *Engine) CreateWallet(ctx context.Context, userID string) (w *models.Wallet, err error) {
	defer func(start time.Time) { e.done(ctx, "create_wallet", start, err) }(time.Now())
	if userID == "" {
		return nil, withDetail(ErrInvalidRequest, "user id is required")
	}
	return e.ledger.CreateWallet(ctx, userID)
}

func (e *Engine) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	return e.ledger.GetWallet(ctx, userID)
}

// ListTransactions returns the newest rows of userID, at most limit.
func (e *Engine) ListTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	if userID == "" {
		return nil, withDetail(ErrInvalidRequest, "user id is required")
	}
	return e.ledger.ListTransactions(ctx, userID, limit)
}

// SetPIN installs the PIN of userID. Replacing an existing PIN requires
// currentPIN and counts as a verification attempt.
func (e *Engine) SetPIN(ctx context.Context, userID, currentPIN, pin string) (err error) {
	defer func(start time.Time) { e.done(ctx, "set_pin", start, err) }(time.Now())
	return e.pins.SetPIN(ctx, userID, currentPIN, pin)
}

func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (res *TransferResult, err error) {
	defer func(start time.Time) { e.done(ctx, "transfer", start, err) }(time.Now())
	if err = e.validate(req); err != nil {
		return nil, err
	}
	return e.ledger.Transfer(ctx, req)
}

func (e *Engine) LockEscrow(ctx context.Context, req LockEscrowRequest) (res *LockEscrowResult, err error) {
	defer func(start time.Time) { e.done(ctx, "lock_escrow", start, err) }(time.Now())
	if err = e.validate(req); err != nil {
		return nil, err
	}
	return e.ledger.LockEscrow(ctx, req)
}

func (e *Engine) ReleaseEscrow(ctx context.Context, req ReleaseEscrowRequest) (res *ReleaseEscrowResult, err error) {
	defer func(start time.Time) { e.done(ctx, "release_escrow", start, err) }(time.Now())
	if err = e.validate(req); err != nil {
		return nil, err
	}
	return e.ledger.ReleaseEscrow(ctx, req)
}

func (e *Engine) RefundEscrow(ctx context.Context, bookingID string) (res *LockEscrowResult, err error) {
	defer func(start time.Time) { e.done(ctx, "refund_escrow", start, err) }(time.Now())
	if bookingID == "" {
		return nil, withDetail(ErrInvalidRequest, "booking id is required")
	}
	return e.ledger.RefundEscrow(ctx, bookingID)
}

func (e *Engine) Deposit(ctx context.Context, req DepositRequest) (res *DepositResult, err error) {
	defer func(start time.Time) { e.done(ctx, "deposit", start, err) }(time.Now())
	if err = e.validate(req); err != nil {
		return nil, err
	}
	return e.ledger.Deposit(ctx, req)
}

func (e *Engine) Withdraw(ctx context.Context, req WithdrawRequest) (res *WithdrawResult, err error) {
	defer func(start time.Time) { e.done(ctx, "withdraw", start, err) }(time.Now())
	if err = e.validate(req); err != nil {
		return nil, err
	}
	return e.ledger.Withdraw(ctx, req)
}

func (e *Engine) CreateStaticQR(ctx context.Context, ownerID string) (res *QRCreated, err error) {
	defer func(start time.Time) { e.done(ctx, "create_static_qr", start, err) }(time.Now())
	if ownerID == "" {
		return nil, withDetail(ErrInvalidRequest, "owner is required")
	}
	return e.qr.CreateStaticQR(ctx, ownerID)
}

// CreateDynamicQR issues a single-use code bound to amount. A non-positive
// expiresInMinutes uses the configured default.
func (e *Engine) CreateDynamicQR(ctx context.Context, ownerID string, amount decimal.Decimal, expiresInMinutes int) (res *QRCreated, err error) {
	defer func(start time.Time) { e.done(ctx, "create_dynamic_qr", start, err) }(time.Now())
	if ownerID == "" {
		return nil, withDetail(ErrInvalidRequest, "owner is required")
	}
	return e.qr.CreateDynamicQR(ctx, ownerID, amount, expiresInMinutes)
}

func (e *Engine) RedeemQR(ctx context.Context, req RedeemQRRequest) (res *QRRedeemed, err error) {
	defer func(start time.Time) { e.done(ctx, "redeem_qr", start, err) }(time.Now())
	if err = e.validate(req); err != nil {
		return nil, err
	}
	return e.qr.RedeemQR(ctx, req)
}

func (e *Engine) DeactivateQR(ctx context.Context, ownerID, qrID string) (err error) {
	defer func(start time.Time) { e.done(ctx, "deactivate_qr", start, err) }(time.Now())
	return e.qr.DeactivateQR(ctx, ownerID, qrID)
}

// RenderQR returns a PNG of an active code owned by ownerID.
func (e *Engine) RenderQR(ctx context.Context, ownerID, qrID string, size int) ([]byte, error) {
	return e.qr.RenderQR(ctx, ownerID, qrID, size)
}

func (e *Engine) FlagTransaction(ctx context.Context, txID, reason, actor string) (flagID string, err error) {
	defer func(start time.Time) { e.done(ctx, "flag_transaction", start, err) }(time.Now())
	return e.flags.FlagTransaction(ctx, txID, reason, actor)
}

func (e *Engine) ResolveFlag(ctx context.Context, flagID, actor, notes string, unblock bool) (txID string, err error) {
	defer func(start time.Time) { e.done(ctx, "resolve_flag", start, err) }(time.Now())
	return e.flags.ResolveFlag(ctx, flagID, actor, notes, unblock)
}

func (e *Engine) AdminStats(ctx context.Context) (*models.LedgerStats, error) {
	return e.reports.AdminStats(ctx)
}

func (e *Engine) ReconciliationReport(ctx context.Context) (*models.ReconciliationReport, error) {
	return e.reports.ReconciliationReport(ctx)
}

func (e *Engine) SuspiciousActivityReport(ctx context.Context) ([]models.SuspiciousUser, error) {
	return e.reports.SuspiciousActivityReport(ctx)
}

func (e *Engine) CodeIntegrityReport(ctx context.Context) (*models.CodeIntegrityReport, error) {
	return e.reports.CodeIntegrityReport(ctx)
}

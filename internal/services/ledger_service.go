package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/ruralpay/ledger/internal/config"
	"github.com/ruralpay/ledger/internal/events"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/repository"
)

var hundred = decimal.NewFromInt(100)

// checkAmount accepts positive amounts with at most two decimal places,
// the precision of the balance columns.
func checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !amount.Equal(amount.Round(2)) {
		return withDetail(ErrInvalidAmount, "amount %s has more than two decimal places", amount.String())
	}
	return nil
}

// TransferRequest moves available funds between two wallets.
type TransferRequest struct {
	SenderID    string          `json:"sender_id" validate:"required,max=64"`
	RecipientID string          `json:"recipient_id" validate:"required,max=64"`
	Amount      decimal.Decimal `json:"amount"`
	PIN         string          `json:"pin" validate:"required"`
	Description string          `json:"description" validate:"max=255"`
}

// TransferResult carries the codes of the debit and credit rows.
type TransferResult struct {
	TxCodeSend    string `json:"tx_code_send"`
	TxCodeReceive string `json:"tx_code_receive"`
}

// LockEscrowRequest holds customer funds against a booking.
type LockEscrowRequest struct {
	CustomerID  string          `json:"customer_id" validate:"required,max=64"`
	BookingID   string          `json:"booking_id" validate:"required,max=64"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description" validate:"max=255"`
}

// LockEscrowResult carries the code of the escrow_hold row.
type LockEscrowResult struct {
	TxCode string `json:"tx_code"`
}

// ReleaseEscrowRequest pays out a booking. A nil rate uses the configured default.
type ReleaseEscrowRequest struct {
	BookingID      string           `json:"booking_id" validate:"required,max=64"`
	CommissionRate *decimal.Decimal `json:"commission_rate,omitempty"`
}

// ReleaseEscrowResult is the split applied on release.
type ReleaseEscrowResult struct {
	ProviderAmount   decimal.Decimal `json:"provider_amount"`
	CommissionAmount decimal.Decimal `json:"commission_amount"`
	TxCodes          []string        `json:"tx_codes"`
}

// DepositRequest is the collector's "deposit succeeded" notification.
type DepositRequest struct {
	UserID      string          `json:"user_id" validate:"required,max=64"`
	Amount      decimal.Decimal `json:"amount"`
	Provider    string          `json:"provider" validate:"required,max=64"`
	Reference   string          `json:"reference" validate:"required,max=128"`
	Description string          `json:"description" validate:"max=255"`
}

// DepositResult reports the credited row; Duplicate is set when the
// provider reference was already applied.
type DepositResult struct {
	TxCode    string `json:"tx_code"`
	Duplicate bool   `json:"duplicate"`
}

// WithdrawRequest debits available funds to an external destination.
type WithdrawRequest struct {
	UserID      string          `json:"user_id" validate:"required,max=64"`
	Amount      decimal.Decimal `json:"amount"`
	PIN         string          `json:"pin" validate:"required"`
	Destination string          `json:"destination" validate:"required,max=128"`
	Reference   string          `json:"reference" validate:"max=128"`
	Description string          `json:"description" validate:"max=255"`
}

// WithdrawResult carries the code of the withdraw row.
type WithdrawResult struct {
	TxCode string `json:"tx_code"`
}

// entry describes the ledger row written alongside a balance change.
type entry struct {
	code         string
	txType       models.TransactionType
	bookingID    string
	counterparty string
	description  string
	payload      models.Payload
}

// LedgerService performs every balance mutation. Each mutation is paired
// with exactly one transaction row in the same unit of work.
type LedgerService struct {
	store     repository.Store
	seq       *SequenceService
	pins      *PinService
	audit     *AuditTrail
	publisher events.Publisher
	cfg       *config.LedgerConfig
	logger    *logrus.Entry
	now       func() time.Time
}

func NewLedgerService(store repository.Store, seq *SequenceService, pins *PinService, audit *AuditTrail, publisher events.Publisher, cfg *config.LedgerConfig, logger *logrus.Logger, now func() time.Time) *LedgerService {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &LedgerService{
		store:     store,
		seq:       seq,
		pins:      pins,
		audit:     audit,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.WithField("component", "ledger"),
		now:       now,
	}
}

// apply mutates a wallet locked by tx and inserts the paired row. Amount on
// the row is the change in total holdings, LockedDelta the change in the
// locked bucket.
func (s *LedgerService) apply(ctx context.Context, tx repository.Tx, w *models.Wallet, deltaAvailable, deltaLocked decimal.Decimal, e entry) (*models.Transaction, error) {
	available := w.AvailableBalance.Add(deltaAvailable)
	locked := w.LockedBalance.Add(deltaLocked)
	if available.IsNegative() || locked.IsNegative() {
		return nil, withDetail(ErrInsufficientFunds, "wallet %s", w.UserID)
	}

	now := s.now().UTC()
	before := w.Total()
	amount := deltaAvailable.Add(deltaLocked)

	w.AvailableBalance = available
	w.LockedBalance = locked
	if amount.IsPositive() {
		w.TotalEarned = w.TotalEarned.Add(amount)
	} else if amount.IsNegative() {
		w.TotalSpent = w.TotalSpent.Sub(amount)
	}
	w.UpdatedAt = now

	if err := tx.UpdateWallet(ctx, w); err != nil {
		return nil, storageError("update wallet", err, nil)
	}

	row := &models.Transaction{
		ID:            uuid.New().String(),
		Code:          e.code,
		UserID:        w.UserID,
		Amount:        amount,
		LockedDelta:   deltaLocked,
		Type:          e.txType,
		Status:        models.StatusSucceeded,
		BalanceBefore: before,
		BalanceAfter:  w.Total(),
		Description:   e.description,
		Metadata:      models.NewMetadata(e.payload),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if e.bookingID != "" {
		bookingID := e.bookingID
		row.BookingID = &bookingID
	}
	if e.counterparty != "" {
		counterparty := e.counterparty
		row.CounterpartyID = &counterparty
	}

	if err := tx.InsertTransaction(ctx, row); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, withDetail(ErrDuplicateCode, "%s", e.code)
		}
		return nil, storageError("insert transaction", err, nil)
	}
	return row, nil
}

func (s *LedgerService) lockWallets(ctx context.Context, tx repository.Tx, userIDs ...string) (map[string]*models.Wallet, error) {
	wallets, err := tx.LockWallets(ctx, userIDs...)
	if err != nil {
		return nil, storageError("lock wallets", err, ErrWalletNotFound)
	}
	return wallets, nil
}

func (s *LedgerService) commit(tx repository.Tx) error {
	if err := tx.Commit(); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return withDetail(ErrDuplicateCode, "commit rejected")
		}
		return internalError("commit", err)
	}
	return nil
}

func (s *LedgerService) publish(ctx context.Context, event *events.Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.WithError(err).WithField("type", event.Type).Warn("[LEDGER] Event not published")
	}
}

// CreateWallet provisions an empty wallet for userID.
func (s *LedgerService) CreateWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, internalError("begin", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	w := &models.Wallet{
		ID:               uuid.New().String(),
		UserID:           userID,
		AvailableBalance: decimal.Zero,
		LockedBalance:    decimal.Zero,
		TotalEarned:      decimal.Zero,
		TotalSpent:       decimal.Zero,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := tx.InsertWallet(ctx, w); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrWalletExists
		}
		return nil, storageError("create wallet", err, nil)
	}
	if err := s.audit.Record(ctx, tx, userID, AuditWalletCreated, "wallet", w.ID, nil, w); err != nil {
		return nil, err
	}
	if err := s.commit(tx); err != nil {
		return nil, err
	}

	s.logger.WithField("user_id", userID).Info("[LEDGER] Wallet created")
	return w, nil
}

// GetWallet returns the committed balances of userID.
func (s *LedgerService) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	w, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, storageError("get wallet", err, ErrWalletNotFound)
	}
	return w, nil
}

// ListTransactions returns the most recent rows of userID.
func (s *LedgerService) ListTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.store.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, internalError("list transactions", err)
	}
	return rows, nil
}

// Transfer verifies the sender's PIN and moves req.Amount to the recipient.
func (s *LedgerService) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if err := s.pins.Verify(ctx, req.SenderID, req.PIN); err != nil {
		return nil, err
	}
	if err := checkAmount(req.Amount); err != nil {
		return nil, err
	}
	if req.SenderID == req.RecipientID {
		return nil, ErrSameAccount
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, internalError("begin", err)
	}
	defer tx.Rollback()

	codes, err := s.seq.Next(ctx, tx, 2)
	if err != nil {
		return nil, err
	}
	result, err := s.transferLocked(ctx, tx, codes, req.SenderID, req.RecipientID, req.Amount, req.Description, "")
	if err != nil {
		return nil, err
	}
	if err := s.commit(tx); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"sender":    req.SenderID,
		"recipient": req.RecipientID,
		"amount":    req.Amount.String(),
		"code":      result.TxCodeSend,
	}).Info("[LEDGER] Transfer completed")

	event := events.NewEvent(events.TypeTransfer, req.SenderID, req.Amount, result.TxCodeSend, result.TxCodeReceive)
	event.CounterpartyID = req.RecipientID
	s.publish(ctx, event)
	return result, nil
}

// transferLocked writes the transfer_send/transfer_receive pair with codes
// already allocated by tx. Callers hold any booking or QR lock they need.
func (s *LedgerService) transferLocked(ctx context.Context, tx repository.Tx, codes []string, senderID, recipientID string, amount decimal.Decimal, description, qrCodeID string) (*TransferResult, error) {
	wallets, err := s.lockWallets(ctx, tx, senderID, recipientID)
	if err != nil {
		return nil, err
	}
	sender, recipient := wallets[senderID], wallets[recipientID]

	if sender.AvailableBalance.LessThan(amount) {
		return nil, withDetail(ErrInsufficientFunds, "available %s, requested %s", sender.AvailableBalance.StringFixed(2), amount.StringFixed(2))
	}

	send, err := s.apply(ctx, tx, sender, amount.Neg(), decimal.Zero, entry{
		code:         codes[0],
		txType:       models.TxTransferSend,
		counterparty: recipientID,
		description:  description,
		payload:      models.TransferPayload{CounterpartCode: codes[1], QRCodeID: qrCodeID},
	})
	if err != nil {
		return nil, err
	}
	receive, err := s.apply(ctx, tx, recipient, amount, decimal.Zero, entry{
		code:         codes[1],
		txType:       models.TxTransferReceive,
		counterparty: senderID,
		description:  description,
		payload:      models.TransferPayload{CounterpartCode: codes[0], QRCodeID: qrCodeID},
	})
	if err != nil {
		return nil, err
	}

	if err := s.audit.Record(ctx, tx, senderID, AuditTransfer, "transaction", send.ID, nil, map[string]any{
		"recipient":       recipientID,
		"amount":          amount,
		"tx_code_send":    send.Code,
		"tx_code_receive": receive.Code,
	}); err != nil {
		return nil, err
	}
	return &TransferResult{TxCodeSend: send.Code, TxCodeReceive: receive.Code}, nil
}

// LockEscrow moves req.Amount from the customer's available to locked bucket.
func (s *LedgerService) LockEscrow(ctx context.Context, req LockEscrowRequest) (*LockEscrowResult, error) {
	if err := checkAmount(req.Amount); err != nil {
		return nil, err
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, internalError("begin", err)
	}
	defer tx.Rollback()

	codes, err := s.seq.Next(ctx, tx, 1)
	if err != nil {
		return nil, err
	}

	booking, err := tx.LockBooking(ctx, req.BookingID)
	if err != nil {
		return nil, storageError("lock booking", err, ErrBookingNotFound)
	}
	if !booking.Open() {
		return nil, ErrBookingClosed
	}
	if booking.CustomerID != req.CustomerID {
		return nil, ErrBookingMismatch
	}
	if !req.Amount.Equal(booking.Price) {
		return nil, withDetail(ErrEscrowAmountMismatch, "price %s, requested %s", booking.Price.StringFixed(2), req.Amount.StringFixed(2))
	}
	if _, err := tx.FindEscrowHold(ctx, booking.ID); err == nil {
		return nil, ErrEscrowAlreadyHeld
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, storageError("find escrow hold", err, nil)
	}

	wallets, err := s.lockWallets(ctx, tx, req.CustomerID)
	if err != nil {
		return nil, err
	}
	row, err := s.apply(ctx, tx, wallets[req.CustomerID], req.Amount.Neg(), req.Amount, entry{
		code:        codes[0],
		txType:      models.TxEscrowHold,
		bookingID:   req.BookingID,
		description: req.Description,
		payload:     models.EscrowPayload{BookingID: req.BookingID, Price: booking.Price},
	})
	if err != nil {
		return nil, err
	}

	if err := s.audit.Record(ctx, tx, req.CustomerID, AuditEscrowLocked, "booking", req.BookingID, nil, map[string]any{
		"amount":  req.Amount,
		"tx_code": row.Code,
	}); err != nil {
		return nil, err
	}
	if err := s.commit(tx); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"customer": req.CustomerID,
		"booking":  req.BookingID,
		"amount":   req.Amount.String(),
	}).Info("[ESCROW] Funds locked")
	return &LockEscrowResult{TxCode: row.Code}, nil
}

// requireHold fails unless bookingID has an escrow_hold row. Callers hold
// the booking lock.
func (s *LedgerService) requireHold(ctx context.Context, tx repository.Tx, bookingID string) error {
	_, err := tx.FindEscrowHold(ctx, bookingID)
	if err != nil {
		return storageError("find escrow hold", err, ErrEscrowNotHeld)
	}
	return nil
}

// SplitCommission returns (commission, provider amount) for price at rate
// percent. The commission is rounded to cents and the provider receives
// the remainder, so the two always sum to price.
func SplitCommission(price, rate decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	commission := price.Mul(rate).Div(hundred).Round(2)
	return commission, price.Sub(commission)
}

// ReleaseEscrow completes a booking: the customer's locked price leaves the
// ledger to the provider and the platform commission wallet.
func (s *LedgerService) ReleaseEscrow(ctx context.Context, req ReleaseEscrowRequest) (*ReleaseEscrowResult, error) {
	rate := s.cfg.CommissionRate
	if req.CommissionRate != nil {
		rate = *req.CommissionRate
	}
	if rate.IsNegative() || rate.GreaterThan(hundred) {
		return nil, ErrInvalidCommission
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, internalError("begin", err)
	}
	defer tx.Rollback()

	codes, err := s.seq.Next(ctx, tx, 3)
	if err != nil {
		return nil, err
	}

	booking, err := tx.LockBooking(ctx, req.BookingID)
	if err != nil {
		return nil, storageError("lock booking", err, ErrBookingNotFound)
	}
	if !booking.Open() {
		return nil, ErrBookingClosed
	}
	if err := s.requireHold(ctx, tx, booking.ID); err != nil {
		return nil, err
	}

	price := booking.Price
	commission, providerAmount := SplitCommission(price, rate)
	platformID := s.cfg.PlatformUserID

	wallets, err := s.lockWallets(ctx, tx, booking.CustomerID, booking.ProviderID, platformID)
	if err != nil {
		return nil, err
	}

	payload := models.EscrowPayload{
		BookingID:      booking.ID,
		Price:          price,
		CommissionRate: rate,
		Commission:     commission,
		ProviderAmount: providerAmount,
	}

	release, err := s.apply(ctx, tx, wallets[booking.CustomerID], decimal.Zero, price.Neg(), entry{
		code:         codes[0],
		txType:       models.TxEscrowRelease,
		bookingID:    booking.ID,
		counterparty: booking.ProviderID,
		description:  "Escrow release for booking " + booking.ID,
		payload:      payload,
	})
	if err != nil {
		return nil, err
	}
	payout, err := s.apply(ctx, tx, wallets[booking.ProviderID], providerAmount, decimal.Zero, entry{
		code:         codes[1],
		txType:       models.TxEscrowPayout,
		bookingID:    booking.ID,
		counterparty: booking.CustomerID,
		description:  "Payout for booking " + booking.ID,
		payload:      payload,
	})
	if err != nil {
		return nil, err
	}
	fee, err := s.apply(ctx, tx, wallets[platformID], commission, decimal.Zero, entry{
		code:         codes[2],
		txType:       models.TxCommission,
		bookingID:    booking.ID,
		counterparty: booking.ProviderID,
		description:  "Commission for booking " + booking.ID,
		payload:      payload,
	})
	if err != nil {
		return nil, err
	}

	old := booking.Status
	now := s.now().UTC()
	booking.Status = models.BookingStatusCompleted
	booking.CompletedAt = &now
	booking.UpdatedAt = now
	if err := tx.UpdateBooking(ctx, booking); err != nil {
		return nil, storageError("complete booking", err, nil)
	}

	if err := s.audit.Record(ctx, tx, booking.CustomerID, AuditEscrowReleased, "booking", booking.ID,
		map[string]any{"status": old},
		map[string]any{"status": booking.Status, "commission": commission, "provider_amount": providerAmount},
	); err != nil {
		return nil, err
	}
	if err := s.commit(tx); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"booking":         booking.ID,
		"price":           price.String(),
		"commission":      commission.String(),
		"provider_amount": providerAmount.String(),
	}).Info("[ESCROW] Funds released")

	event := events.NewEvent(events.TypeLoyaltyPoints, booking.CustomerID, price, release.Code, payout.Code, fee.Code)
	event.CounterpartyID = booking.ProviderID
	event.BookingID = booking.ID
	s.publish(ctx, event)

	return &ReleaseEscrowResult{
		ProviderAmount:   providerAmount,
		CommissionAmount: commission,
		TxCodes:          []string{release.Code, payout.Code, fee.Code},
	}, nil
}

// RefundEscrow returns a booking's held price to the customer and cancels it.
func (s *LedgerService) RefundEscrow(ctx context.Context, bookingID string) (*LockEscrowResult, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, internalError("begin", err)
	}
	defer tx.Rollback()

	codes, err := s.seq.Next(ctx, tx, 1)
	if err != nil {
		return nil, err
	}

	booking, err := tx.LockBooking(ctx, bookingID)
	if err != nil {
		return nil, storageError("lock booking", err, ErrBookingNotFound)
	}
	if !booking.Open() {
		return nil, ErrBookingClosed
	}
	if err := s.requireHold(ctx, tx, booking.ID); err != nil {
		return nil, err
	}

	wallets, err := s.lockWallets(ctx, tx, booking.CustomerID)
	if err != nil {
		return nil, err
	}
	row, err := s.apply(ctx, tx, wallets[booking.CustomerID], booking.Price, booking.Price.Neg(), entry{
		code:        codes[0],
		txType:      models.TxRelease,
		bookingID:   booking.ID,
		description: "Escrow refund for booking " + booking.ID,
		payload:     models.EscrowPayload{BookingID: booking.ID, Price: booking.Price},
	})
	if err != nil {
		return nil, err
	}

	old := booking.Status
	booking.Status = models.BookingStatusCancelled
	booking.UpdatedAt = s.now().UTC()
	if err := tx.UpdateBooking(ctx, booking); err != nil {
		return nil, storageError("cancel booking", err, nil)
	}
	if err := s.audit.Record(ctx, tx, booking.CustomerID, AuditEscrowRefunded, "booking", booking.ID,
		map[string]any{"status": old}, map[string]any{"status": booking.Status, "tx_code": row.Code}); err != nil {
		return nil, err
	}
	if err := s.commit(tx); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"booking": booking.ID,
		"amount":  booking.Price.String(),
	}).Info("[ESCROW] Funds refunded")
	return &LockEscrowResult{TxCode: row.Code}, nil
}

// Deposit credits a collector-confirmed payment. A repeated provider
// reference returns the original row instead of crediting twice.
func (s *LedgerService) Deposit(ctx context.Context, req DepositRequest) (*DepositResult, error) {
	if err := checkAmount(req.Amount); err != nil {
		return nil, err
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, internalError("begin", err)
	}
	defer tx.Rollback()

	if dup, err := s.findDeposit(ctx, tx, req); dup != nil || err != nil {
		return dup, err
	}

	codes, err := s.seq.Next(ctx, tx, 1)
	if err != nil {
		return nil, err
	}
	// A concurrent delivery of the same reference may have committed while
	// the sequence lock was awaited.
	if dup, err := s.findDeposit(ctx, tx, req); dup != nil || err != nil {
		return dup, err
	}

	wallets, err := s.lockWallets(ctx, tx, req.UserID)
	if err != nil {
		return nil, err
	}
	row, err := s.apply(ctx, tx, wallets[req.UserID], req.Amount, decimal.Zero, entry{
		code:        codes[0],
		txType:      models.TxDeposit,
		description: req.Description,
		payload:     models.DepositPayload{Provider: req.Provider, Reference: req.Reference},
	})
	if err != nil {
		return nil, err
	}

	if err := s.audit.Record(ctx, tx, req.UserID, AuditDeposit, "transaction", row.ID, nil, map[string]any{
		"amount":    req.Amount,
		"provider":  req.Provider,
		"reference": req.Reference,
	}); err != nil {
		return nil, err
	}
	if err := s.commit(tx); err != nil {
		return nil, err
	}

	s.publish(ctx, events.NewEvent(events.TypeDeposit, req.UserID, req.Amount, row.Code))
	return &DepositResult{TxCode: row.Code}, nil
}

// findDeposit returns the result of an earlier deposit carrying req's
// provider reference, or nil when there is none.
func (s *LedgerService) findDeposit(ctx context.Context, tx repository.Tx, req DepositRequest) (*DepositResult, error) {
	existing, err := tx.FindDepositByReference(ctx, req.Provider, req.Reference)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageError("find deposit", err, nil)
	}
	s.logger.WithFields(logrus.Fields{
		"provider":  req.Provider,
		"reference": req.Reference,
	}).Info("[LEDGER] Duplicate deposit notification ignored")
	return &DepositResult{TxCode: existing.Code, Duplicate: true}, nil
}

// Withdraw verifies the PIN and debits available funds.
func (s *LedgerService) Withdraw(ctx context.Context, req WithdrawRequest) (*WithdrawResult, error) {
	if err := s.pins.Verify(ctx, req.UserID, req.PIN); err != nil {
		return nil, err
	}
	if err := checkAmount(req.Amount); err != nil {
		return nil, err
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, internalError("begin", err)
	}
	defer tx.Rollback()

	codes, err := s.seq.Next(ctx, tx, 1)
	if err != nil {
		return nil, err
	}
	wallets, err := s.lockWallets(ctx, tx, req.UserID)
	if err != nil {
		return nil, err
	}
	row, err := s.apply(ctx, tx, wallets[req.UserID], req.Amount.Neg(), decimal.Zero, entry{
		code:        codes[0],
		txType:      models.TxWithdraw,
		description: req.Description,
		payload:     models.WithdrawalPayload{Destination: req.Destination, Reference: req.Reference},
	})
	if err != nil {
		return nil, err
	}

	if err := s.audit.Record(ctx, tx, req.UserID, AuditWithdraw, "transaction", row.ID, nil, map[string]any{
		"amount":      req.Amount,
		"destination": req.Destination,
	}); err != nil {
		return nil, err
	}
	if err := s.commit(tx); err != nil {
		return nil, err
	}

	s.publish(ctx, events.NewEvent(events.TypeWithdrawal, req.UserID, req.Amount, row.Code))
	return &WithdrawResult{TxCode: row.Code}, nil
}

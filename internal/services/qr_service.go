package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"

	"github.com/ruralpay/ledger/internal/config"
	"github.com/ruralpay/ledger/internal/events"
	"github.com/ruralpay/ledger/internal/hsm"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/repository"
)

// RedeemQRRequest pays the owner of a QR code. Amount must be set for
// static codes; for dynamic codes it may be omitted.
type RedeemQRRequest struct {
	Token       string           `json:"token" validate:"required,max=64"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	PayerID     string           `json:"payer_id" validate:"required,max=64"`
	PIN         string           `json:"pin" validate:"required"`
	Description string           `json:"description" validate:"max=255"`
}

// QRCreated is returned when a code is issued.
type QRCreated struct {
	QRID      string           `json:"qr_id"`
	Token     string           `json:"token"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
}

// QRRedeemed is the transfer result of a redemption plus the paid amount.
type QRRedeemed struct {
	TransferResult
	QRID   string          `json:"qr_id"`
	Amount decimal.Decimal `json:"amount"`
}

// QRService issues and redeems payment QR codes on top of the ledger
// transfer primitive.
type QRService struct {
	store  repository.Store
	ledger *LedgerService
	pins   *PinService
	seq    *SequenceService
	hsm    hsm.HSMInterface
	audit  *AuditTrail
	expiry time.Duration
	logger *logrus.Entry
	now    func() time.Time
}

func NewQRService(store repository.Store, ledger *LedgerService, pins *PinService, seq *SequenceService, hsmInstance hsm.HSMInterface, audit *AuditTrail, cfg *config.LedgerConfig, logger *logrus.Logger, now func() time.Time) *QRService {
	return &QRService{
		store:  store,
		ledger: ledger,
		pins:   pins,
		seq:    seq,
		hsm:    hsmInstance,
		audit:  audit,
		expiry: cfg.QRDefaultExpiry,
		logger: logger.WithField("component", "qr"),
		now:    now,
	}
}

func (s *QRService) CreateStaticQR(ctx context.Context, ownerID string) (*QRCreated, error) {
	return s.create(ctx, ownerID, models.QRStatic, nil, nil)
}

// CreateDynamicQR issues a single-use code for amount. expiresInMinutes <= 0
// falls back to the configured expiry.
func (s *QRService) CreateDynamicQR(ctx context.Context, ownerID string, amount decimal.Decimal, expiresInMinutes int) (*QRCreated, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	ttl := s.expiry
	if expiresInMinutes > 0 {
		ttl = time.Duration(expiresInMinutes) * time.Minute
	}
	expiresAt := s.now().UTC().Add(ttl)
	return s.create(ctx, ownerID, models.QRDynamic, &amount, &expiresAt)
}

func (s *QRService) create(ctx context.Context, ownerID string, kind models.QRKind, amount *decimal.Decimal, expiresAt *time.Time) (*QRCreated, error) {
	if _, err := s.store.GetWallet(ctx, ownerID); err != nil {
		return nil, storageError("get wallet", err, ErrWalletNotFound)
	}

	token, err := s.hsm.GenerateToken()
	if err != nil {
		return nil, internalError("generate QR token", err)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, internalError("begin", err)
	}
	defer tx.Rollback()

	q := &models.QRCode{
		ID:          uuid.New().String(),
		OwnerUserID: ownerID,
		Token:       token,
		Kind:        kind,
		Amount:      amount,
		ExpiresAt:   expiresAt,
		Active:      true,
		CreatedAt:   s.now().UTC(),
	}
	if err := tx.InsertQRCode(ctx, q); err != nil {
		return nil, storageError("create QR code", err, nil)
	}
	if err := s.audit.Record(ctx, tx, ownerID, AuditQRCreated, "qr_code", q.ID, nil, map[string]any{
		"kind":       kind,
		"amount":     amount,
		"expires_at": expiresAt,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, internalError("commit", err)
	}

	s.logger.WithFields(logrus.Fields{
		"owner": ownerID,
		"qr_id": q.ID,
		"kind":  kind,
	}).Info("[QR] Code issued")
	return &QRCreated{QRID: q.ID, Token: token, Amount: amount, ExpiresAt: expiresAt}, nil
}

// checkRedeemable resolves the amount to pay for q, or the reason it cannot be paid.
func checkRedeemable(q *models.QRCode, payerID string, supplied *decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	if !q.Active && q.RedeemedAt == nil {
		return decimal.Zero, ErrQRNotFound
	}
	if q.Kind == models.QRDynamic && q.RedeemedAt != nil {
		return decimal.Zero, ErrQRAlreadyUsed
	}
	if q.ExpiredAt(now) {
		return decimal.Zero, ErrQRExpired
	}

	var amount decimal.Decimal
	if q.Kind == models.QRDynamic {
		if q.Amount == nil {
			return decimal.Zero, internalError("resolve QR amount", errors.New("dynamic QR code without amount"))
		}
		if supplied != nil && !supplied.Equal(*q.Amount) {
			return decimal.Zero, ErrQRAmountMismatch
		}
		amount = *q.Amount
	} else {
		if supplied == nil {
			return decimal.Zero, ErrInvalidAmount
		}
		if err := checkAmount(*supplied); err != nil {
			return decimal.Zero, err
		}
		amount = *supplied
	}

	if q.OwnerUserID == payerID {
		return decimal.Zero, ErrSelfPaymentForbidden
	}
	return amount, nil
}

// RedeemQR pays the code's owner from req.PayerID. A dynamic code is marked
// redeemed as the last write of the transfer's unit of work.
func (s *QRService) RedeemQR(ctx context.Context, req RedeemQRRequest) (*QRRedeemed, error) {
	if err := s.precheck(ctx, req); err != nil {
		return nil, err
	}
	if err := s.pins.Verify(ctx, req.PayerID, req.PIN); err != nil {
		return nil, err
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

	q, err := tx.LockQRCodeByToken(ctx, req.Token)
	if err != nil {
		return nil, storageError("lock QR code", err, ErrQRNotFound)
	}
	now := s.now().UTC()
	amount, err := checkRedeemable(q, req.PayerID, req.Amount, now)
	if err != nil {
		return nil, err
	}

	result, err := s.ledger.transferLocked(ctx, tx, codes, req.PayerID, q.OwnerUserID, amount, req.Description, q.ID)
	if err != nil {
		return nil, err
	}

	if q.Kind == models.QRDynamic {
		payer := req.PayerID
		q.RedeemedBy = &payer
		q.RedeemedAt = &now
		q.Active = false
		if err := s.audit.Record(ctx, tx, req.PayerID, AuditQRRedeemed, "qr_code", q.ID, nil, map[string]any{
			"amount":  amount,
			"tx_code": result.TxCodeSend,
		}); err != nil {
			return nil, err
		}
		if err := tx.UpdateQRCode(ctx, q); err != nil {
			return nil, storageError("mark QR code redeemed", err, nil)
		}
	}

	if err := s.ledger.commit(tx); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"qr_id":  q.ID,
		"payer":  req.PayerID,
		"owner":  q.OwnerUserID,
		"amount": amount.String(),
	}).Info("[QR] Code redeemed")

	event := events.NewEvent(events.TypeTransfer, req.PayerID, amount, result.TxCodeSend, result.TxCodeReceive)
	event.CounterpartyID = q.OwnerUserID
	s.ledger.publish(ctx, event)

	return &QRRedeemed{TransferResult: *result, QRID: q.ID, Amount: amount}, nil
}

// precheck rejects unusable codes before a PIN attempt is spent on them.
func (s *QRService) precheck(ctx context.Context, req RedeemQRRequest) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return internalError("begin", err)
	}
	defer tx.Rollback()

	q, err := tx.LockQRCodeByToken(ctx, req.Token)
	if err != nil {
		return storageError("lock QR code", err, ErrQRNotFound)
	}
	_, err = checkRedeemable(q, req.PayerID, req.Amount, s.now().UTC())
	return err
}

// DeactivateQR retires a code; only its owner may do so.
func (s *QRService) DeactivateQR(ctx context.Context, ownerID, qrID string) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return internalError("begin", err)
	}
	defer tx.Rollback()

	q, err := tx.LockQRCode(ctx, qrID)
	if err != nil {
		return storageError("lock QR code", err, ErrQRNotFound)
	}
	if q.OwnerUserID != ownerID {
		return ErrQRNotFound
	}
	if !q.Active {
		return nil
	}

	q.Active = false
	if err := tx.UpdateQRCode(ctx, q); err != nil {
		return storageError("deactivate QR code", err, nil)
	}
	if err := s.audit.Record(ctx, tx, ownerID, AuditQRDeactivated, "qr_code", q.ID,
		map[string]any{"active": true}, map[string]any{"active": false}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return internalError("commit", err)
	}
	return nil
}

// RenderQR encodes the token of an owned, active code as a PNG.
func (s *QRService) RenderQR(ctx context.Context, ownerID, qrID string, size int) ([]byte, error) {
	q, err := s.store.GetQRCode(ctx, qrID)
	if err != nil {
		return nil, storageError("get QR code", err, ErrQRNotFound)
	}
	if q.OwnerUserID != ownerID || !q.Active {
		return nil, ErrQRNotFound
	}
	if size <= 0 || size > 1024 {
		size = 256
	}

	png, err := qrcode.Encode(q.Token, qrcode.Medium, size)
	if err != nil {
		return nil, internalError("render QR code", err)
	}
	return png, nil
}

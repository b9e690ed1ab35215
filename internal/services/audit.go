package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/repository"
)

// Audit actions.
const (
	AuditWalletCreated      = "wallet_created"
	AuditPinSet             = "pin_set"
	AuditPinLocked          = "pin_locked"
	AuditTransfer           = "transfer"
	AuditDeposit            = "deposit"
	AuditWithdraw           = "withdraw"
	AuditEscrowLocked       = "escrow_locked"
	AuditEscrowReleased     = "escrow_released"
	AuditEscrowRefunded     = "escrow_refunded"
	AuditQRCreated          = "qr_created"
	AuditQRRedeemed         = "qr_redeemed"
	AuditQRDeactivated      = "qr_deactivated"
	AuditTransactionFlagged = "transaction_flagged"
	AuditFlagResolved       = "flag_resolved"
)

// AuditTrail appends audit entries inside the caller's unit of work and
// mirrors each one as a structured log line.
type AuditTrail struct {
	logger *logrus.Entry
	now    func() time.Time
}

func NewAuditTrail(logger *logrus.Logger, now func() time.Time) *AuditTrail {
	return &AuditTrail{
		logger: logger.WithField("component", "audit"),
		now:    now,
	}
}

func (a *AuditTrail) Record(ctx context.Context, tx repository.Tx, actor, action, resourceType, resourceID string, oldValues, newValues any) error {
	entry := &models.AuditLogEntry{
		ID:           uuid.New().String(),
		ActorID:      actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		CreatedAt:    a.now().UTC(),
	}

	var err error
	if oldValues != nil {
		if entry.OldValues, err = json.Marshal(oldValues); err != nil {
			return internalError("encode audit snapshot", err)
		}
	}
	if newValues != nil {
		if entry.NewValues, err = json.Marshal(newValues); err != nil {
			return internalError("encode audit snapshot", err)
		}
	}

	if err := tx.InsertAuditEntry(ctx, entry); err != nil {
		return internalError("write audit entry", err)
	}

	a.logger.WithFields(logrus.Fields{
		"actor":         actor,
		"action":        action,
		"resource_type": resourceType,
		"resource_id":   resourceID,
	}).Info("AUDIT")
	return nil
}

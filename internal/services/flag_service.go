package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/monitoring"
	"github.com/ruralpay/ledger/internal/repository"
)

// ReasonDuplicateCode is recorded when a replayed transaction code is rejected.
const ReasonDuplicateCode = "duplicate transaction code attempted"

// FlagService raises and resolves fraud flags. Flagging only toggles
// is_flagged; a row's status and amounts are never touched.
type FlagService struct {
	store   repository.Store
	audit   *AuditTrail
	metrics *monitoring.Metrics
	logger  *logrus.Entry
	now     func() time.Time
}

func NewFlagService(store repository.Store, audit *AuditTrail, metrics *monitoring.Metrics, logger *logrus.Logger, now func() time.Time) *FlagService {
	return &FlagService{
		store:   store,
		audit:   audit,
		metrics: metrics,
		logger:  logger.WithField("component", "flags"),
		now:     now,
	}
}

// FlagTransaction marks txID as suspicious and returns the new flag id.
func (s *FlagService) FlagTransaction(ctx context.Context, txID, reason, actor string) (string, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" || actor == "" {
		return "", withDetail(ErrInvalidRequest, "reason and actor are required")
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return "", internalError("begin", err)
	}
	defer tx.Rollback()

	row, err := tx.LockTransaction(ctx, txID)
	if err != nil {
		return "", storageError("lock transaction", err, ErrTransactionNotFound)
	}

	now := s.now().UTC()
	if err := tx.SetTransactionFlagged(ctx, row.ID, true, now); err != nil {
		return "", storageError("flag transaction", err, ErrTransactionNotFound)
	}

	flag := &models.TransactionFlag{
		ID:            uuid.New().String(),
		TransactionID: row.ID,
		Reason:        reason,
		FlaggedBy:     actor,
		CreatedAt:     now,
	}
	if err := tx.InsertFlag(ctx, flag); err != nil {
		return "", storageError("insert flag", err, nil)
	}
	if err := s.audit.Record(ctx, tx, actor, AuditTransactionFlagged, "transaction", row.ID,
		map[string]any{"is_flagged": row.IsFlagged},
		map[string]any{"is_flagged": true, "flag_id": flag.ID, "reason": reason},
	); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", internalError("commit", err)
	}

	s.metrics.FlagRaised()
	s.logger.WithFields(logrus.Fields{
		"transaction_id": row.ID,
		"code":           row.Code,
		"flag_id":        flag.ID,
		"actor":          actor,
		"reason":         reason,
	}).Warn("[FLAG] Transaction flagged")
	return flag.ID, nil
}

// ResolveFlag closes an open flag and returns the flagged transaction id.
// With unblock set the transaction's is_flagged is cleared.
func (s *FlagService) ResolveFlag(ctx context.Context, flagID, actor, notes string, unblock bool) (string, error) {
	if actor == "" {
		return "", withDetail(ErrInvalidRequest, "actor is required")
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return "", internalError("begin", err)
	}
	defer tx.Rollback()

	flag, err := tx.LockFlag(ctx, flagID)
	if err != nil {
		return "", storageError("lock flag", err, ErrFlagNotFound)
	}
	if flag.Resolved() {
		return "", ErrFlagNotFound
	}
	if _, err := tx.LockTransaction(ctx, flag.TransactionID); err != nil {
		return "", storageError("lock transaction", err, ErrTransactionNotFound)
	}

	now := s.now().UTC()
	flag.ResolvedBy = &actor
	flag.ResolvedAt = &now
	flag.ResolutionNotes = &notes
	if err := tx.UpdateFlag(ctx, flag); err != nil {
		return "", storageError("resolve flag", err, nil)
	}
	if unblock {
		if err := tx.SetTransactionFlagged(ctx, flag.TransactionID, false, now); err != nil {
			return "", storageError("unflag transaction", err, ErrTransactionNotFound)
		}
	}
	if err := s.audit.Record(ctx, tx, actor, AuditFlagResolved, "transaction_flag", flag.ID, nil, map[string]any{
		"transaction_id": flag.TransactionID,
		"notes":          notes,
		"unblock":        unblock,
	}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", internalError("commit", err)
	}

	s.logger.WithFields(logrus.Fields{
		"flag_id": flag.ID,
		"actor":   actor,
		"unblock": unblock,
	}).Info("[FLAG] Flag resolved")
	return flag.TransactionID, nil
}

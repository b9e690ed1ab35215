package services

import (
	"context"
	"encoding/base64"
	"errors"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ruralpay/ledger/internal/config"
	"github.com/ruralpay/ledger/internal/hsm"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/repository"
)

var pinPattern = regexp.MustCompile(`^[0-9]{4,6}$`)

// PinService guards money movement with an argon2id-hashed PIN and a
// time-based lockout after repeated failures.
type PinService struct {
	store       repository.Store
	hsm         hsm.HSMInterface
	audit       *AuditTrail
	maxAttempts uint32
	lockout     time.Duration
	logger      *logrus.Entry
	now         func() time.Time
}

func NewPinService(store repository.Store, hsmInstance hsm.HSMInterface, audit *AuditTrail, cfg *config.LedgerConfig, logger *logrus.Logger, now func() time.Time) *PinService {
	return &PinService{
		store:       store,
		hsm:         hsmInstance,
		audit:       audit,
		maxAttempts: cfg.PinMaxAttempts,
		lockout:     cfg.PinLockout,
		logger:      logger.WithField("component", "pin"),
		now:         now,
	}
}

// SetPIN installs the first PIN of userID, or replaces it when currentPIN
// verifies. A replacement keeps the attempt counter and any lockout.
func (s *PinService) SetPIN(ctx context.Context, userID, currentPIN, pin string) error {
	if !pinPattern.MatchString(pin) {
		return ErrInvalidPINFormat
	}

	hasPIN, err := s.hasPIN(ctx, userID)
	if err != nil {
		return err
	}
	if hasPIN {
		if currentPIN == "" {
			return withDetail(ErrPinInvalid, "current PIN is required")
		}
		if err := s.Verify(ctx, userID, currentPIN); err != nil {
			return err
		}
	}

	salt, err := s.hsm.GenerateSalt()
	if err != nil {
		return internalError("generate PIN salt", err)
	}
	hash, err := s.hsm.HashPIN(pin, salt)
	if err != nil {
		return internalError("hash PIN", err)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return internalError("begin", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	secret := &models.PinSecret{
		UserID:    userID,
		Hash:      hash,
		Salt:      base64.StdEncoding.EncodeToString(salt),
		UpdatedAt: now,
	}

	prev, err := tx.LockPinSecret(ctx, userID)
	switch {
	case err == nil:
		// set concurrently by someone who did not present it
		if !hasPIN {
			return withDetail(ErrPinInvalid, "current PIN is required")
		}
		if prev.LockedAt(now) {
			return ErrPinLocked
		}
		secret.Attempts = prev.Attempts
		secret.LockedUntil = prev.LockedUntil
	case errors.Is(err, repository.ErrNotFound):
	default:
		return storageError("lock PIN", err, nil)
	}

	if err := tx.UpsertPinSecret(ctx, secret); err != nil {
		return storageError("store PIN", err, nil)
	}
	if err := s.audit.Record(ctx, tx, userID, AuditPinSet, "pin_secret", userID, nil,
		map[string]any{"replaced": hasPIN}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return internalError("commit", err)
	}
	return nil
}

func (s *PinService) hasPIN(ctx context.Context, userID string) (bool, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return false, internalError("begin", err)
	}
	defer tx.Rollback()

	_, err = tx.LockPinSecret(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storageError("lock PIN", err, nil)
	}
	return true, nil
}

// Verify checks pin for userID in its own unit of work, so failed attempts
// are counted even though the guarded operation never starts.
func (s *PinService) Verify(ctx context.Context, userID, pin string) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return internalError("begin", err)
	}
	defer tx.Rollback()

	secret, err := tx.LockPinSecret(ctx, userID)
	if err != nil {
		return storageError("lock PIN", err, ErrPinNotSet)
	}

	now := s.now().UTC()
	if secret.LockedAt(now) {
		return ErrPinLocked
	}
	expired := secret.LockedUntil != nil
	if expired {
		// lockout window elapsed, start counting afresh
		secret.Attempts = 0
		secret.LockedUntil = nil
	}

	salt, err := base64.StdEncoding.DecodeString(secret.Salt)
	if err != nil {
		return internalError("decode PIN salt", err)
	}
	ok, err := s.hsm.VerifyPIN(pin, salt, secret.Hash)
	if err != nil {
		return internalError("verify PIN", err)
	}

	if ok {
		if secret.Attempts == 0 && !expired {
			return nil
		}
		secret.Attempts = 0
		secret.UpdatedAt = now
		if err := tx.UpsertPinSecret(ctx, secret); err != nil {
			return storageError("reset PIN attempts", err, nil)
		}
		if err := tx.Commit(); err != nil {
			return internalError("commit", err)
		}
		return nil
	}

	secret.Attempts++
	secret.UpdatedAt = now
	locked := secret.Attempts >= s.maxAttempts
	if locked {
		until := now.Add(s.lockout)
		secret.LockedUntil = &until
	}
	if err := tx.UpsertPinSecret(ctx, secret); err != nil {
		return storageError("record PIN failure", err, nil)
	}
	if locked {
		if err := s.audit.Record(ctx, tx, userID, AuditPinLocked, "pin_secret", userID, nil,
			map[string]any{"attempts": secret.Attempts, "locked_until": secret.LockedUntil}); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return internalError("commit", err)
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":  userID,
		"attempts": secret.Attempts,
		"locked":   locked,
	}).Warn("[PIN] Verification failed")
	return ErrPinInvalid
}

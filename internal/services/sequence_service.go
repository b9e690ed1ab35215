package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/ruralpay/ledger/internal/hsm"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/repository"
)

// SequenceService allocates transaction codes from the durable sequence
// row. Allocation always runs inside the unit of work that writes the rows
// the codes identify, so a rolled back operation consumes no sequence.
type SequenceService struct {
	hsm hsm.HSMInterface
	now func() time.Time
}

func NewSequenceService(hsmInstance hsm.HSMInterface, now func() time.Time) *SequenceService {
	return &SequenceService{hsm: hsmInstance, now: now}
}

// Allocate locks system_state, increments it and returns the next code.
func (s *SequenceService) Allocate(ctx context.Context, tx repository.Tx) (string, error) {
	state, err := tx.LockSystemState(ctx)
	if err != nil {
		return "", storageError("lock sequence", err, nil)
	}

	ts := s.now().UTC()
	seq := state.LastSequence + 1
	checksum := s.hsm.TransactionChecksum(seq, ts.Format(models.CodeTimestampLayout))

	state.LastSequence = seq
	state.LastChecksum = checksum
	state.UpdatedAt = ts
	if err := tx.UpdateSystemState(ctx, state); err != nil {
		return "", storageError("advance sequence", err, nil)
	}

	return models.FormatTransactionCode(ts, seq, checksum), nil
}

// Validate rejects a code that already identifies a stored transaction.
func (s *SequenceService) Validate(ctx context.Context, tx repository.Tx, code string) error {
	existing, err := tx.FindTransactionByCode(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storageError("check transaction code", err, nil)
	}

	replay := withDetail(ErrDuplicateCode, "%s", code)
	replay.existingTxID = existing.ID
	return replay
}

// Next allocates n codes, validating each before it is handed out.
func (s *SequenceService) Next(ctx context.Context, tx repository.Tx, n int) ([]string, error) {
	codes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		code, err := s.Allocate(ctx, tx)
		if err != nil {
			return nil, err
		}
		if err := s.Validate(ctx, tx, code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// VerifyChecksum reports whether code is well formed and was minted with
// this server's secret.
func (s *SequenceService) VerifyChecksum(code string) error {
	parsed, err := models.ParseTransactionCode(code)
	if err != nil {
		e := *ErrInvalidCode
		e.Err = err
		return &e
	}

	expected := s.hsm.TransactionChecksum(parsed.Sequence, parsed.Timestamp)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(parsed.Checksum)) != 1 {
		return withDetail(ErrInvalidCode, "checksum mismatch")
	}
	return nil
}

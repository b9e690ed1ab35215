package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ruralpay/ledger/internal/models"
)

const (
	walletColumns      = "id, user_id, available_balance, locked_balance, total_earned, total_spent, created_at, updated_at"
	transactionColumns = "id, code, user_id, booking_id, amount, locked_delta, type, status, balance_before, balance_after, counterparty_id, description, metadata, is_flagged, created_at, updated_at"
	qrColumns          = "id, owner_user_id, token, kind, amount, expires_at, redeemed_by, redeemed_at, active, created_at"
	flagColumns        = "id, transaction_id, reason, flagged_by, resolved_by, resolved_at, resolution_notes, created_at"
)

// PostgresStore is the production Store backed by lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

// mapError turns driver errors into the package sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, sql.ErrTxDone) {
		return ErrTxDone
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%s: %w", pqErr.Constraint, ErrDuplicate)
	}
	return err
}

func scanWallet(row scanner) (*models.Wallet, error) {
	var w models.Wallet
	err := row.Scan(&w.ID, &w.UserID, &w.AvailableBalance, &w.LockedBalance,
		&w.TotalEarned, &w.TotalSpent, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &w, nil
}

func scanTransaction(row scanner) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.Code, &t.UserID, &t.BookingID, &t.Amount, &t.LockedDelta,
		&t.Type, &t.Status, &t.BalanceBefore, &t.BalanceAfter, &t.CounterpartyID,
		&t.Description, &t.Metadata, &t.IsFlagged, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &t, nil
}

func scanQRCode(row scanner) (*models.QRCode, error) {
	var q models.QRCode
	err := row.Scan(&q.ID, &q.OwnerUserID, &q.Token, &q.Kind, &q.Amount, &q.ExpiresAt,
		&q.RedeemedBy, &q.RedeemedAt, &q.Active, &q.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &q, nil
}

func scanFlag(row scanner) (*models.TransactionFlag, error) {
	var f models.TransactionFlag
	err := row.Scan(&f.ID, &f.TransactionID, &f.Reason, &f.FlaggedBy, &f.ResolvedBy,
		&f.ResolvedAt, &f.ResolutionNotes, &f.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &f, nil
}

// Begin implements Store.
func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin unit of work: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Commit() error {
	return mapError(t.tx.Commit())
}

func (t *pgTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func (t *pgTx) LockSystemState(ctx context.Context) (*models.SystemState, error) {
	var s models.SystemState
	err := t.tx.QueryRowContext(ctx,
		`SELECT last_sequence, last_checksum, updated_at FROM system_state WHERE id = 1 FOR UPDATE`,
	).Scan(&s.LastSequence, &s.LastChecksum, &s.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &s, nil
}

func (t *pgTx) UpdateSystemState(ctx context.Context, state *models.SystemState) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE system_state SET last_sequence = $1, last_checksum = $2, updated_at = $3 WHERE id = 1`,
		int64(state.LastSequence), state.LastChecksum, state.UpdatedAt)
	return mapError(err)
}

func (t *pgTx) FindTransactionByCode(ctx context.Context, code string) (*models.Transaction, error) {
	return scanTransaction(t.tx.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE code = $1`, code))
}

func (t *pgTx) FindDepositByReference(ctx context.Context, provider, reference string) (*models.Transaction, error) {
	return scanTransaction(t.tx.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		WHERE type = $1 AND metadata->'data'->>'provider' = $2 AND metadata->'data'->>'reference' = $3
		LIMIT 1`,
		models.TxDeposit, provider, reference))
}

func (t *pgTx) FindEscrowHold(ctx context.Context, bookingID string) (*models.Transaction, error) {
	return scanTransaction(t.tx.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		WHERE booking_id = $1 AND type = $2
		LIMIT 1`,
		bookingID, models.TxEscrowHold))
}

func (t *pgTx) InsertTransaction(ctx context.Context, tx *models.Transaction) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		tx.ID, tx.Code, tx.UserID, tx.BookingID, tx.Amount, tx.LockedDelta, tx.Type, tx.Status,
		tx.BalanceBefore, tx.BalanceAfter, tx.CounterpartyID, tx.Description, tx.Metadata,
		tx.IsFlagged, tx.CreatedAt, tx.UpdatedAt)
	return mapError(err)
}

func (t *pgTx) LockTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	return scanTransaction(t.tx.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) SetTransactionFlagged(ctx context.Context, id string, flagged bool, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE transactions SET is_flagged = $1, updated_at = $2 WHERE id = $3`, flagged, at, id)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertWallet(ctx context.Context, w *models.Wallet) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO wallets (`+walletColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.ID, w.UserID, w.AvailableBalance, w.LockedBalance, w.TotalEarned, w.TotalSpent,
		w.CreatedAt, w.UpdatedAt)
	return mapError(err)
}

func (t *pgTx) LockWallets(ctx context.Context, userIDs ...string) (map[string]*models.Wallet, error) {
	ids := canonicalOrder(userIDs)
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = ANY($1) ORDER BY user_id FOR UPDATE`,
		pq.Array(ids))
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	out := make(map[string]*models.Wallet, len(ids))
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out[w.UserID] = w
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			return nil, fmt.Errorf("wallet for user %s: %w", id, ErrNotFound)
		}
	}
	return out, nil
}

func (t *pgTx) UpdateWallet(ctx context.Context, w *models.Wallet) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE wallets SET available_balance = $1, locked_balance = $2, total_earned = $3,
		total_spent = $4, updated_at = $5 WHERE user_id = $6`,
		w.AvailableBalance, w.LockedBalance, w.TotalEarned, w.TotalSpent, w.UpdatedAt, w.UserID)
	return mapError(err)
}

func (t *pgTx) LockPinSecret(ctx context.Context, userID string) (*models.PinSecret, error) {
	var p models.PinSecret
	err := t.tx.QueryRowContext(ctx,
		`SELECT user_id, hash, salt, attempts, locked_until, updated_at
		FROM pin_secrets WHERE user_id = $1 FOR UPDATE`, userID,
	).Scan(&p.UserID, &p.Hash, &p.Salt, &p.Attempts, &p.LockedUntil, &p.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &p, nil
}

func (t *pgTx) UpsertPinSecret(ctx context.Context, p *models.PinSecret) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO pin_secrets (user_id, hash, salt, attempts, locked_until, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET hash = EXCLUDED.hash, salt = EXCLUDED.salt,
		attempts = EXCLUDED.attempts, locked_until = EXCLUDED.locked_until, updated_at = EXCLUDED.updated_at`,
		p.UserID, p.Hash, p.Salt, int64(p.Attempts), p.LockedUntil, p.UpdatedAt)
	return mapError(err)
}

func (t *pgTx) InsertQRCode(ctx context.Context, q *models.QRCode) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO qr_codes (`+qrColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		q.ID, q.OwnerUserID, q.Token, q.Kind, q.Amount, q.ExpiresAt, q.RedeemedBy, q.RedeemedAt,
		q.Active, q.CreatedAt)
	return mapError(err)
}

func (t *pgTx) LockQRCodeByToken(ctx context.Context, token string) (*models.QRCode, error) {
	return scanQRCode(t.tx.QueryRowContext(ctx,
		`SELECT `+qrColumns+` FROM qr_codes WHERE token = $1 FOR UPDATE`, token))
}

func (t *pgTx) LockQRCode(ctx context.Context, id string) (*models.QRCode, error) {
	return scanQRCode(t.tx.QueryRowContext(ctx,
		`SELECT `+qrColumns+` FROM qr_codes WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateQRCode(ctx context.Context, q *models.QRCode) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE qr_codes SET redeemed_by = $1, redeemed_at = $2, active = $3 WHERE id = $4`,
		q.RedeemedBy, q.RedeemedAt, q.Active, q.ID)
	return mapError(err)
}

func (t *pgTx) LockBooking(ctx context.Context, id string) (*models.Booking, error) {
	var b models.Booking
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, customer_id, provider_id, price, status, completed_at, updated_at
		FROM bookings WHERE id = $1 FOR UPDATE`, id,
	).Scan(&b.ID, &b.CustomerID, &b.ProviderID, &b.Price, &b.Status, &b.CompletedAt, &b.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &b, nil
}

func (t *pgTx) UpdateBooking(ctx context.Context, b *models.Booking) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE bookings SET status = $1, completed_at = $2, updated_at = $3 WHERE id = $4`,
		b.Status, b.CompletedAt, b.UpdatedAt, b.ID)
	return mapError(err)
}

func (t *pgTx) InsertFlag(ctx context.Context, f *models.TransactionFlag) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO transaction_flags (`+flagColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, f.TransactionID, f.Reason, f.FlaggedBy, f.ResolvedBy, f.ResolvedAt,
		f.ResolutionNotes, f.CreatedAt)
	return mapError(err)
}

func (t *pgTx) LockFlag(ctx context.Context, id string) (*models.TransactionFlag, error) {
	return scanFlag(t.tx.QueryRowContext(ctx,
		`SELECT `+flagColumns+` FROM transaction_flags WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateFlag(ctx context.Context, f *models.TransactionFlag) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE transaction_flags SET resolved_by = $1, resolved_at = $2, resolution_notes = $3 WHERE id = $4`,
		f.ResolvedBy, f.ResolvedAt, f.ResolutionNotes, f.ID)
	return mapError(err)
}

func (t *pgTx) InsertAuditEntry(ctx context.Context, e *models.AuditLogEntry) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO audit_log (id, actor_id, action, resource_type, resource_id, old_values, new_values, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.ActorID, e.Action, e.ResourceType, e.ResourceID,
		nullableJSON(e.OldValues), nullableJSON(e.NewValues), e.CreatedAt)
	return mapError(err)
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

// Reader

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	return scanWallet(s.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID))
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	return scanTransaction(s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		WHERE ($1 = '' OR user_id = $1) ORDER BY created_at DESC, code DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetQRCode(ctx context.Context, id string) (*models.QRCode, error) {
	return scanQRCode(s.db.QueryRowContext(ctx,
		`SELECT `+qrColumns+` FROM qr_codes WHERE id = $1`, id))
}

func (s *PostgresStore) GetFlag(ctx context.Context, id string) (*models.TransactionFlag, error) {
	return scanFlag(s.db.QueryRowContext(ctx,
		`SELECT `+flagColumns+` FROM transaction_flags WHERE id = $1`, id))
}

func (s *PostgresStore) ListAuditEntries(ctx context.Context, resourceType, resourceID string) ([]models.AuditLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, actor_id, action, resource_type, resource_id, old_values, new_values, created_at
		FROM audit_log WHERE ($1 = '' OR resource_type = $1) AND ($2 = '' OR resource_id = $2)
		ORDER BY created_at`, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AuditLogEntry
	for rows.Next() {
		var e models.AuditLogEntry
		var oldValues, newValues []byte
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.ResourceType, &e.ResourceID,
			&oldValues, &newValues, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.OldValues = oldValues
		e.NewValues = newValues
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LedgerStats(ctx context.Context, since time.Time) (*models.LedgerStats, error) {
	var stats models.LedgerStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(available_balance), 0), COALESCE(SUM(locked_balance), 0) FROM wallets`,
	).Scan(&stats.WalletCount, &stats.TotalAvailable, &stats.TotalLocked)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate wallets: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COUNT(*) FILTER (WHERE is_flagged),
			COALESCE(SUM(ABS(amount)) FILTER (WHERE status = 'succeeded' AND created_at >= $1), 0)
		FROM transactions`, since,
	).Scan(&stats.TransactionCount, &stats.FlaggedCount, &stats.Volume24h)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate transactions: %w", err)
	}
	return &stats, nil
}

func (s *PostgresStore) LedgerTotals(ctx context.Context) (*models.LedgerTotals, error) {
	var totals models.LedgerTotals
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(available_balance + locked_balance), 0), COALESCE(SUM(locked_balance), 0) FROM wallets`,
	).Scan(&totals.WalletSum, &totals.LockedSum)
	if err != nil {
		return nil, fmt.Errorf("failed to sum wallets: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0), COALESCE(SUM(locked_delta), 0)
		FROM transactions WHERE status = 'succeeded'`,
	).Scan(&totals.TransactionSum, &totals.LockedTransactionSum)
	if err != nil {
		return nil, fmt.Errorf("failed to sum transactions: %w", err)
	}
	return &totals, nil
}

func (s *PostgresStore) UserActivity(ctx context.Context, since time.Time) ([]models.UserActivity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id,
			COUNT(*),
			COUNT(*) FILTER (WHERE created_at >= $1),
			COUNT(*) FILTER (WHERE is_flagged),
			COUNT(DISTINCT counterparty_id),
			COALESCE(ROUND(AVG(ABS(amount)), 2), 0),
			MAX(created_at)
		FROM transactions GROUP BY user_id ORDER BY user_id`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.UserActivity
	for rows.Next() {
		var a models.UserActivity
		if err := rows.Scan(&a.UserID, &a.TxCount, &a.DailyTx, &a.FlaggedTx,
			&a.UniqueCounterparties, &a.AvgAmount, &a.LastActivity); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CodeStats(ctx context.Context) (*models.CodeStats, error) {
	var stats models.CodeStats
	var highest int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT code), COALESCE(MAX(CAST(split_part(code, '-', 3) AS BIGINT)), 0)
		FROM transactions`,
	).Scan(&stats.TotalCodes, &stats.DistinctCodes, &highest)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate codes: %w", err)
	}
	stats.HighestCodeSequence = uint64(highest)

	var last int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT last_sequence FROM system_state WHERE id = 1`).Scan(&last); err != nil {
		return nil, mapError(err)
	}
	stats.LastSequence = uint64(last)
	return &stats, nil
}

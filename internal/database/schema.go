package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied in order; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS system_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_sequence BIGINT NOT NULL DEFAULT 0,
		last_checksum VARCHAR(8) NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`INSERT INTO system_state (id) VALUES (1) ON CONFLICT (id) DO NOTHING`,
	`CREATE TABLE IF NOT EXISTS wallets (
		id UUID PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL UNIQUE,
		available_balance NUMERIC(20,2) NOT NULL DEFAULT 0 CHECK (available_balance >= 0),
		locked_balance NUMERIC(20,2) NOT NULL DEFAULT 0 CHECK (locked_balance >= 0),
		total_earned NUMERIC(20,2) NOT NULL DEFAULT 0,
		total_spent NUMERIC(20,2) NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id UUID PRIMARY KEY,
		code VARCHAR(64) NOT NULL UNIQUE,
		user_id VARCHAR(64) NOT NULL,
		booking_id VARCHAR(64),
		amount NUMERIC(20,2) NOT NULL,
		locked_delta NUMERIC(20,2) NOT NULL DEFAULT 0,
		type VARCHAR(32) NOT NULL,
		status VARCHAR(16) NOT NULL,
		balance_before NUMERIC(20,2) NOT NULL,
		balance_after NUMERIC(20,2) NOT NULL,
		counterparty_id VARCHAR(64),
		description TEXT NOT NULL DEFAULT '',
		metadata JSONB,
		is_flagged BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_user_created ON transactions (user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_booking ON transactions (booking_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_escrow_hold ON transactions (booking_id) WHERE type = 'escrow_hold'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_deposit_ref ON transactions
		((metadata->'data'->>'provider'), (metadata->'data'->>'reference')) WHERE type = 'deposit'`,
	`CREATE TABLE IF NOT EXISTS pin_secrets (
		user_id VARCHAR(64) PRIMARY KEY,
		hash TEXT NOT NULL,
		salt TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		locked_until TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS qr_codes (
		id UUID PRIMARY KEY,
		owner_user_id VARCHAR(64) NOT NULL,
		token VARCHAR(64) NOT NULL UNIQUE,
		kind VARCHAR(16) NOT NULL,
		amount NUMERIC(20,2),
		expires_at TIMESTAMPTZ,
		redeemed_by VARCHAR(64),
		redeemed_at TIMESTAMPTZ,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bookings (
		id VARCHAR(64) PRIMARY KEY,
		customer_id VARCHAR(64) NOT NULL,
		provider_id VARCHAR(64) NOT NULL,
		price NUMERIC(20,2) NOT NULL,
		status VARCHAR(16) NOT NULL,
		completed_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS transaction_flags (
		id UUID PRIMARY KEY,
		transaction_id UUID NOT NULL REFERENCES transactions (id),
		reason TEXT NOT NULL,
		flagged_by VARCHAR(64) NOT NULL,
		resolved_by VARCHAR(64),
		resolved_at TIMESTAMPTZ,
		resolution_notes TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id UUID PRIMARY KEY,
		actor_id VARCHAR(64) NOT NULL,
		action VARCHAR(64) NOT NULL,
		resource_type VARCHAR(32) NOT NULL,
		resource_id VARCHAR(64) NOT NULL,
		old_values JSONB,
		new_values JSONB,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_resource ON audit_log (resource_type, resource_id)`,
}

// Migrate creates the ledger tables inside a single transaction.
func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d failed: %w", i, err)
		}
	}
	return tx.Commit()
}

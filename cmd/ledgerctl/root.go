package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ruralpay/ledger/internal/config"
	"github.com/ruralpay/ledger/internal/database"
	"github.com/ruralpay/ledger/internal/hsm"
	"github.com/ruralpay/ledger/internal/logging"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/repository"
	"github.com/ruralpay/ledger/internal/services"
)

// ledgerOps is the slice of the engine the operator commands drive.
type ledgerOps interface {
	ReconciliationReport(ctx context.Context) (*models.ReconciliationReport, error)
	SuspiciousActivityReport(ctx context.Context) ([]models.SuspiciousUser, error)
	CodeIntegrityReport(ctx context.Context) (*models.CodeIntegrityReport, error)
	ValidateTransactionCode(ctx context.Context, code string) error
}

// engineOpener connects to the ledger; the returned func releases it.
type engineOpener func(ctx context.Context, cfg *config.Config) (ledgerOps, func(), error)

func newRootCmd(open engineOpener) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operator tool for the wallet ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newReconcileCmd(open))
	rootCmd.AddCommand(newCodesCmd(open))
	rootCmd.AddCommand(newSuspiciousCmd(open))

	return rootCmd
}

func openEngine(ctx context.Context, cfg *config.Config) (ledgerOps, func(), error) {
	logger := logging.NewLogger(cfg.LogLevel)

	db, err := database.InitDB(ctx, database.GetConfig(), logger)
	if err != nil {
		return nil, nil, err
	}

	hsmInstance, err := hsm.InitHSM(hsm.Config{
		MasterKey: cfg.Ledger.ServerSecret,
		Salt:      []byte(cfg.Ledger.MasterSalt),
		Argon2:    argon2Params(cfg.Argon2),
	})
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	engine := services.NewEngine(services.Deps{
		Store:  repository.NewPostgresStore(db),
		HSM:    hsmInstance,
		Config: cfg.Ledger,
		Logger: logger,
	})
	return engine, func() { db.Close() }, nil
}

func argon2Params(c config.Argon2Config) hsm.Argon2Params {
	return hsm.Argon2Params{
		Time:       c.Time,
		Memory:     c.Memory,
		Threads:    c.Threads,
		KeyLength:  c.KeyLength,
		SaltLength: c.SaltLength,
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ruralpay/ledger/internal/config"
	"github.com/ruralpay/ledger/internal/database"
	"github.com/ruralpay/ledger/internal/logging"
)

var (
	errUnbalanced   = errors.New("ledger is out of balance")
	errInconsistent = errors.New("transaction codes are inconsistent")
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the ledger schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx := cmd.Context()

			db, err := database.InitDB(ctx, database.GetConfig(), logging.NewLogger(cfg.LogLevel))
			if err != nil {
				return err
			}
			defer db.Close()

			if err := database.Migrate(ctx, db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func newReconcileCmd(open engineOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Compare wallet balances with the transaction log",
		Long:  "Print the reconciliation report. Exits non-zero when the ledger is out of balance.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, closeFn, err := open(cmd.Context(), config.Load())
			if err != nil {
				return err
			}
			defer closeFn()

			report, err := ops.ReconciliationReport(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.IsBalanced {
				return errUnbalanced
			}
			return nil
		},
	}
}

func newCodesCmd(open engineOpener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codes",
		Short: "Inspect transaction codes",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "integrity",
		Short: "Report duplicate codes and sequence drift",
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, closeFn, err := open(cmd.Context(), config.Load())
			if err != nil {
				return err
			}
			defer closeFn()

			report, err := ops.CodeIntegrityReport(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.IsConsistent {
				return errInconsistent
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate CODE",
		Short: "Check that a code was minted here and is not yet used",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, closeFn, err := open(cmd.Context(), config.Load())
			if err != nil {
				return err
			}
			defer closeFn()

			if err := ops.ValidateTransactionCode(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "valid")
			return nil
		},
	})

	return cmd
}

func newSuspiciousCmd(open engineOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "suspicious",
		Short: "List users with a non-zero risk score",
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, closeFn, err := open(cmd.Context(), config.Load())
			if err != nil {
				return err
			}
			defer closeFn()

			users, err := ops.SuspiciousActivityReport(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), users)
		},
	}
}

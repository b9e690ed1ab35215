package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ruralpay/ledger/internal/config"
	"github.com/ruralpay/ledger/internal/middleware"
)

func newTokenCmd() *cobra.Command {
	var (
		userID string
		role   string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		Long:  "Mint a bearer token signed with JWT_SECRET_KEY. Use --role admin for collector and back-office callers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cfg.JWT.SecretKey == "" {
				return errors.New("JWT_SECRET_KEY is not set")
			}
			if ttl <= 0 {
				ttl = time.Duration(cfg.JWT.ExpiryHours) * time.Hour
			}

			token, err := middleware.NewAuth(cfg.JWT.SecretKey).IssueToken(userID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id carried by the token")
	cmd.Flags().StringVar(&role, "role", "user", "role claim (user|admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default JWT_EXPIRY_HOURS)")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

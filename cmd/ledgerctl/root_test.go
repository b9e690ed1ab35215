package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruralpay/ledger/internal/config"
	"github.com/ruralpay/ledger/internal/hsm"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/repository"
	"github.com/ruralpay/ledger/internal/services"
)

func newTestEngine(t *testing.T) *services.Engine {
	t.Helper()
	h, err := hsm.InitHSM(hsm.Config{
		MasterKey: "cli-secret",
		Salt:      []byte("salt"),
		Argon2:    hsm.Argon2Params{Time: 1, Memory: 1024, Threads: 1, KeyLength: 32, SaltLength: 16},
	})
	require.NoError(t, err)

	engine := services.NewEngine(services.Deps{Store: repository.NewMemoryStore(), HSM: h})
	require.NoError(t, engine.EnsurePlatformWallet(t.Context()))
	return engine
}

func run(t *testing.T, engine *services.Engine, args ...string) (string, error) {
	t.Helper()
	open := func(ctx context.Context, cfg *config.Config) (ledgerOps, func(), error) {
		return engine, func() {}, nil
	}
	var out bytes.Buffer
	root := newRootCmd(open)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestTokenCmd(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "cli-jwt-secret")

	out, err := run(t, nil, "token", "--user", "collector", "--role", "admin")
	require.NoError(t, err)

	token, err := jwt.Parse(strings.TrimSpace(out), func(*jwt.Token) (any, error) {
		return []byte("cli-jwt-secret"), nil
	})
	require.NoError(t, err)
	claims := token.Claims.(jwt.MapClaims)
	assert.Equal(t, "collector", claims["user_id"])
	assert.Equal(t, "admin", claims["role"])

	_, err = run(t, nil, "token")
	assert.Error(t, err)
}

func TestReconcileCmd(t *testing.T) {
	engine := newTestEngine(t)
	ctx := t.Context()
	_, err := engine.CreateWallet(ctx, "alice")
	require.NoError(t, err)
	_, err = engine.Deposit(ctx, services.DepositRequest{
		UserID:    "alice",
		Amount:    decimal.NewFromInt(500),
		Provider:  "paystack",
		Reference: "PSK-CLI-1",
	})
	require.NoError(t, err)

	out, err := run(t, engine, "reconcile")
	require.NoError(t, err)

	var report models.ReconciliationReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.IsBalanced)
	assert.True(t, report.WalletSum.Equal(decimal.NewFromInt(500)))
}

func TestCodesCmd(t *testing.T) {
	engine := newTestEngine(t)
	ctx := t.Context()

	code, err := engine.AllocateTransactionCode(ctx)
	require.NoError(t, err)

	out, err := run(t, engine, "codes", "validate", code)
	require.NoError(t, err)
	assert.Equal(t, "valid\n", out)

	_, err = run(t, engine, "codes", "validate", "TX-forged")
	assert.Error(t, err)

	out, err = run(t, engine, "codes", "integrity")
	require.NoError(t, err)
	var report models.CodeIntegrityReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.IsConsistent)
	assert.Equal(t, uint64(1), report.LastSequence)
}

func TestSuspiciousCmd(t *testing.T) {
	engine := newTestEngine(t)

	out, err := run(t, engine, "suspicious")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

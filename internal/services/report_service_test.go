package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/repository"
)

func TestScoreActivity(t *testing.T) {
	tests := []struct {
		name     string
		activity models.UserActivity
		score    int
		patterns []string
	}{
		{"quiet", models.UserActivity{TxCount: 3, DailyTx: 3, UniqueCounterparties: 2, AvgAmount: dec("50")}, 0, []string{}},
		{"high volume", models.UserActivity{TxCount: 51, DailyTx: 51, UniqueCounterparties: 5, AvgAmount: dec("10")}, 30, []string{PatternHighDailyVolume}},
		{"exactly fifty", models.UserActivity{TxCount: 50, DailyTx: 50, UniqueCounterparties: 5, AvgAmount: dec("10")}, 0, []string{}},
		{"flagged", models.UserActivity{TxCount: 1, DailyTx: 1, FlaggedTx: 1, AvgAmount: dec("10")}, 40, []string{PatternPreviouslyFlagged}},
		{"single counterparty", models.UserActivity{TxCount: 21, DailyTx: 21, UniqueCounterparties: 1, AvgAmount: dec("10")}, 25, []string{PatternSingleCounterparty}},
		{"large average", models.UserActivity{TxCount: 1, DailyTx: 1, AvgAmount: dec("100000.01")}, 20, []string{PatternLargeAverageAmount}},
		{"everything", models.UserActivity{TxCount: 60, DailyTx: 60, FlaggedTx: 2, UniqueCounterparties: 1, AvgAmount: dec("250000")}, 115,
			[]string{PatternHighDailyVolume, PatternPreviouslyFlagged, PatternSingleCounterparty, PatternLargeAverageAmount}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, patterns := scoreActivity(tt.activity)
			assert.Equal(t, tt.score, score)
			assert.Equal(t, tt.patterns, patterns)
		})
	}
}

func seedRows(t *testing.T, store *repository.MemoryStore, userID string, n int, amount string, at time.Time, mutate func(*models.Transaction)) {
	t.Helper()
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	for i := 0; i < n; i++ {
		row := &models.Transaction{
			ID:        fmt.Sprintf("%s-%d", userID, i),
			Code:      fmt.Sprintf("SEED-%s-%d", userID, i),
			UserID:    userID,
			Amount:    dec(amount),
			Type:      models.TxDeposit,
			Status:    models.StatusSucceeded,
			CreatedAt: at,
		}
		if mutate != nil {
			mutate(row)
		}
		require.NoError(t, tx.InsertTransaction(ctx, row))
	}
	require.NoError(t, tx.Commit())
}

func TestReport_SuspiciousActivity(t *testing.T) {
	clock := newFakeClock()
	store := repository.NewMemoryStore()
	now := clock.Now()

	seedRows(t, store, "heavy", 55, "1", now.Add(-time.Hour), nil)
	seedRows(t, store, "flagged", 1, "5", now.Add(-2*time.Hour), func(r *models.Transaction) { r.IsFlagged = true })
	seedRows(t, store, "whale", 1, "200000", now.Add(-3*time.Hour), nil)
	seedRows(t, store, "quiet", 2, "5", now.Add(-time.Hour), nil)
	seedRows(t, store, "old-heavy", 60, "1", now.Add(-48*time.Hour), nil)
	// equal scores order by most recent activity
	seedRows(t, store, "whale-recent", 1, "300000", now.Add(-time.Minute), nil)

	svc := NewReportService(store, dec("0.01"), nil, clock.Now)
	report, err := svc.SuspiciousActivityReport(context.Background())
	require.NoError(t, err)

	var users []string
	for _, u := range report {
		users = append(users, u.UserID)
	}
	assert.Equal(t, []string{"flagged", "heavy", "whale-recent", "whale"}, users)
	assert.Equal(t, 40, report[0].RiskScore)
	assert.Equal(t, []string{PatternHighDailyVolume}, report[1].Patterns)
}

func TestReport_Reconciliation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "alice", "500")
	env.user(t, "bob", "")
	env.booking("b-1", "alice", "bob", "200")

	_, err := env.engine.Transfer(ctx, TransferRequest{SenderID: "alice", RecipientID: "bob", Amount: dec("50"), PIN: testPIN})
	require.NoError(t, err)
	_, err = env.engine.LockEscrow(ctx, LockEscrowRequest{CustomerID: "alice", BookingID: "b-1", Amount: dec("200")})
	require.NoError(t, err)
	_, err = env.engine.Withdraw(ctx, WithdrawRequest{UserID: "bob", Amount: dec("20"), PIN: testPIN, Destination: "acct"})
	require.NoError(t, err)

	report, err := env.engine.ReconciliationReport(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsBalanced)
	assert.True(t, report.WalletSum.Equal(dec("480")))
	assert.True(t, report.LockedSum.Equal(dec("200")))
	assert.True(t, report.Difference.IsZero())

	_, err = env.engine.ReleaseEscrow(ctx, ReleaseEscrowRequest{BookingID: "b-1", CommissionRate: decPtr("10")})
	require.NoError(t, err)
	env.requireBalanced(t)

	t.Run("wallet drift is reported", func(t *testing.T) {
		tx, err := env.store.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.InsertWallet(ctx, &models.Wallet{
			ID:               "drift",
			UserID:           "drift",
			AvailableBalance: dec("0.05"),
			LockedBalance:    decimal.Zero,
			TotalEarned:      decimal.Zero,
			TotalSpent:       decimal.Zero,
		}))
		require.NoError(t, tx.Commit())

		report, err := env.engine.ReconciliationReport(ctx)
		require.NoError(t, err)
		assert.False(t, report.IsBalanced)
		assert.True(t, report.Difference.Equal(dec("0.05")))
	})
}

func TestReport_CodeIntegrityAndStats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "alice", "100")
	env.user(t, "bob", "")

	_, err := env.engine.Transfer(ctx, TransferRequest{SenderID: "alice", RecipientID: "bob", Amount: dec("30"), PIN: testPIN})
	require.NoError(t, err)

	integrity, err := env.engine.CodeIntegrityReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), integrity.TotalCodes)
	assert.Equal(t, int64(0), integrity.DuplicateCount)
	assert.Equal(t, uint64(3), integrity.LastSequence)
	assert.Equal(t, uint64(4), integrity.ExpectedNext)
	assert.True(t, integrity.IsConsistent)

	stats, err := env.engine.AdminStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.WalletCount)
	assert.Equal(t, int64(3), stats.TransactionCount)
	assert.True(t, stats.TotalAvailable.Equal(dec("100")))
	assert.True(t, stats.Volume24h.Equal(dec("160")))
}

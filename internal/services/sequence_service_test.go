package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruralpay/ledger/internal/models"
)

func TestSequence_CodesAreUniqueAndIncreasing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const workers, perWorker = 8, 25
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes []string
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				code, err := env.engine.AllocateTransactionCode(ctx)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				codes = append(codes, code)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, codes, workers*perWorker)

	seen := make(map[uint64]bool, len(codes))
	for _, code := range codes {
		parsed, err := models.ParseTransactionCode(code)
		require.NoError(t, err)
		assert.False(t, seen[parsed.Sequence], "sequence %d handed out twice", parsed.Sequence)
		seen[parsed.Sequence] = true
		assert.NoError(t, env.engine.ValidateTransactionCode(ctx, code))
	}
	for seq := uint64(1); seq <= uint64(len(codes)); seq++ {
		assert.True(t, seen[seq], "sequence %d missing", seq)
	}

	t.Run("single caller observes strictly increasing codes", func(t *testing.T) {
		var last uint64
		for i := 0; i < 5; i++ {
			code, err := env.engine.AllocateTransactionCode(ctx)
			require.NoError(t, err)
			parsed, err := models.ParseTransactionCode(code)
			require.NoError(t, err)
			assert.Greater(t, parsed.Sequence, last)
			last = parsed.Sequence
		}
	})
}

func TestSequence_CodeFormat(t *testing.T) {
	env := newTestEnv(t)

	code, err := env.engine.AllocateTransactionCode(context.Background())
	require.NoError(t, err)

	ts := env.clock.Now().Format(models.CodeTimestampLayout)
	assert.True(t, strings.HasPrefix(code, "TX-"+ts+"-000001-"), code)
	assert.Equal(t, env.hsm.TransactionChecksum(1, ts), code[len(code)-8:])
}

func TestSequence_ValidateTransactionCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "alice", "")

	t.Run("forged checksum", func(t *testing.T) {
		ts := env.clock.Now()
		forged := models.FormatTransactionCode(ts, 999, "DEADBEEF")
		assert.ErrorIs(t, env.engine.ValidateTransactionCode(ctx, forged), ErrInvalidCode)
	})

	t.Run("malformed", func(t *testing.T) {
		assert.ErrorIs(t, env.engine.ValidateTransactionCode(ctx, "TX-nope"), ErrInvalidCode)
	})

	t.Run("stored code is a replay", func(t *testing.T) {
		res, err := env.engine.Deposit(ctx, DepositRequest{UserID: "alice", Amount: dec("5"), Provider: "p", Reference: "r-1"})
		require.NoError(t, err)

		err = env.engine.ValidateTransactionCode(ctx, res.TxCode)
		assert.ErrorIs(t, err, ErrDuplicateCode)
		assert.Equal(t, KindReplay, KindOf(err))

		rows, err := env.engine.ListTransactions(ctx, "alice", 1)
		require.NoError(t, err)
		assert.True(t, rows[0].IsFlagged)
	})

	t.Run("zero padded alias of a stored code", func(t *testing.T) {
		res, err := env.engine.Deposit(ctx, DepositRequest{UserID: "alice", Amount: dec("5"), Provider: "p", Reference: "r-2"})
		require.NoError(t, err)

		parts := strings.Split(res.TxCode, "-")
		require.Len(t, parts, 4)
		alias := strings.Join([]string{parts[0], parts[1], "0" + parts[2], parts[3]}, "-")

		err = env.engine.ValidateTransactionCode(ctx, alias)
		assert.ErrorIs(t, err, ErrInvalidCode)
		assert.Equal(t, KindValidation, KindOf(err))
	})
}

func TestSequence_ReplayedCodeFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "alice", "100")

	before, err := env.engine.CodeIntegrityReport(ctx)
	require.NoError(t, err)

	// plant a row carrying the code the next allocation will produce
	now := env.clock.Now().UTC()
	next := before.LastSequence + 1
	planted := models.FormatTransactionCode(now, next, env.hsm.TransactionChecksum(next, now.Format(models.CodeTimestampLayout)))
	tx, err := env.store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertTransaction(ctx, &models.Transaction{
		ID:        "planted",
		Code:      planted,
		UserID:    "alice",
		Type:      models.TxLock,
		Status:    models.StatusFailed,
		CreatedAt: now,
	}))
	require.NoError(t, tx.Commit())

	_, err = env.engine.Deposit(ctx, DepositRequest{UserID: "alice", Amount: dec("10"), Provider: "p", Reference: "r-2"})
	assert.ErrorIs(t, err, ErrDuplicateCode)
	assert.True(t, env.wallet(t, "alice").AvailableBalance.Equal(dec("100")))

	row, err := env.store.GetTransaction(ctx, "planted")
	require.NoError(t, err)
	assert.True(t, row.IsFlagged)
	assert.Equal(t, models.StatusFailed, row.Status)

	stats, err := env.engine.AdminStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.FlaggedCount)

	t.Run("allocation resumes once the clock moves", func(t *testing.T) {
		env.clock.Advance(time.Second)
		_, err := env.engine.Deposit(ctx, DepositRequest{UserID: "alice", Amount: dec("10"), Provider: "p", Reference: "r-2"})
		require.NoError(t, err)
		assert.True(t, env.wallet(t, "alice").AvailableBalance.Equal(dec("110")))
	})
}

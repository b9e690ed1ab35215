package services

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruralpay/ledger/internal/config"
	"github.com/ruralpay/ledger/internal/logging"
	"github.com/ruralpay/ledger/internal/repository"
)

func TestQR_DynamicSingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "alice", "1000")
	env.user(t, "merchant", "")

	qr, err := env.engine.CreateDynamicQR(ctx, "merchant", dec("500"), 0)
	require.NoError(t, err)
	require.NotNil(t, qr.ExpiresAt)
	assert.True(t, env.clock.Now().Add(env.cfg.QRDefaultExpiry).Equal(*qr.ExpiresAt))

	res, err := env.engine.RedeemQR(ctx, RedeemQRRequest{Token: qr.Token, PayerID: "alice", PIN: testPIN})
	require.NoError(t, err)
	assert.True(t, res.Amount.Equal(dec("500")))
	assert.Equal(t, qr.QRID, res.QRID)

	_, err = env.engine.RedeemQR(ctx, RedeemQRRequest{Token: qr.Token, PayerID: "alice", PIN: testPIN})
	assert.ErrorIs(t, err, ErrQRAlreadyUsed)

	assert.True(t, env.wallet(t, "alice").AvailableBalance.Equal(dec("500")))
	assert.True(t, env.wallet(t, "merchant").AvailableBalance.Equal(dec("500")))

	stored, err := env.store.GetQRCode(ctx, qr.QRID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
	require.NotNil(t, stored.RedeemedBy)
	assert.Equal(t, "alice", *stored.RedeemedBy)
	env.requireBalanced(t)
}

func TestQR_ConcurrentRedemption(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "merchant", "")
	payers := []string{"p1", "p2", "p3", "p4", "p5"}
	for _, p := range payers {
		env.user(t, p, "1000")
	}

	qr, err := env.engine.CreateDynamicQR(ctx, "merchant", dec("500"), 10)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for _, p := range payers {
		wg.Add(1)
		go func(payer string) {
			defer wg.Done()
			_, err := env.engine.RedeemQR(ctx, RedeemQRRequest{Token: qr.Token, PayerID: payer, PIN: testPIN})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			assert.ErrorIs(t, err, ErrQRAlreadyUsed)
		}(p)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.True(t, env.wallet(t, "merchant").AvailableBalance.Equal(dec("500")))
	env.requireBalanced(t)
}

func TestQR_RedeemRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "alice", "100")
	env.user(t, "merchant", "")

	dynamic, err := env.engine.CreateDynamicQR(ctx, "merchant", dec("40"), 5)
	require.NoError(t, err)
	static, err := env.engine.CreateStaticQR(ctx, "merchant")
	require.NoError(t, err)
	assert.Nil(t, static.ExpiresAt)

	tests := []struct {
		name string
		req  RedeemQRRequest
		want error
	}{
		{"unknown token", RedeemQRRequest{Token: "missing", PayerID: "alice", PIN: testPIN}, ErrQRNotFound},
		{"self payment", RedeemQRRequest{Token: dynamic.Token, PayerID: "merchant", PIN: testPIN}, ErrSelfPaymentForbidden},
		{"amount mismatch", RedeemQRRequest{Token: dynamic.Token, Amount: decPtr("41"), PayerID: "alice", PIN: testPIN}, ErrQRAmountMismatch},
		{"static without amount", RedeemQRRequest{Token: static.Token, PayerID: "alice", PIN: testPIN}, ErrInvalidAmount},
		{"static non-positive amount", RedeemQRRequest{Token: static.Token, Amount: decPtr("0"), PayerID: "alice", PIN: testPIN}, ErrInvalidAmount},
		{"static sub-cent amount", RedeemQRRequest{Token: static.Token, Amount: decPtr("10.005"), PayerID: "alice", PIN: testPIN}, ErrInvalidAmount},
		{"insufficient funds", RedeemQRRequest{Token: static.Token, Amount: decPtr("100.01"), PayerID: "alice", PIN: testPIN}, ErrInsufficientFunds},
		{"wrong pin", RedeemQRRequest{Token: dynamic.Token, PayerID: "alice", PIN: "0000"}, ErrPinInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.RedeemQR(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("rejected attempts leave the dynamic code redeemable", func(t *testing.T) {
		res, err := env.engine.RedeemQR(ctx, RedeemQRRequest{Token: dynamic.Token, Amount: decPtr("40.00"), PayerID: "alice", PIN: testPIN})
		require.NoError(t, err)
		assert.True(t, res.Amount.Equal(dec("40")))
	})

	t.Run("static codes are reusable", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			_, err := env.engine.RedeemQR(ctx, RedeemQRRequest{Token: static.Token, Amount: decPtr("10"), PayerID: "alice", PIN: testPIN})
			require.NoError(t, err)
		}
		assert.True(t, env.wallet(t, "merchant").AvailableBalance.Equal(dec("60")))
	})

	env.requireBalanced(t)
}

func TestQR_Expiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "alice", "100")
	env.user(t, "merchant", "")

	qr, err := env.engine.CreateDynamicQR(ctx, "merchant", dec("10"), 30)
	require.NoError(t, err)

	env.clock.Advance(30*time.Minute + time.Second)
	_, err = env.engine.RedeemQR(ctx, RedeemQRRequest{Token: qr.Token, PayerID: "alice", PIN: testPIN})
	assert.ErrorIs(t, err, ErrQRExpired)
	assert.True(t, env.wallet(t, "alice").AvailableBalance.Equal(dec("100")))

	t.Run("redeemed code stays used after it expires", func(t *testing.T) {
		paid, err := env.engine.CreateDynamicQR(ctx, "merchant", dec("10"), 5)
		require.NoError(t, err)
		_, err = env.engine.RedeemQR(ctx, RedeemQRRequest{Token: paid.Token, PayerID: "alice", PIN: testPIN})
		require.NoError(t, err)

		env.clock.Advance(5*time.Minute + time.Second)
		_, err = env.engine.RedeemQR(ctx, RedeemQRRequest{Token: paid.Token, PayerID: "alice", PIN: testPIN})
		assert.ErrorIs(t, err, ErrQRAlreadyUsed)
		assert.Equal(t, KindAlreadyUsed, KindOf(err))
		assert.True(t, env.wallet(t, "alice").AvailableBalance.Equal(dec("90")))
	})
	env.requireBalanced(t)
}

func TestQR_CreateRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "merchant", "")

	_, err := env.engine.CreateDynamicQR(ctx, "merchant", dec("0"), 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = env.engine.CreateDynamicQR(ctx, "merchant", dec("12.345"), 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = env.engine.CreateStaticQR(ctx, "ghost")
	assert.ErrorIs(t, err, ErrWalletNotFound)

	_, err = env.engine.CreateStaticQR(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestQR_DeactivateAndRender(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "alice", "100")
	env.user(t, "merchant", "")

	qr, err := env.engine.CreateStaticQR(ctx, "merchant")
	require.NoError(t, err)

	png, err := env.engine.RenderQR(ctx, "merchant", qr.QRID, 128)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))

	_, err = env.engine.RenderQR(ctx, "alice", qr.QRID, 128)
	assert.ErrorIs(t, err, ErrQRNotFound)

	assert.ErrorIs(t, env.engine.DeactivateQR(ctx, "alice", qr.QRID), ErrQRNotFound)
	require.NoError(t, env.engine.DeactivateQR(ctx, "merchant", qr.QRID))
	assert.NoError(t, env.engine.DeactivateQR(ctx, "merchant", qr.QRID))

	_, err = env.engine.RedeemQR(ctx, RedeemQRRequest{Token: qr.Token, Amount: decPtr("5"), PayerID: "alice", PIN: testPIN})
	assert.ErrorIs(t, err, ErrQRNotFound)

	_, err = env.engine.RenderQR(ctx, "merchant", qr.QRID, 128)
	assert.ErrorIs(t, err, ErrQRNotFound)

	entries, err := env.store.ListAuditEntries(ctx, "qr_code", qr.QRID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, AuditQRCreated, entries[0].Action)
	assert.Equal(t, AuditQRDeactivated, entries[1].Action)
}

func TestQR_TokenGenerationFailure(t *testing.T) {
	hsmMock := new(MockHSM)
	hsmMock.On("GenerateToken").Return("", errors.New("rng failure"))

	clock := newFakeClock()
	logger := logging.NewDiscardLogger()
	cfg := config.DefaultLedgerConfig()
	store := repository.NewMemoryStore()
	ctx := context.Background()

	engine := NewEngine(Deps{Store: store, HSM: newTestHSM(t), Config: cfg, Now: clock.Now})
	_, err := engine.CreateWallet(ctx, "merchant")
	require.NoError(t, err)

	audit := NewAuditTrail(logger, clock.Now)
	svc := NewQRService(store, engine.ledger, engine.pins, engine.seq, hsmMock, audit, cfg, logger, clock.Now)
	_, err = svc.CreateStaticQR(ctx, "merchant")
	assert.Equal(t, KindInternal, KindOf(err))
	hsmMock.AssertExpectations(t)
}

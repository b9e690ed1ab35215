package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ruralpay/ledger/internal/config"
	"github.com/ruralpay/ledger/internal/events"
	"github.com/ruralpay/ledger/internal/hsm"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/repository"
)

type MockHSM struct {
	mock.Mock
}

func (m *MockHSM) GenerateSalt() ([]byte, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockHSM) HashPIN(pin string, salt []byte) (string, error) {
	args := m.Called(pin, salt)
	return args.String(0), args.Error(1)
}

func (m *MockHSM) VerifyPIN(pin string, salt []byte, hashedPIN string) (bool, error) {
	args := m.Called(pin, salt, hashedPIN)
	return args.Bool(0), args.Error(1)
}

func (m *MockHSM) TransactionChecksum(sequence uint64, timestamp string) string {
	args := m.Called(sequence, timestamp)
	return args.String(0)
}

func (m *MockHSM) GenerateToken() (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event *events.Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const testPIN = "1234"

type testEnv struct {
	engine *Engine
	store  *repository.MemoryStore
	hsm    *hsm.HSMServer
	clock  *fakeClock
	cfg    *config.LedgerConfig
}

func newTestHSM(t *testing.T) *hsm.HSMServer {
	t.Helper()
	h, err := hsm.InitHSM(hsm.Config{
		MasterKey: "test-server-secret",
		Salt:      []byte("test-master-salt"),
		Argon2:    hsm.Argon2Params{Time: 1, Memory: 1024, Threads: 1, KeyLength: 32, SaltLength: 16},
	})
	require.NoError(t, err)
	return h
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store: repository.NewMemoryStore(),
		hsm:   newTestHSM(t),
		clock: newFakeClock(),
		cfg:   config.DefaultLedgerConfig(),
	}
	env.engine = NewEngine(Deps{
		Store:  env.store,
		HSM:    env.hsm,
		Config: env.cfg,
		Now:    env.clock.Now,
	})
	require.NoError(t, env.engine.EnsurePlatformWallet(context.Background()))
	return env
}

// user provisions a wallet with testPIN and an optional opening deposit.
func (env *testEnv) user(t *testing.T, userID, opening string) {
	t.Helper()
	ctx := context.Background()
	_, err := env.engine.CreateWallet(ctx, userID)
	require.NoError(t, err)
	require.NoError(t, env.engine.SetPIN(ctx, userID, "", testPIN))
	if opening == "" {
		return
	}
	_, err = env.engine.Deposit(ctx, DepositRequest{
		UserID:    userID,
		Amount:    dec(opening),
		Provider:  "paystack",
		Reference: "opening-" + userID,
	})
	require.NoError(t, err)
}

func (env *testEnv) booking(id, customer, provider, price string) {
	env.store.PutBooking(&models.Booking{
		ID:         id,
		CustomerID: customer,
		ProviderID: provider,
		Price:      dec(price),
		Status:     models.BookingStatusPending,
		UpdatedAt:  env.clock.Now(),
	})
}

func (env *testEnv) wallet(t *testing.T, userID string) *models.Wallet {
	t.Helper()
	w, err := env.engine.GetWallet(context.Background(), userID)
	require.NoError(t, err)
	return w
}

// requireBalanced asserts the reconciliation invariant.
func (env *testEnv) requireBalanced(t *testing.T) {
	t.Helper()
	report, err := env.engine.ReconciliationReport(context.Background())
	require.NoError(t, err)
	require.True(t, report.IsBalanced, "wallets %s, ledger %s, locked %s/%s",
		report.WalletSum, report.TransactionSum, report.LockedSum, report.LockedTransactionSum)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruralpay/ledger/internal/hsm"
	"github.com/ruralpay/ledger/internal/middleware"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/repository"
	"github.com/ruralpay/ledger/internal/services"
)

const testSecret = "handler-test-secret"

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

type testAPI struct {
	t      *testing.T
	router http.Handler
	store  *repository.MemoryStore
	auth   *middleware.Auth
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	h, err := hsm.InitHSM(hsm.Config{
		MasterKey: "server-secret",
		Salt:      []byte("salt"),
		Argon2:    hsm.Argon2Params{Time: 1, Memory: 1024, Threads: 1, KeyLength: 32, SaltLength: 16},
	})
	require.NoError(t, err)

	store := repository.NewMemoryStore()
	engine := services.NewEngine(services.Deps{Store: store, HSM: h})
	require.NoError(t, engine.EnsurePlatformWallet(t.Context()))

	auth := middleware.NewAuth(testSecret)
	r := chi.NewRouter()
	Mount(r, engine, auth)
	return &testAPI{t: t, router: r, store: store, auth: auth}
}

func (a *testAPI) token(userID, role string) string {
	token, err := a.auth.IssueToken(userID, role, time.Hour)
	require.NoError(a.t, err)
	return token
}

func (a *testAPI) do(method, path, userID, role, body string) (*httptest.ResponseRecorder, apiResponse) {
	a.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+a.token(userID, role))
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var resp apiResponse
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(a.t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func (a *testAPI) onboard(userID string) {
	a.t.Helper()
	w, _ := a.do(http.MethodPost, "/wallets", userID, "user", "")
	require.Equal(a.t, http.StatusCreated, w.Code)
	w, _ = a.do(http.MethodPost, "/pin", userID, "user", `{"pin":"2468"}`)
	require.Equal(a.t, http.StatusOK, w.Code)
}

func TestAPI_TransferFlow(t *testing.T) {
	api := newTestAPI(t)
	api.onboard("alice")
	api.onboard("bob")

	w, resp := api.do(http.MethodPost, "/admin/deposits", "collector", middleware.RoleAdmin,
		`{"user_id":"alice","amount":"1000","provider":"paystack","reference":"PSK-1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)

	w, resp = api.do(http.MethodPost, "/transfers", "alice", "user",
		`{"recipient_id":"bob","amount":"200","pin":"2468","description":"dinner"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var transfer services.TransferResult
	require.NoError(t, json.Unmarshal(resp.Data, &transfer))
	assert.NotEmpty(t, transfer.TxCodeSend)
	assert.NotEmpty(t, transfer.TxCodeReceive)

	w, resp = api.do(http.MethodGet, "/wallets/me", "bob", "user", "")
	require.Equal(t, http.StatusOK, w.Code)
	var wallet models.Wallet
	require.NoError(t, json.Unmarshal(resp.Data, &wallet))
	assert.Equal(t, "200", wallet.AvailableBalance.String())

	w, resp = api.do(http.MethodGet, "/transactions?limit=5", "alice", "user", "")
	require.Equal(t, http.StatusOK, w.Code)
	var rows []models.Transaction
	require.NoError(t, json.Unmarshal(resp.Data, &rows))
	assert.Len(t, rows, 2)

	t.Run("insufficient funds", func(t *testing.T) {
		w, resp := api.do(http.MethodPost, "/transfers", "alice", "user",
			`{"recipient_id":"bob","amount":"5000","pin":"2468"}`)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.False(t, resp.Success)
		assert.Equal(t, "INSUFFICIENT_FUNDS", resp.Code)
	})

	t.Run("wrong pin", func(t *testing.T) {
		w, resp := api.do(http.MethodPost, "/transfers", "alice", "user",
			`{"recipient_id":"bob","amount":"1","pin":"0000"}`)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "PIN_INVALID", resp.Code)
	})

	t.Run("changing pin needs the current one", func(t *testing.T) {
		w, resp := api.do(http.MethodPost, "/pin", "alice", "user", `{"pin":"1357"}`)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "PIN_INVALID", resp.Code)

		w, _ = api.do(http.MethodPost, "/pin", "alice", "user", `{"current_pin":"2468","pin":"1357"}`)
		assert.Equal(t, http.StatusOK, w.Code)
		w, _ = api.do(http.MethodPost, "/pin", "alice", "user", `{"current_pin":"1357","pin":"2468"}`)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("reconciliation stays balanced", func(t *testing.T) {
		w, resp := api.do(http.MethodGet, "/admin/reconciliation", "ops", middleware.RoleAdmin, "")
		require.Equal(t, http.StatusOK, w.Code)
		var report models.ReconciliationReport
		require.NoError(t, json.Unmarshal(resp.Data, &report))
		assert.True(t, report.IsBalanced)
	})
}

func TestAPI_RequestValidation(t *testing.T) {
	api := newTestAPI(t)
	api.onboard("alice")

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		role   string
		body   string
		status int
	}{
		{"no token", http.MethodGet, "/wallets/me", "", "", "", http.StatusUnauthorized},
		{"malformed json", http.MethodPost, "/transfers", "alice", "user", `{"recipient_id":`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/transfers", "alice", "user", `{"recipient_id":"bob","amount":"1","pin":"2468","memo":"x"}`, http.StatusBadRequest},
		{"trailing object", http.MethodPost, "/pin", "alice", "user", `{"pin":"1234"}{"pin":"1234"}`, http.StatusBadRequest},
		{"missing pin", http.MethodPost, "/transfers", "alice", "user", `{"recipient_id":"bob","amount":"1"}`, http.StatusBadRequest},
		{"bad pin format", http.MethodPost, "/pin", "alice", "user", `{"pin":"12"}`, http.StatusBadRequest},
		{"duplicate wallet", http.MethodPost, "/wallets", "alice", "user", "", http.StatusBadRequest},
		{"admin route as user", http.MethodGet, "/admin/stats", "alice", "user", "", http.StatusForbidden},
		{"unknown booking", http.MethodPost, "/admin/escrow/nope/refund", "ops", middleware.RoleAdmin, "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := api.do(tt.method, tt.path, tt.user, tt.role, tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.False(t, resp.Success)
		})
	}
}

func TestAPI_EscrowFlow(t *testing.T) {
	api := newTestAPI(t)
	api.onboard("customer")
	api.onboard("provider")
	api.store.PutBooking(&models.Booking{
		ID:         "bk-1",
		CustomerID: "customer",
		ProviderID: "provider",
		Price:      mustDec(t, "1000"),
		Status:     models.BookingStatusPending,
	})

	w, _ := api.do(http.MethodPost, "/admin/deposits", "collector", middleware.RoleAdmin,
		`{"user_id":"customer","amount":"1000","provider":"paystack","reference":"PSK-9"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = api.do(http.MethodPost, "/escrow/lock", "customer", "user", `{"booking_id":"bk-1","amount":"1000"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w, resp := api.do(http.MethodPost, "/escrow/lock", "customer", "user", `{"booking_id":"bk-1","amount":"1000"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ESCROW_ALREADY_HELD", resp.Code)

	w, resp = api.do(http.MethodPost, "/admin/escrow/bk-1/release", "ops", middleware.RoleAdmin, "")
	require.Equal(t, http.StatusOK, w.Code)
	var release services.ReleaseEscrowResult
	require.NoError(t, json.Unmarshal(resp.Data, &release))
	assert.Equal(t, "150", release.CommissionAmount.String())
	assert.Equal(t, "850", release.ProviderAmount.String())

	w, resp = api.do(http.MethodPost, "/admin/escrow/bk-1/release", "ops", middleware.RoleAdmin, `{"commission_rate":"10"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "BOOKING_CLOSED", resp.Code)
}

func TestAPI_QRFlow(t *testing.T) {
	api := newTestAPI(t)
	api.onboard("merchant")
	api.onboard("alice")

	w, _ := api.do(http.MethodPost, "/admin/deposits", "collector", middleware.RoleAdmin,
		`{"user_id":"alice","amount":"600","provider":"paystack","reference":"PSK-2"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w, resp := api.do(http.MethodPost, "/qr/dynamic", "merchant", "user", `{"amount":"500","expires_in_minutes":10}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var qr services.QRCreated
	require.NoError(t, json.Unmarshal(resp.Data, &qr))

	redeem := `{"token":"` + qr.Token + `","pin":"2468"}`
	w, _ = api.do(http.MethodPost, "/qr/redeem", "alice", "user", redeem)
	require.Equal(t, http.StatusOK, w.Code)

	w, resp = api.do(http.MethodPost, "/qr/redeem", "alice", "user", redeem)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "QR_ALREADY_USED", resp.Code)

	t.Run("static image", func(t *testing.T) {
		w, resp := api.do(http.MethodPost, "/qr/static", "merchant", "user", "")
		require.Equal(t, http.StatusCreated, w.Code)
		var static services.QRCreated
		require.NoError(t, json.Unmarshal(resp.Data, &static))

		w, _ = api.do(http.MethodGet, "/qr/"+static.QRID+"/image?size=64", "merchant", "user", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
		assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))

		w, _ = api.do(http.MethodDelete, "/qr/"+static.QRID, "merchant", "user", "")
		assert.Equal(t, http.StatusOK, w.Code)

		w, resp = api.do(http.MethodGet, "/qr/"+static.QRID+"/image", "merchant", "user", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "QR_NOT_FOUND", resp.Code)
	})
}

func TestAPI_AdminFlagsAndCodes(t *testing.T) {
	api := newTestAPI(t)
	api.onboard("alice")

	w, resp := api.do(http.MethodPost, "/admin/deposits", "collector", middleware.RoleAdmin,
		`{"user_id":"alice","amount":"80","provider":"paystack","reference":"PSK-3"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var deposit services.DepositResult
	require.NoError(t, json.Unmarshal(resp.Data, &deposit))

	rows, err := api.store.ListTransactions(t.Context(), "alice", 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	w, resp = api.do(http.MethodPost, "/admin/transactions/"+rows[0].ID+"/flag", "ops", middleware.RoleAdmin, `{"reason":"structuring"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var flagged struct {
		FlagID string `json:"flag_id"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &flagged))

	w, resp = api.do(http.MethodPost, "/admin/flags/"+flagged.FlagID+"/resolve", "ops", middleware.RoleAdmin, `{"notes":"ok","unblock":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resolved struct {
		TxID string `json:"tx_id"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &resolved))
	assert.Equal(t, rows[0].ID, resolved.TxID)

	w, resp = api.do(http.MethodPost, "/admin/codes/validate", "ops", middleware.RoleAdmin, `{"code":"`+deposit.TxCode+`"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "DUPLICATE_TRANSACTION_CODE", resp.Code)

	w, resp = api.do(http.MethodPost, "/admin/codes", "ops", middleware.RoleAdmin, "")
	require.Equal(t, http.StatusCreated, w.Code)
	var allocated struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &allocated))

	w, _ = api.do(http.MethodPost, "/admin/codes/validate", "ops", middleware.RoleAdmin, `{"code":"`+allocated.Code+`"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	for _, path := range []string{"/admin/stats", "/admin/suspicious", "/admin/code-integrity"} {
		w, resp := api.do(http.MethodGet, path, "ops", middleware.RoleAdmin, "")
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.True(t, resp.Success, path)
	}
}

func mustDec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

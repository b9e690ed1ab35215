package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ruralpay/ledger/internal/services"
)

type LedgerHandler struct {
	engine    *services.Engine
	validator *services.ValidationHelper
}

func NewLedgerHandler(engine *services.Engine) *LedgerHandler {
	return &LedgerHandler{
		engine:    engine,
		validator: services.NewValidationHelper(),
	}
}

// CreateWallet provisions the caller's wallet
// @Summary Create wallet
// @Tags Wallet
// @Produce json
// @Security BearerAuth
// @Success 201 {object} models.Wallet
// @Failure 400 {object} services.ErrorResponse
// @Router /wallets [post]
func (h *LedgerHandler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	wallet, err := h.engine.CreateWallet(r.Context(), userID)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wallet)
}

// GetWallet returns the caller's balances
// @Summary Get wallet
// @Tags Wallet
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.Wallet
// @Failure 404 {object} services.ErrorResponse
// @Router /wallets/me [get]
func (h *LedgerHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	wallet, err := h.engine.GetWallet(r.Context(), userID)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// ListTransactions returns the caller's recent ledger rows
// @Summary List transactions
// @Tags Wallet
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Maximum rows (default 50, max 200)"
// @Success 200 {array} models.Transaction
// @Router /transactions [get]
func (h *LedgerHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	rows, err := h.engine.ListTransactions(r.Context(), userID, queryInt(r, "limit", 0))
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// SetPIN installs the caller's transaction PIN; changing it requires the current one
// @Summary Set PIN
// @Tags Wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{current_pin=string,pin=string} true "4 to 6 digit PIN"
// @Success 200 {object} object{success=bool}
// @Failure 400 {object} services.ErrorResponse
// @Failure 403 {object} services.ErrorResponse
// @Router /pin [post]
func (h *LedgerHandler) SetPIN(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req struct {
		CurrentPIN string `json:"current_pin"`
		PIN        string `json:"pin" validate:"required"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	if err := h.engine.SetPIN(r.Context(), userID, req.CurrentPIN, req.PIN); err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// Transfer sends funds from the caller to another wallet
// @Summary Transfer
// @Tags Ledger
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{recipient_id=string,amount=string,pin=string,description=string} true "Transfer request"
// @Success 200 {object} services.TransferResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 403 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /transfers [post]
func (h *LedgerHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req struct {
		RecipientID string          `json:"recipient_id" validate:"required"`
		Amount      decimal.Decimal `json:"amount"`
		PIN         string          `json:"pin" validate:"required"`
		Description string          `json:"description"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	res, err := h.engine.Transfer(r.Context(), services.TransferRequest{
		SenderID:    userID,
		RecipientID: req.RecipientID,
		Amount:      req.Amount,
		PIN:         req.PIN,
		Description: req.Description,
	})
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Withdraw pays out the caller's available funds
// @Summary Withdraw
// @Tags Ledger
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{amount=string,pin=string,destination=string,reference=string} true "Withdrawal request"
// @Success 200 {object} services.WithdrawResult
// @Failure 422 {object} services.ErrorResponse
// @Router /withdrawals [post]
func (h *LedgerHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req struct {
		Amount      decimal.Decimal `json:"amount"`
		PIN         string          `json:"pin" validate:"required"`
		Destination string          `json:"destination" validate:"required"`
		Reference   string          `json:"reference"`
		Description string          `json:"description"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	res, err := h.engine.Withdraw(r.Context(), services.WithdrawRequest{
		UserID:      userID,
		Amount:      req.Amount,
		PIN:         req.PIN,
		Destination: req.Destination,
		Reference:   req.Reference,
		Description: req.Description,
	})
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// LockEscrow holds the caller's funds against a booking
// @Summary Lock escrow
// @Tags Escrow
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{booking_id=string,amount=string,description=string} true "Escrow request"
// @Success 200 {object} services.LockEscrowResult
// @Router /escrow/lock [post]
func (h *LedgerHandler) LockEscrow(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req struct {
		BookingID   string          `json:"booking_id" validate:"required"`
		Amount      decimal.Decimal `json:"amount"`
		Description string          `json:"description"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	res, err := h.engine.LockEscrow(r.Context(), services.LockEscrowRequest{
		CustomerID:  userID,
		BookingID:   req.BookingID,
		Amount:      req.Amount,
		Description: req.Description,
	})
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ReleaseEscrow completes a booking and pays the provider
// @Summary Release escrow
// @Tags Escrow
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param bookingID path string true "Booking id"
// @Param request body object{commission_rate=string} false "Optional commission override"
// @Success 200 {object} services.ReleaseEscrowResult
// @Router /admin/escrow/{bookingID}/release [post]
func (h *LedgerHandler) ReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	req := services.ReleaseEscrowRequest{BookingID: chi.URLParam(r, "bookingID")}
	if r.ContentLength > 0 {
		var body struct {
			CommissionRate *decimal.Decimal `json:"commission_rate"`
		}
		if !decodeJSON(w, r, h.validator, &body) {
			return
		}
		req.CommissionRate = body.CommissionRate
	}

	res, err := h.engine.ReleaseEscrow(r.Context(), req)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RefundEscrow cancels a booking and returns the held funds
// @Summary Refund escrow
// @Tags Escrow
// @Produce json
// @Security BearerAuth
// @Param bookingID path string true "Booking id"
// @Success 200 {object} services.LockEscrowResult
// @Router /admin/escrow/{bookingID}/refund [post]
func (h *LedgerHandler) RefundEscrow(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.RefundEscrow(r.Context(), chi.URLParam(r, "bookingID"))
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

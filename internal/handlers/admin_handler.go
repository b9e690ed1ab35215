package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ruralpay/ledger/internal/services"
)

// AdminHandler serves operator and collector routes. Callers are
// authenticated with the admin role.
type AdminHandler struct {
	engine    *services.Engine
	validator *services.ValidationHelper
}

func NewAdminHandler(engine *services.Engine) *AdminHandler {
	return &AdminHandler{
		engine:    engine,
		validator: services.NewValidationHelper(),
	}
}

// Deposit applies a collector "deposit succeeded" notification
// @Summary Record deposit
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.DepositRequest true "Deposit notification"
// @Success 200 {object} services.DepositResult
// @Router /admin/deposits [post]
func (h *AdminHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string          `json:"user_id" validate:"required"`
		Amount      decimal.Decimal `json:"amount"`
		Provider    string          `json:"provider" validate:"required"`
		Reference   string          `json:"reference" validate:"required"`
		Description string          `json:"description"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	res, err := h.engine.Deposit(r.Context(), services.DepositRequest{
		UserID:      req.UserID,
		Amount:      req.Amount,
		Provider:    req.Provider,
		Reference:   req.Reference,
		Description: req.Description,
	})
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// FlagTransaction marks a ledger row as suspicious
// @Summary Flag transaction
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param txID path string true "Transaction id"
// @Param request body object{reason=string} true "Flag reason"
// @Success 201 {object} object{flag_id=string}
// @Router /admin/transactions/{txID}/flag [post]
func (h *AdminHandler) FlagTransaction(w http.ResponseWriter, r *http.Request) {
	actor, ok := callerID(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason" validate:"required,max=255"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	flagID, err := h.engine.FlagTransaction(r.Context(), chi.URLParam(r, "txID"), req.Reason, actor)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"flag_id": flagID})
}

// ResolveFlag closes an open flag
// @Summary Resolve flag
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param flagID path string true "Flag id"
// @Param request body object{notes=string,unblock=bool} true "Resolution"
// @Success 200 {object} object{tx_id=string}
// @Router /admin/flags/{flagID}/resolve [post]
func (h *AdminHandler) ResolveFlag(w http.ResponseWriter, r *http.Request) {
	actor, ok := callerID(w, r)
	if !ok {
		return
	}

	var req struct {
		Notes   string `json:"notes" validate:"max=1000"`
		Unblock bool   `json:"unblock"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	txID, err := h.engine.ResolveFlag(r.Context(), chi.URLParam(r, "flagID"), actor, req.Notes, req.Unblock)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tx_id": txID})
}

// AllocateCode hands out a transaction code
// @Summary Allocate transaction code
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Success 201 {object} object{code=string}
// @Router /admin/codes [post]
func (h *AdminHandler) AllocateCode(w http.ResponseWriter, r *http.Request) {
	code, err := h.engine.AllocateTransactionCode(r.Context())
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"code": code})
}

// ValidateCode checks a code's checksum and that it has not been used
// @Summary Validate transaction code
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{code=string} true "Code"
// @Success 200 {object} object{valid=bool}
// @Failure 409 {object} services.ErrorResponse
// @Router /admin/codes/validate [post]
func (h *AdminHandler) ValidateCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code" validate:"required"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	if err := h.engine.ValidateTransactionCode(r.Context(), req.Code); err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

// @Summary Ledger statistics
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.LedgerStats
// @Router /admin/stats [get]
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.AdminStats(r.Context())
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// @Summary Reconciliation report
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.ReconciliationReport
// @Router /admin/reconciliation [get]
func (h *AdminHandler) Reconciliation(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.ReconciliationReport(r.Context())
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// @Summary Suspicious activity report
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Success 200 {array} models.SuspiciousUser
// @Router /admin/suspicious [get]
func (h *AdminHandler) SuspiciousActivity(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.SuspiciousActivityReport(r.Context())
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// @Summary Transaction code integrity report
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.CodeIntegrityReport
// @Router /admin/code-integrity [get]
func (h *AdminHandler) CodeIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.CodeIntegrityReport(r.Context())
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ruralpay/ledger/internal/services"
)

type QRHandler struct {
	engine    *services.Engine
	validator *services.ValidationHelper
}

func NewQRHandler(engine *services.Engine) *QRHandler {
	return &QRHandler{
		engine:    engine,
		validator: services.NewValidationHelper(),
	}
}

// CreateStaticQR issues a reusable payment code for the caller
// @Summary Create static QR code
// @Tags QR
// @Produce json
// @Security BearerAuth
// @Success 201 {object} services.QRCreated
// @Router /qr/static [post]
func (h *QRHandler) CreateStaticQR(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	qr, err := h.engine.CreateStaticQR(r.Context(), userID)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, qr)
}

// CreateDynamicQR issues a single-use code for a fixed amount
// @Summary Create dynamic QR code
// @Tags QR
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{amount=string,expires_in_minutes=int} true "QR request"
// @Success 201 {object} services.QRCreated
// @Failure 400 {object} services.ErrorResponse
// @Router /qr/dynamic [post]
func (h *QRHandler) CreateDynamicQR(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req struct {
		Amount           decimal.Decimal `json:"amount"`
		ExpiresInMinutes int             `json:"expires_in_minutes" validate:"gte=0,lte=1440"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	qr, err := h.engine.CreateDynamicQR(r.Context(), userID, req.Amount, req.ExpiresInMinutes)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, qr)
}

// RedeemQR pays the owner of a scanned code
// @Summary Redeem QR code
// @Tags QR
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{token=string,amount=string,pin=string,description=string} true "Redemption request"
// @Success 200 {object} services.QRRedeemed
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Failure 410 {object} services.ErrorResponse
// @Router /qr/redeem [post]
func (h *QRHandler) RedeemQR(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req struct {
		Token       string           `json:"token" validate:"required"`
		Amount      *decimal.Decimal `json:"amount"`
		PIN         string           `json:"pin" validate:"required"`
		Description string           `json:"description"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	res, err := h.engine.RedeemQR(r.Context(), services.RedeemQRRequest{
		Token:       req.Token,
		Amount:      req.Amount,
		PayerID:     userID,
		PIN:         req.PIN,
		Description: req.Description,
	})
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DeactivateQR retires one of the caller's codes
// @Summary Deactivate QR code
// @Tags QR
// @Produce json
// @Security BearerAuth
// @Param qrID path string true "QR id"
// @Success 200 {object} object{success=bool}
// @Router /qr/{qrID} [delete]
func (h *QRHandler) DeactivateQR(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	if err := h.engine.DeactivateQR(r.Context(), userID, chi.URLParam(r, "qrID")); err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// QRImage renders one of the caller's active codes as PNG
// @Summary QR code image
// @Tags QR
// @Produce png
// @Security BearerAuth
// @Param qrID path string true "QR id"
// @Param size query int false "Edge length in pixels (default 256)"
// @Success 200 {file} binary
// @Router /qr/{qrID}/image [get]
func (h *QRHandler) QRImage(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	png, err := h.engine.RenderQR(r.Context(), userID, chi.URLParam(r, "qrID"), queryInt(r, "size", 256))
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

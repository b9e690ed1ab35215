package handlers

import (
	"github.com/go-chi/chi/v5"

	"github.com/ruralpay/ledger/internal/middleware"
	"github.com/ruralpay/ledger/internal/services"
)

// Mount registers the ledger API on r behind auth.
func Mount(r chi.Router, engine *services.Engine, auth *middleware.Auth) {
	ledger := NewLedgerHandler(engine)
	qr := NewQRHandler(engine)
	admin := NewAdminHandler(engine)

	r.Group(func(r chi.Router) {
		r.Use(auth.Authenticate)

		r.Post("/wallets", ledger.CreateWallet)
		r.Get("/wallets/me", ledger.GetWallet)
		r.Get("/transactions", ledger.ListTransactions)
		r.Post("/pin", ledger.SetPIN)
		r.Post("/transfers", ledger.Transfer)
		r.Post("/withdrawals", ledger.Withdraw)
		r.Post("/escrow/lock", ledger.LockEscrow)

		r.Post("/qr/static", qr.CreateStaticQR)
		r.Post("/qr/dynamic", qr.CreateDynamicQR)
		r.Post("/qr/redeem", qr.RedeemQR)
		r.Delete("/qr/{qrID}", qr.DeactivateQR)
		r.Get("/qr/{qrID}/image", qr.QRImage)

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin)

			r.Post("/deposits", admin.Deposit)
			r.Post("/escrow/{bookingID}/release", ledger.ReleaseEscrow)
			r.Post("/escrow/{bookingID}/refund", ledger.RefundEscrow)
			r.Post("/transactions/{txID}/flag", admin.FlagTransaction)
			r.Post("/flags/{flagID}/resolve", admin.ResolveFlag)
			r.Post("/codes", admin.AllocateCode)
			r.Post("/codes/validate", admin.ValidateCode)
			r.Get("/stats", admin.Stats)
			r.Get("/reconciliation", admin.Reconciliation)
			r.Get("/suspicious", admin.SuspiciousActivity)
			r.Get("/code-integrity", admin.CodeIntegrity)
		})
	})
}

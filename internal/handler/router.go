package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/campus-booking/internal/logger"
)

// NewRouter builds the HTTP API.
func NewRouter(h *TransactionHandler, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.Recoverer) // recover from panics, return 500
	r.Use(chimiddleware.RequestID) // attach request IDs
	r.Use(chimiddleware.RealIP)    // trust X-Forwarded-For
	r.Use(logger.RequestLogger(log))

	r.Get("/health", HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/resources/{resourceID}", func(r chi.Router) {
			r.Post("/pay", h.Pay)
			r.Post("/finalize", h.Finalize)
			r.Post("/cancel", h.Cancel)
		})
		r.Route("/payers/{payerID}", func(r chi.Router) {
			r.Get("/wallet", h.WalletSummary)
			r.Get("/payments", h.ListPayments)
		})
	})

	if h.webhooks != nil {
		r.Post("/webhooks/stripe", h.StripeWebhook)
	}
	return r
}

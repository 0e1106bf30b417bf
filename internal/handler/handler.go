// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the transaction service.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/campus-booking/internal/apperror"
	"github.com/Shivanand-hulikatti/campus-booking/internal/gateway"
	"github.com/Shivanand-hulikatti/campus-booking/internal/model"
)

const (
	maxBodyBytes    = 1 << 20 // 1 MB limit
	maxWebhookBytes = 64 << 10

	signatureHeader = "Stripe-Signature"
)

// Service is the orchestrator surface the handlers call.
type Service interface {
	Pay(ctx context.Context, req model.PayRequest) (*model.PaymentOutcome, error)
	FinalizeCardPayment(ctx context.Context, req model.FinalizeRequest) (*model.PaymentOutcome, error)
	Cancel(ctx context.Context, req model.CancelRequest) (*model.RefundOutcome, error)
	WalletSummary(ctx context.Context, payerID string) (*model.WalletSummary, error)
	ListPayments(ctx context.Context, payerID string) ([]model.PaymentRecord, error)
	HandleGatewayEvent(ctx context.Context, ev *gateway.Event) (*model.PaymentOutcome, error)
}

// WebhookVerifier authenticates gateway webhook payloads.
type WebhookVerifier interface {
	VerifyWebhook(payload []byte, signature string) (*gateway.Event, error)
}

// TransactionHandler holds all HTTP handlers for the payment API.
type TransactionHandler struct {
	svc      Service
	webhooks WebhookVerifier
	log      *zap.Logger
}

// NewTransactionHandler constructs a TransactionHandler. webhooks may be nil,
// in which case the webhook route is not mounted.
func NewTransactionHandler(svc Service, webhooks WebhookVerifier, log *zap.Logger) *TransactionHandler {
	return &TransactionHandler{svc: svc, webhooks: webhooks, log: log}
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, model.Envelope{Success: true, Message: message, Data: data})
}

func (h *TransactionHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apperror.LogError(h.log, err, "request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
	)
	writeJSON(w, apperror.HTTPStatus(err), model.Envelope{
		Success: false,
		Message: apperror.PublicMessage(err),
	})
}

func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperror.Validation("request body is required")
		}
		return apperror.Validation("invalid request body: " + err.Error())
	}
	return nil
}

// ─── Handlers ─────────────────────────────────────────────────────────────────

// Pay handles POST /api/v1/resources/{resourceID}/pay
// Reserves a seat and pays from the wallet, or starts a card checkout.
func (h *TransactionHandler) Pay(w http.ResponseWriter, r *http.Request) {
	var req model.PayRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	req.ResourceID = chi.URLParam(r, "resourceID")

	out, err := h.svc.Pay(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if out.State == model.StateAwaitingCard {
		writeData(w, http.StatusAccepted, "complete the card payment to finish registration", out)
		return
	}
	writeData(w, http.StatusCreated, "registration paid", out)
}

// Finalize handles POST /api/v1/resources/{resourceID}/finalize
// Reconciles a settled card payment. Safe to retry.
func (h *TransactionHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	var req model.FinalizeRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	req.ResourceID = chi.URLParam(r, "resourceID")

	out, err := h.svc.FinalizeCardPayment(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	message := "registration paid"
	if out.Replayed {
		message = "payment already recorded"
	}
	writeData(w, http.StatusOK, message, out)
}

// Cancel handles POST /api/v1/resources/{resourceID}/cancel
func (h *TransactionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req model.CancelRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	req.ResourceID = chi.URLParam(r, "resourceID")

	out, err := h.svc.Cancel(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "registration cancelled and refunded to wallet", out)
}

// WalletSummary handles GET /api/v1/payers/{payerID}/wallet
func (h *TransactionHandler) WalletSummary(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.WalletSummary(r.Context(), chi.URLParam(r, "payerID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "wallet summary", out)
}

// ListPayments handles GET /api/v1/payers/{payerID}/payments
func (h *TransactionHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.ListPayments(r.Context(), chi.URLParam(r, "payerID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "payments", records)
}

// StripeWebhook handles POST /webhooks/stripe
// Business rejections are acknowledged with 200 so the gateway does not
// redeliver them; server-side failures return 5xx to trigger a retry.
func (h *TransactionHandler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		h.writeError(w, r, apperror.Validation("could not read webhook body"))
		return
	}

	ev, err := h.webhooks.VerifyWebhook(payload, r.Header.Get(signatureHeader))
	if err != nil {
		h.log.Warn("webhook rejected", zap.Error(err))
		h.writeError(w, r, apperror.Validation("invalid webhook signature"))
		return
	}

	out, err := h.svc.HandleGatewayEvent(r.Context(), ev)
	if err != nil {
		if apperror.HTTPStatus(err) >= http.StatusInternalServerError {
			h.writeError(w, r, err)
			return
		}
		apperror.LogError(h.log, err, "webhook event not applied", zap.String("event_id", ev.ID))
		writeJSON(w, http.StatusOK, model.Envelope{Success: false, Message: apperror.PublicMessage(err)})
		return
	}
	if out == nil {
		writeData(w, http.StatusOK, "event ignored", nil)
		return
	}
	writeData(w, http.StatusOK, "event processed", out)
}

// ─── Health check ─────────────────────────────────────────────────────────────

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

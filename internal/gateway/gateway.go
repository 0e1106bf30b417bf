// Package gateway adapts the external card-payment gateway. It is the only
// package that talks to a payment network.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrUnavailable is returned when no gateway credentials are configured.
var ErrUnavailable = errors.New("payment gateway unavailable")

// ErrNotPayable is returned when there is nothing to charge.
var ErrNotPayable = errors.New("amount is not payable")

// ErrIntentNotFound is returned by Retrieve for an unknown intent.
var ErrIntentNotFound = errors.New("payment intent not found")

// Status mirrors the gateway's intent lifecycle.
type Status string

const (
	StatusRequiresPaymentMethod Status = "requires_payment_method"
	StatusRequiresConfirmation  Status = "requires_confirmation"
	StatusRequiresAction        Status = "requires_action"
	StatusProcessing            Status = "processing"
	StatusSucceeded             Status = "succeeded"
	StatusCanceled              Status = "canceled"
)

// Settled reports whether the funds have been captured.
func (s Status) Settled() bool {
	return s == StatusSucceeded
}

// Metadata keys attached to every intent.
const (
	MetaResourceID    = "resource_id"
	MetaPayerID       = "payer_id"
	MetaWalletPortion = "wallet_portion"
)

// IntentRequest describes the card part of a registration payment.
type IntentRequest struct {
	ResourceID    uuid.UUID
	PayerID       uuid.UUID
	Amount        decimal.Decimal
	WalletPortion decimal.Decimal
	Currency      string
	CardToken     string
}

// Intent is a gateway payment intent.
type Intent struct {
	ID            string
	ClientSecret  string
	Status        Status
	Amount        decimal.Decimal
	Currency      string
	ResourceID    uuid.UUID
	PayerID       uuid.UUID
	WalletPortion decimal.Decimal
	// Refunded is set once the captured charge has been refunded.
	Refunded bool
}

// BelongsTo reports whether the intent was created for this payer and resource.
func (i *Intent) BelongsTo(resourceID, payerID uuid.UUID) bool {
	return i.ResourceID == resourceID && i.PayerID == payerID
}

// Event is a verified gateway webhook event.
type Event struct {
	ID     string
	Type   string
	Intent *Intent
}

// EventPaymentSucceeded is the webhook type carrying a settled intent.
const EventPaymentSucceeded = "payment_intent.succeeded"

// Client is the gateway capability consumed by the transaction engine.
type Client interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	Retrieve(ctx context.Context, intentID string) (*Intent, error)
	Refund(ctx context.Context, intentID string) error
}

// ─── Metadata and amount conversion ───────────────────────────────────────────

func metadataFor(req IntentRequest) map[string]string {
	return map[string]string{
		MetaResourceID:    req.ResourceID.String(),
		MetaPayerID:       req.PayerID.String(),
		MetaWalletPortion: req.WalletPortion.String(),
	}
}

// applyMetadata fills the ownership fields of in from metadata. Missing or
// malformed values leave the zero value, which never matches a real pair.
func applyMetadata(in *Intent, md map[string]string) {
	if id, err := uuid.Parse(md[MetaResourceID]); err == nil {
		in.ResourceID = id
	}
	if id, err := uuid.Parse(md[MetaPayerID]); err == nil {
		in.PayerID = id
	}
	if w, err := decimal.NewFromString(md[MetaWalletPortion]); err == nil {
		in.WalletPortion = w
	}
}

// zeroDecimal lists currencies whose minor unit is the major unit.
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

func exponent(currency string) int32 {
	if zeroDecimal[strings.ToLower(currency)] {
		return 0
	}
	return 2
}

// ToMinorUnits converts amount to the integer minor units the gateway expects.
func ToMinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	minor := amount.Shift(exponent(currency))
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more precision than %s allows", amount, currency)
	}
	return minor.IntPart(), nil
}

// FromMinorUnits converts gateway minor units back to a decimal amount.
func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -exponent(currency))
}

// idempotencyKey identifies one CreateIntent call across the client's
// network retries.
func idempotencyKey(req IntentRequest) string {
	return fmt.Sprintf("intent:%s:%s:%s", req.ResourceID, req.PayerID, uuid.NewString())
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
	"go.uber.org/zap"
)

// StripeConfig configures a StripeGateway.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// APIURL overrides the API base URL. Tests point it at httptest.
	APIURL string
	// MaxNetworkRetries defaults to the library default when nil.
	MaxNetworkRetries *int64
}

// StripeGateway implements Client with stripe-go. The API client is owned by
// the gateway instance; the package-level stripe.Key is never used.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
	log           *zap.Logger
}

// NewStripeGateway constructs a StripeGateway. With an empty secret key the
// gateway is constructed but every call fails with ErrUnavailable.
func NewStripeGateway(cfg StripeConfig, log *zap.Logger) *StripeGateway {
	g := &StripeGateway{webhookSecret: cfg.WebhookSecret, log: log}
	if cfg.SecretKey == "" {
		return g
	}

	backendCfg := &stripe.BackendConfig{
		LeveledLogger:     log.Sugar(),
		MaxNetworkRetries: cfg.MaxNetworkRetries,
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	}

	g.api = &client.API{}
	g.api.Init(cfg.SecretKey, backends)
	return g
}

// Configured reports whether credentials are present.
func (g *StripeGateway) Configured() bool {
	return g.api != nil
}

// CreateIntent creates a PaymentIntent for the card portion.
func (g *StripeGateway) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if !g.Configured() {
		return nil, ErrUnavailable
	}
	if !req.Amount.IsPositive() {
		return nil, ErrNotPayable
	}
	minor, err := ToMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, err
	}

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(minor),
		Currency:           stripe.String(strings.ToLower(req.Currency)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Description:        stripe.String("Registration " + req.ResourceID.String()),
	}
	if req.CardToken != "" {
		params.PaymentMethod = stripe.String(req.CardToken)
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey(req))
	for k, v := range metadataFor(req) {
		params.AddMetadata(k, v)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, g.wrap("create payment intent", err)
	}

	g.log.Info("payment intent created",
		zap.String("intent_id", pi.ID),
		zap.String("resource_id", req.ResourceID.String()),
		zap.String("payer_id", req.PayerID.String()),
		zap.Int64("amount_minor", minor),
	)
	return toIntent(pi), nil
}

// Retrieve fetches an intent for reconciliation.
func (g *StripeGateway) Retrieve(ctx context.Context, intentID string) (*Intent, error) {
	if !g.Configured() {
		return nil, ErrUnavailable
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")
	pi, err := g.api.PaymentIntents.Get(intentID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
			return nil, ErrIntentNotFound
		}
		return nil, g.wrap("retrieve payment intent", err)
	}
	return toIntent(pi), nil
}

// Refund refunds the full captured amount of an intent.
func (g *StripeGateway) Refund(ctx context.Context, intentID string) error {
	if !g.Configured() {
		return ErrUnavailable
	}

	params := &stripe.RefundParams{PaymentIntent: stripe.String(intentID)}
	params.Context = ctx
	params.SetIdempotencyKey("refund:" + intentID)

	re, err := g.api.Refunds.New(params)
	if err != nil {
		return g.wrap("refund payment intent", err)
	}
	g.log.Info("payment intent refunded",
		zap.String("intent_id", intentID),
		zap.String("refund_id", re.ID),
		zap.String("status", string(re.Status)),
	)
	return nil
}

// VerifyWebhook checks the signature of a webhook payload and decodes the
// payment intent it carries, if any.
func (g *StripeGateway) VerifyWebhook(payload []byte, signature string) (*Event, error) {
	if g.webhookSecret == "" {
		return nil, ErrUnavailable
	}

	ev, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("verify webhook: %w", err)
	}

	out := &Event{ID: ev.ID, Type: string(ev.Type)}
	if strings.HasPrefix(out.Type, "payment_intent.") && ev.Data != nil {
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		out.Intent = toIntent(&pi)
	}
	return out, nil
}

func (g *StripeGateway) wrap(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return fmt.Errorf("%s: %s (%s, status %d): %w", op, stripeErr.Msg, stripeErr.Code, stripeErr.HTTPStatusCode, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func toIntent(pi *stripe.PaymentIntent) *Intent {
	currency := string(pi.Currency)
	in := &Intent{
		ID:            pi.ID,
		ClientSecret:  pi.ClientSecret,
		Status:        Status(pi.Status),
		Amount:        FromMinorUnits(pi.Amount, currency),
		Currency:      currency,
		WalletPortion: decimal.Zero,
		Refunded:      pi.LatestCharge != nil && pi.LatestCharge.AmountRefunded > 0,
	}
	applyMetadata(in, pi.Metadata)
	return in
}

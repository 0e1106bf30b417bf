// Package notify delivers payment and refund receipts. Delivery is
// fire-and-forget from the engine's point of view: callers log failures and
// never roll back a committed payment because a receipt was not sent.
package notify

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/campus-booking/internal/model"
)

// Notifier sends receipts.
type Notifier interface {
	SendPaymentReceipt(ctx context.Context, payer *model.Payer, resource *model.Resource, record *model.PaymentRecord) error
	SendRefundReceipt(ctx context.Context, payer *model.Payer, resource *model.Resource, record *model.PaymentRecord) error
}

// Receipt event types, also used as AMQP routing keys.
const (
	EventPaymentReceipt = "payment.receipt"
	EventRefundReceipt  = "payment.refund"
)

// ReceiptEvent is the JSON message published to brokers.
type ReceiptEvent struct {
	Type          string              `json:"type"`
	RecordID      uuid.UUID           `json:"record_id"`
	ReceiptNumber string              `json:"receipt_number"`
	PayerID       uuid.UUID           `json:"payer_id"`
	PayerEmail    string              `json:"payer_email"`
	ResourceID    uuid.UUID           `json:"resource_id"`
	ResourceTitle string              `json:"resource_title"`
	Amount        decimal.Decimal     `json:"amount"`
	WalletPortion decimal.Decimal     `json:"wallet_portion"`
	CardPortion   decimal.Decimal     `json:"card_portion"`
	Currency      string              `json:"currency"`
	Method        model.PaymentMethod `json:"method"`
	RefundAmount  *decimal.Decimal    `json:"refund_amount,omitempty"`
	OccurredAt    time.Time           `json:"occurred_at"`
}

// NewReceiptEvent builds the broker message for a payment or refund.
func NewReceiptEvent(eventType string, payer *model.Payer, resource *model.Resource, record *model.PaymentRecord) ReceiptEvent {
	occurred := record.CreatedAt
	if record.RefundedAt != nil && eventType == EventRefundReceipt {
		occurred = *record.RefundedAt
	}
	return ReceiptEvent{
		Type:          eventType,
		RecordID:      record.ID,
		ReceiptNumber: record.ReceiptNumber,
		PayerID:       payer.ID,
		PayerEmail:    payer.Email,
		ResourceID:    resource.ID,
		ResourceTitle: resource.Title,
		Amount:        record.Amount,
		WalletPortion: record.WalletPortion,
		CardPortion:   record.CardPortion,
		Currency:      record.Currency,
		Method:        record.Method,
		RefundAmount:  record.RefundAmount,
		OccurredAt:    occurred,
	}
}

// ─── Log ──────────────────────────────────────────────────────────────────────

// LogNotifier writes receipts to the log. It is the default backend.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) SendPaymentReceipt(_ context.Context, payer *model.Payer, resource *model.Resource, record *model.PaymentRecord) error {
	n.log.Info("payment receipt",
		zap.String("receipt_number", record.ReceiptNumber),
		zap.String("payer_email", payer.Email),
		zap.String("resource", resource.Title),
		zap.String("amount", record.Amount.StringFixed(2)),
		zap.String("method", string(record.Method)),
	)
	return nil
}

func (n *LogNotifier) SendRefundReceipt(_ context.Context, payer *model.Payer, resource *model.Resource, record *model.PaymentRecord) error {
	fields := []zap.Field{
		zap.String("receipt_number", record.ReceiptNumber),
		zap.String("payer_email", payer.Email),
		zap.String("resource", resource.Title),
	}
	if record.RefundAmount != nil {
		fields = append(fields, zap.String("refund_amount", record.RefundAmount.StringFixed(2)))
	}
	n.log.Info("refund receipt", fields...)
	return nil
}

// ─── Fanout ───────────────────────────────────────────────────────────────────

// Fanout sends every receipt to all its notifiers. One failing backend does
// not stop the others.
type Fanout struct {
	notifiers []Notifier
}

func NewFanout(notifiers ...Notifier) *Fanout {
	return &Fanout{notifiers: notifiers}
}

func (f *Fanout) SendPaymentReceipt(ctx context.Context, payer *model.Payer, resource *model.Resource, record *model.PaymentRecord) error {
	var errs []error
	for _, n := range f.notifiers {
		if err := n.SendPaymentReceipt(ctx, payer, resource, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) SendRefundReceipt(ctx context.Context, payer *model.Payer, resource *model.Resource, record *model.PaymentRecord) error {
	var errs []error
	for _, n := range f.notifiers {
		if err := n.SendRefundReceipt(ctx, payer, resource, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every notifier that holds a connection.
func (f *Fanout) Close() error {
	var errs []error
	for _, n := range f.notifiers {
		if c, ok := n.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

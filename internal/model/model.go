// Package model defines the core domain types for the booking payment engine.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ResourceKind classifies a bookable resource.
type ResourceKind string

const (
	ResourceEvent      ResourceKind = "event"
	ResourceWorkshop   ResourceKind = "workshop"
	ResourceGymSession ResourceKind = "gym_session"
	ResourceBazaar     ResourceKind = "bazaar"
)

// Resource is a bookable event or session with a fixed participant capacity.
type Resource struct {
	ID               uuid.UUID       `json:"id"`
	Kind             ResourceKind    `json:"kind"`
	Title            string          `json:"title"`
	Price            decimal.Decimal `json:"price"`
	Currency         string          `json:"currency"`
	Capacity         int             `json:"capacity"`
	ParticipantCount int             `json:"participant_count"`
	StartTime        time.Time       `json:"start_time"`
	AccruedRevenue   decimal.Decimal `json:"accrued_revenue"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Payer is a portal user who registers for resources.
type Payer struct {
	ID            uuid.UUID       `json:"id"`
	Email         string          `json:"email"`
	Name          string          `json:"name"`
	WalletBalance decimal.Decimal `json:"wallet_balance"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ReservationStatus tracks whether a held seat has been paid for.
type ReservationStatus string

const (
	// ReservationHeld is a provisional seat waiting on a card payment.
	ReservationHeld ReservationStatus = "held"
	// ReservationConfirmed is a seat backed by a paid PaymentRecord.
	ReservationConfirmed ReservationStatus = "confirmed"
)

// Reservation is one member of a resource's registered participant set.
type Reservation struct {
	ResourceID uuid.UUID         `json:"resource_id"`
	PayerID    uuid.UUID         `json:"payer_id"`
	Status     ReservationStatus `json:"status"`
	IntentID   string            `json:"intent_id,omitempty"`
	ReservedAt time.Time         `json:"reserved_at"`
}

// PaymentMethod is derived from how a price was split between wallet and card.
type PaymentMethod string

const (
	MethodWallet PaymentMethod = "wallet"
	MethodCard   PaymentMethod = "card"
	MethodMixed  PaymentMethod = "mixed"
	// MethodFree marks a zero-price registration. A zero-amount record is
	// still written so that cancellation works the same way for free seats.
	MethodFree PaymentMethod = "free"
)

// PaymentStatus is the lifecycle state of a PaymentRecord.
type PaymentStatus string

const (
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
)

// PaymentRecord is the audit record of a finalized payment and its refund.
type PaymentRecord struct {
	ID                uuid.UUID        `json:"id"`
	PayerID           uuid.UUID        `json:"payer_id"`
	ResourceID        uuid.UUID        `json:"resource_id"`
	Amount            decimal.Decimal  `json:"amount"`
	WalletPortion     decimal.Decimal  `json:"wallet_portion"`
	CardPortion       decimal.Decimal  `json:"card_portion"`
	Currency          string           `json:"currency"`
	Method            PaymentMethod    `json:"method"`
	Status            PaymentStatus    `json:"status"`
	ReceiptNumber     string           `json:"receipt_number"`
	ExternalReference *string          `json:"external_reference,omitempty"`
	RefundAmount      *decimal.Decimal `json:"refund_amount,omitempty"`
	RefundReference   *string          `json:"refund_reference,omitempty"`
	RefundedAt        *time.Time       `json:"refunded_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// IsPaid reports whether the record still backs an active registration.
func (p *PaymentRecord) IsPaid() bool {
	return p.Status == PaymentPaid
}

// WalletEntryKind is the direction of a wallet mutation.
type WalletEntryKind string

const (
	WalletDebit  WalletEntryKind = "debit"
	WalletCredit WalletEntryKind = "credit"
)

// WalletEntry is one append-only line of a payer's wallet ledger.
type WalletEntry struct {
	ID           int64           `json:"id"`
	PayerID      uuid.UUID       `json:"payer_id"`
	Kind         WalletEntryKind `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Reference    string          `json:"reference,omitempty"`
	Description  string          `json:"description"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ─── Requests ─────────────────────────────────────────────────────────────────

// PayRequest is the payload for registering and paying for a resource.
type PayRequest struct {
	ResourceID string `json:"resource_id" validate:"required,uuid"`
	PayerID    string `json:"payer_id" validate:"required,uuid"`
	UseWallet  bool   `json:"use_wallet"`
	CardToken  string `json:"card_token,omitempty" validate:"omitempty,max=255"`
}

// FinalizeRequest is the payload for reconciling a settled card payment.
type FinalizeRequest struct {
	ResourceID string `json:"resource_id" validate:"required,uuid"`
	PayerID    string `json:"payer_id" validate:"required,uuid"`
	IntentID   string `json:"intent_id" validate:"required,max=255"`
}

// CancelRequest is the payload for cancelling a paid registration.
type CancelRequest struct {
	ResourceID string `json:"resource_id" validate:"required,uuid"`
	PayerID    string `json:"payer_id" validate:"required,uuid"`
}

// ─── Outcomes ─────────────────────────────────────────────────────────────────

// RegistrationState is the position of a registration in the payment state machine.
type RegistrationState string

const (
	StateAwaitingCard RegistrationState = "awaiting_card"
	StatePaid         RegistrationState = "paid"
	StateRefunded     RegistrationState = "refunded"
)

// PaymentOutcome is returned by Pay and FinalizeCardPayment.
type PaymentOutcome struct {
	State         RegistrationState `json:"state"`
	Method        PaymentMethod     `json:"method"`
	WalletPortion decimal.Decimal   `json:"wallet_portion"`
	CardPortion   decimal.Decimal   `json:"card_portion"`
	IntentID      string            `json:"intent_id,omitempty"`
	ClientSecret  string            `json:"client_secret,omitempty"`
	Record        *PaymentRecord    `json:"record,omitempty"`
	// Replayed is set when a finalize matched an already recorded intent.
	Replayed bool `json:"replayed,omitempty"`
}

// RefundOutcome is returned by Cancel.
type RefundOutcome struct {
	Record        *PaymentRecord  `json:"record"`
	RefundAmount  decimal.Decimal `json:"refund_amount"`
	WalletBalance decimal.Decimal `json:"wallet_balance"`
}

// RefundSummary is one line of a wallet summary's refund history.
type RefundSummary struct {
	RecordID      uuid.UUID       `json:"record_id"`
	ResourceID    uuid.UUID       `json:"resource_id"`
	ReceiptNumber string          `json:"receipt_number"`
	Amount        decimal.Decimal `json:"amount"`
	Reference     string          `json:"reference"`
	RefundedAt    time.Time       `json:"refunded_at"`
}

// WalletSummary is the payer-facing view of a wallet.
type WalletSummary struct {
	PayerID       uuid.UUID       `json:"payer_id"`
	Balance       decimal.Decimal `json:"balance"`
	RecentRefunds []RefundSummary `json:"recent_refunds"`
	// RecentEntries is the tail of the wallet ledger, newest first.
	RecentEntries []WalletEntry `json:"recent_entries"`
}

// Envelope is the JSON shape of every API response.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

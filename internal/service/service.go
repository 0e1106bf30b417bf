// Package service implements the registration payment state machine,
// validation, and compensation between HTTP handlers and the stores.
package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/campus-booking/internal/apperror"
	"github.com/Shivanand-hulikatti/campus-booking/internal/gateway"
	"github.com/Shivanand-hulikatti/campus-booking/internal/model"
	"github.com/Shivanand-hulikatti/campus-booking/internal/notify"
	"github.com/Shivanand-hulikatti/campus-booking/internal/policy"
	"github.com/Shivanand-hulikatti/campus-booking/internal/repository"
)

// ─── Store capabilities ───────────────────────────────────────────────────────

// ResourceStore reads bookable resources and accrues their revenue.
type ResourceStore interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Resource, error)
	AdjustRevenue(ctx context.Context, id uuid.UUID, delta decimal.Decimal) error
}

// PayerStore reads payers.
type PayerStore interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Payer, error)
}

// ReservationStore is the capacity guard.
type ReservationStore interface {
	TryReserve(ctx context.Context, resourceID, payerID uuid.UUID, intentID string) (repository.ReserveOutcome, error)
	Release(ctx context.Context, resourceID, payerID uuid.UUID) error
	Confirm(ctx context.Context, resourceID, payerID uuid.UUID) error
	Renew(ctx context.Context, resourceID, payerID uuid.UUID) error
	Get(ctx context.Context, resourceID, payerID uuid.UUID) (*model.Reservation, error)
}

// WalletStore is the wallet ledger.
type WalletStore interface {
	Debit(ctx context.Context, payerID uuid.UUID, amount decimal.Decimal, reference, description string) (decimal.Decimal, error)
	Credit(ctx context.Context, payerID uuid.UUID, amount decimal.Decimal, reference, description string) (decimal.Decimal, error)
	Balance(ctx context.Context, payerID uuid.UUID) (decimal.Decimal, error)
	HasReference(ctx context.Context, reference string) (bool, error)
	Entries(ctx context.Context, payerID uuid.UUID, limit int) ([]model.WalletEntry, error)
}

// RecordStore persists payment records.
type RecordStore interface {
	Create(ctx context.Context, rec *model.PaymentRecord) error
	MarkRefunded(ctx context.Context, id uuid.UUID, amount decimal.Decimal, reference string) (*model.PaymentRecord, error)
	GetByExternalReference(ctx context.Context, ref string) (*model.PaymentRecord, error)
	GetPaid(ctx context.Context, payerID, resourceID uuid.UUID) (*model.PaymentRecord, error)
	GetLatest(ctx context.Context, payerID, resourceID uuid.UUID) (*model.PaymentRecord, error)
	ListByPayer(ctx context.Context, payerID uuid.UUID) ([]model.PaymentRecord, error)
	ListRefunds(ctx context.Context, payerID uuid.UUID, limit int) ([]model.PaymentRecord, error)
}

// Stores groups the persistence capabilities. Both the Postgres repositories
// and the memstore views satisfy them.
type Stores struct {
	Resources    ResourceStore
	Payers       PayerStore
	Reservations ReservationStore
	Wallets      WalletStore
	Records      RecordStore
}

// Config tunes the orchestrator.
type Config struct {
	// Currency is used when a resource has none of its own.
	Currency string
	Refunds  policy.Refunds
	// RecentRefunds bounds the refund history of a wallet summary.
	RecentRefunds int
	// RecentEntries bounds the ledger tail of a wallet summary.
	RecentEntries int
	Now           func() time.Time
}

// TransactionService orchestrates Pay, FinalizeCardPayment and Cancel.
type TransactionService struct {
	stores   Stores
	gateway  gateway.Client
	notifier notify.Notifier
	log      *zap.Logger
	cfg      Config
	validate *validator.Validate
}

// NewTransactionService constructs a TransactionService with its dependencies.
func NewTransactionService(stores Stores, gw gateway.Client, notifier notify.Notifier, log *zap.Logger, cfg Config) *TransactionService {
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.RecentRefunds <= 0 {
		cfg.RecentRefunds = 10
	}
	if cfg.RecentEntries <= 0 {
		cfg.RecentEntries = 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if notifier == nil {
		notifier = notify.NewLogNotifier(log)
	}
	return &TransactionService{
		stores:   stores,
		gateway:  gw,
		notifier: notifier,
		log:      log.Named("transactions"),
		cfg:      cfg,
		validate: newValidator(),
	}
}

// ─── Validation ───────────────────────────────────────────────────────────────

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// check runs struct validation and turns the first failure into a
// VALIDATION error.
func (s *TransactionService) check(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperror.Validation("invalid request")
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return apperror.Validation(fe.Field() + " is required")
	case "uuid":
		return apperror.Validation(fe.Field() + " must be a valid UUID")
	case "max":
		return apperror.Validation(fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
	default:
		return apperror.Validation(fe.Field() + " is invalid")
	}
}

func parsePair(resourceID, payerID string) (uuid.UUID, uuid.UUID, error) {
	rid, err := uuid.Parse(resourceID)
	if err != nil {
		return uuid.Nil, uuid.Nil, apperror.Validation("resource_id must be a valid UUID")
	}
	pid, err := uuid.Parse(payerID)
	if err != nil {
		return uuid.Nil, uuid.Nil, apperror.Validation("payer_id must be a valid UUID")
	}
	return rid, pid, nil
}

// ─── Shared steps ─────────────────────────────────────────────────────────────

func (s *TransactionService) loadResource(ctx context.Context, id uuid.UUID) (*model.Resource, error) {
	res, err := s.stores.Resources.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperror.NotFound("resource not found")
		}
		return nil, apperror.Persistence("load resource", err)
	}
	return res, nil
}

func (s *TransactionService) loadPayer(ctx context.Context, id uuid.UUID) (*model.Payer, error) {
	payer, err := s.stores.Payers.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperror.NotFound("payer not found")
		}
		return nil, apperror.Persistence("load payer", err)
	}
	return payer, nil
}

func (s *TransactionService) currency(res *model.Resource) string {
	if res.Currency != "" {
		return res.Currency
	}
	return s.cfg.Currency
}

// newReceiptNumber returns a human-referenceable receipt number such as
// RCP-20260501-3F2A9C1B.
func (s *TransactionService) newReceiptNumber() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("RCP-%s-%s", s.cfg.Now().UTC().Format("20060102"), suffix)
}

// release undoes a reservation during compensation. It runs detached from
// the request context so a cancelled client cannot leave a seat held.
func (s *TransactionService) release(ctx context.Context, resourceID, payerID uuid.UUID) {
	ctx = context.WithoutCancel(ctx)
	if err := s.stores.Reservations.Release(ctx, resourceID, payerID); err != nil {
		s.log.Error("compensation: release reservation failed",
			zap.String("resource_id", resourceID.String()),
			zap.String("payer_id", payerID.String()),
			zap.Error(err),
		)
	}
}

// releaseUnpaid releases the payer's seat unless a paid record backs it.
// Used once a seat may have been confirmed by this call, where a blind
// release could free a seat another request already paid for.
func (s *TransactionService) releaseUnpaid(ctx context.Context, resourceID, payerID uuid.UUID) {
	ctx = context.WithoutCancel(ctx)
	_, err := s.stores.Records.GetPaid(ctx, payerID, resourceID)
	switch {
	case err == nil:
		return
	case !errors.Is(err, repository.ErrNotFound):
		s.log.Error("compensation: paid lookup failed; seat kept",
			zap.String("resource_id", resourceID.String()),
			zap.String("payer_id", payerID.String()),
			zap.Error(err),
		)
		return
	}
	s.release(ctx, resourceID, payerID)
}

// secureSeat confirms the payer's reservation before the payment record is
// written, so the stale-hold sweep can no longer release it. A hold swept
// since it was taken is reserved again; reservedHere reports that case so
// compensation knows the seat is this call's to give back.
func (s *TransactionService) secureSeat(ctx context.Context, resourceID, payerID uuid.UUID, intentID string) (reservedHere bool, err error) {
	err = s.stores.Reservations.Confirm(ctx, resourceID, payerID)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return false, apperror.Persistence("confirm reservation", err)
	}

	s.log.Warn("hold released before payment completed; reserving again",
		zap.String("resource_id", resourceID.String()),
		zap.String("payer_id", payerID.String()),
		zap.String("intent_id", intentID),
	)
	out, err := s.stores.Reservations.TryReserve(ctx, resourceID, payerID, intentID)
	if err != nil {
		return false, apperror.Persistence("reserve capacity", err)
	}
	switch out {
	case repository.Reserved:
		reservedHere = true
	case repository.AlreadyReserved:
	case repository.Full:
		return false, apperror.CapacityExceeded("resource is fully booked")
	default:
		return false, apperror.NotFound("resource not found")
	}

	if err := s.stores.Reservations.Confirm(ctx, resourceID, payerID); err != nil {
		if reservedHere {
			s.release(ctx, resourceID, payerID)
		}
		return false, apperror.Persistence("confirm reservation", err)
	}
	return reservedHere, nil
}

// creditBack re-credits a wallet debit during compensation.
func (s *TransactionService) creditBack(ctx context.Context, payerID uuid.UUID, amount decimal.Decimal, reference string) {
	if !amount.IsPositive() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if _, err := s.stores.Wallets.Credit(ctx, payerID, amount, "reversal:"+reference, "payment reversal"); err != nil {
		s.log.Error("compensation: wallet credit failed",
			zap.String("payer_id", payerID.String()),
			zap.String("reference", reference),
			zap.String("amount", amount.String()),
			zap.Error(err),
		)
	}
}

// refundIntent is best-effort: a failure is logged and never blocks the
// local rollback.
func (s *TransactionService) refundIntent(ctx context.Context, intentID string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.gateway.Refund(ctx, intentID); err != nil {
		s.log.Error("compensation: gateway refund failed",
			zap.String("intent_id", intentID),
			zap.Error(err),
		)
		return
	}
	s.log.Info("compensation: gateway refund issued", zap.String("intent_id", intentID))
}

// complete runs the post-commit steps of a payment: accrue revenue, notify.
// Neither can fail the payment.
func (s *TransactionService) complete(ctx context.Context, payer *model.Payer, res *model.Resource, rec *model.PaymentRecord) {
	ctx = context.WithoutCancel(ctx)
	fields := []zap.Field{
		zap.String("record_id", rec.ID.String()),
		zap.String("resource_id", res.ID.String()),
		zap.String("payer_id", payer.ID.String()),
	}

	if rec.Amount.IsPositive() {
		if err := s.stores.Resources.AdjustRevenue(ctx, res.ID, rec.Amount); err != nil {
			s.log.Error("accrue revenue failed", append(fields, zap.Error(err))...)
		}
	}
	if err := s.notifier.SendPaymentReceipt(ctx, payer, res, rec); err != nil {
		s.log.Warn("payment receipt not sent", append(fields, zap.Error(err))...)
	}

	s.log.Info("payment recorded", append(fields,
		zap.String("receipt_number", rec.ReceiptNumber),
		zap.String("method", string(rec.Method)),
		zap.String("amount", rec.Amount.String()),
	)...)
}

// ListPayments returns every payment record of a payer, newest first.
func (s *TransactionService) ListPayments(ctx context.Context, payerID string) ([]model.PaymentRecord, error) {
	pid, err := uuid.Parse(payerID)
	if err != nil {
		return nil, apperror.Validation("payer_id must be a valid UUID")
	}
	if _, err := s.loadPayer(ctx, pid); err != nil {
		return nil, err
	}
	records, err := s.stores.Records.ListByPayer(ctx, pid)
	if err != nil {
		return nil, apperror.Persistence("list payments", err)
	}
	if records == nil {
		records = []model.PaymentRecord{}
	}
	return records, nil
}

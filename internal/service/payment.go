package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/campus-booking/internal/apperror"
	"github.com/Shivanand-hulikatti/campus-booking/internal/gateway"
	"github.com/Shivanand-hulikatti/campus-booking/internal/model"
	"github.com/Shivanand-hulikatti/campus-booking/internal/policy"
	"github.com/Shivanand-hulikatti/campus-booking/internal/repository"
)

// Pay registers a payer for a resource and pays for it.
//
// Capacity is reserved first. When the wallet (or a zero price) covers the
// whole amount the payment completes immediately; otherwise a card intent is
// created and the registration waits in AwaitingCard until
// FinalizeCardPayment reconciles it. Any failure after the reservation
// releases it again.
func (s *TransactionService) Pay(ctx context.Context, req model.PayRequest) (*model.PaymentOutcome, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	resourceID, payerID, err := parsePair(req.ResourceID, req.PayerID)
	if err != nil {
		return nil, err
	}

	res, err := s.loadResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	payer, err := s.loadPayer(ctx, payerID)
	if err != nil {
		return nil, err
	}

	if _, err := s.stores.Records.GetPaid(ctx, payerID, resourceID); err == nil {
		return nil, apperror.Conflict("payer is already registered for this resource")
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, apperror.Persistence("check existing payment", err)
	}

	reservedHere, err := s.reserveForPay(ctx, resourceID, payerID)
	if err != nil {
		return nil, err
	}
	undo := func() {
		if reservedHere {
			s.releaseUnpaid(ctx, resourceID, payerID)
		}
	}

	alloc, err := policy.Allocate(res.Price, payer.WalletBalance, req.UseWallet, req.CardToken != "")
	if err != nil {
		undo()
		if errors.Is(err, policy.ErrCardRequired) {
			return nil, apperror.InsufficientFunds(fmt.Sprintf(
				"wallet covers %s of %s; a card is required for the remaining %s",
				alloc.WalletPortion, res.Price, alloc.CardPortion))
		}
		return nil, apperror.Internal("allocate payment", err)
	}

	if !alloc.NeedsCard() {
		out, err := s.settleLocally(ctx, payer, res, alloc)
		if err != nil {
			undo()
			return nil, err
		}
		return out, nil
	}

	intent, err := s.gateway.CreateIntent(ctx, gateway.IntentRequest{
		ResourceID:    resourceID,
		PayerID:       payerID,
		Amount:        alloc.CardPortion,
		WalletPortion: alloc.WalletPortion,
		Currency:      s.currency(res),
		CardToken:     req.CardToken,
	})
	if err != nil {
		undo()
		return nil, apperror.Gateway("could not start card payment", err)
	}

	s.log.Info("awaiting card payment",
		zap.String("resource_id", resourceID.String()),
		zap.String("payer_id", payerID.String()),
		zap.String("intent_id", intent.ID),
		zap.String("wallet_portion", alloc.WalletPortion.String()),
		zap.String("card_portion", alloc.CardPortion.String()),
	)
	return &model.PaymentOutcome{
		State:         model.StateAwaitingCard,
		Method:        alloc.Method,
		WalletPortion: alloc.WalletPortion,
		CardPortion:   alloc.CardPortion,
		IntentID:      intent.ID,
		ClientSecret:  intent.ClientSecret,
	}, nil
}

// reserveForPay reserves a seat and reports whether this call made the
// reservation. A held seat left by an unfinished card checkout is resumed
// rather than rejected, and its hold clock restarts. A hold swept between
// the two steps is reserved again.
func (s *TransactionService) reserveForPay(ctx context.Context, resourceID, payerID uuid.UUID) (bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		out, err := s.stores.Reservations.TryReserve(ctx, resourceID, payerID, "")
		if err != nil {
			return false, apperror.Persistence("reserve capacity", err)
		}

		switch out {
		case repository.Reserved:
			return true, nil
		case repository.AlreadyReserved:
			err := s.stores.Reservations.Renew(ctx, resourceID, payerID)
			if err == nil {
				return false, nil
			}
			if !errors.Is(err, repository.ErrNotFound) {
				return false, apperror.Persistence("renew reservation", err)
			}
			// Not held: either confirmed, or swept since TryReserve.
			if _, err := s.stores.Reservations.Get(ctx, resourceID, payerID); err == nil {
				return false, apperror.Conflict("payer is already registered for this resource")
			} else if !errors.Is(err, repository.ErrNotFound) {
				return false, apperror.Persistence("load reservation", err)
			}
		case repository.Full:
			return false, apperror.CapacityExceeded("resource is fully booked")
		default:
			return false, apperror.NotFound("resource not found")
		}
	}
	return false, apperror.Conflict("reservation changed concurrently; retry the payment")
}

// settleLocally completes a payment that needs no card: wallet-only or free.
func (s *TransactionService) settleLocally(ctx context.Context, payer *model.Payer, res *model.Resource, alloc policy.Allocation) (*model.PaymentOutcome, error) {
	rec := &model.PaymentRecord{
		ID:            uuid.New(),
		PayerID:       payer.ID,
		ResourceID:    res.ID,
		Amount:        alloc.Total(),
		WalletPortion: alloc.WalletPortion,
		CardPortion:   decimal.Zero,
		Currency:      s.currency(res),
		Method:        alloc.Method,
		Status:        model.PaymentPaid,
		ReceiptNumber: s.newReceiptNumber(),
	}
	ref := "pay:" + rec.ID.String()

	if _, err := s.stores.Wallets.Debit(ctx, payer.ID, alloc.WalletPortion, ref, "registration: "+res.Title); err != nil {
		if errors.Is(err, repository.ErrInsufficientFunds) {
			return nil, apperror.InsufficientFunds("wallet balance is no longer sufficient")
		}
		return nil, apperror.Persistence("debit wallet", err)
	}

	if _, err := s.secureSeat(ctx, res.ID, payer.ID, ""); err != nil {
		s.creditBack(ctx, payer.ID, alloc.WalletPortion, ref)
		return nil, err
	}

	if err := s.stores.Records.Create(ctx, rec); err != nil {
		s.creditBack(ctx, payer.ID, alloc.WalletPortion, ref)
		s.releaseUnpaid(ctx, res.ID, payer.ID)
		if errors.Is(err, repository.ErrConflict) {
			return nil, apperror.Conflict("payer is already registered for this resource")
		}
		return nil, apperror.Persistence("create payment record", err)
	}

	s.complete(ctx, payer, res, rec)
	return &model.PaymentOutcome{
		State:         model.StatePaid,
		Method:        rec.Method,
		WalletPortion: rec.WalletPortion,
		CardPortion:   rec.CardPortion,
		Record:        rec,
	}, nil
}

// FinalizeCardPayment reconciles a settled gateway intent into a payment
// record. Finalizing the same intent again returns the original record.
func (s *TransactionService) FinalizeCardPayment(ctx context.Context, req model.FinalizeRequest) (*model.PaymentOutcome, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	resourceID, payerID, err := parsePair(req.ResourceID, req.PayerID)
	if err != nil {
		return nil, err
	}

	intent, err := s.gateway.Retrieve(ctx, req.IntentID)
	if err != nil {
		if errors.Is(err, gateway.ErrIntentNotFound) {
			return nil, apperror.Gateway("payment intent not found", err)
		}
		return nil, apperror.Gateway("could not retrieve payment intent", err)
	}
	if !intent.BelongsTo(resourceID, payerID) {
		return nil, apperror.Gateway("payment intent does not belong to this registration", nil)
	}
	if !intent.Status.Settled() {
		return nil, apperror.Gateway(fmt.Sprintf("payment intent is not settled (status %s)", intent.Status), nil)
	}

	return s.reconcile(ctx, intent)
}

// HandleGatewayEvent finalizes a payment from a verified gateway webhook.
// It shares reconcile with FinalizeCardPayment, so a webhook and a client
// confirmation for the same intent record it once. Events that do not carry
// a settled intent of this engine return a nil outcome.
func (s *TransactionService) HandleGatewayEvent(ctx context.Context, ev *gateway.Event) (*model.PaymentOutcome, error) {
	if ev == nil || ev.Type != gateway.EventPaymentSucceeded || ev.Intent == nil {
		return nil, nil
	}

	// The payload is only a hint; the gateway's current view is authoritative.
	intent, err := s.gateway.Retrieve(ctx, ev.Intent.ID)
	if err != nil {
		return nil, apperror.Gateway("could not retrieve payment intent", err)
	}
	if intent.ResourceID == uuid.Nil || intent.PayerID == uuid.Nil {
		s.log.Warn("gateway event without registration metadata",
			zap.String("event_id", ev.ID),
			zap.String("intent_id", intent.ID),
		)
		return nil, nil
	}
	if !intent.Status.Settled() {
		return nil, nil
	}

	return s.reconcile(ctx, intent)
}

// replay returns the outcome of an intent that already has a record, or nil.
func (s *TransactionService) replay(ctx context.Context, intentID string) (*model.PaymentOutcome, error) {
	rec, err := s.stores.Records.GetByExternalReference(ctx, intentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, apperror.Persistence("look up payment by intent", err)
	}

	state := model.StatePaid
	if !rec.IsPaid() {
		state = model.StateRefunded
	}
	return &model.PaymentOutcome{
		State:         state,
		Method:        rec.Method,
		WalletPortion: rec.WalletPortion,
		CardPortion:   rec.CardPortion,
		IntentID:      intentID,
		Record:        rec,
		Replayed:      true,
	}, nil
}

// reconcile records a settled intent exactly once. Failures after the card
// was charged refund it (best-effort) and undo every local step.
func (s *TransactionService) reconcile(ctx context.Context, intent *gateway.Intent) (*model.PaymentOutcome, error) {
	if out, err := s.replay(ctx, intent.ID); out != nil || err != nil {
		return out, err
	}
	if intent.Refunded {
		return nil, apperror.Gateway("payment intent has already been refunded", nil)
	}

	res, err := s.loadResource(ctx, intent.ResourceID)
	if err != nil {
		if apperror.Is(err, apperror.KindNotFound) {
			s.refundIntent(ctx, intent.ID)
		}
		return nil, err
	}
	payer, err := s.loadPayer(ctx, intent.PayerID)
	if err != nil {
		if apperror.Is(err, apperror.KindNotFound) {
			s.refundIntent(ctx, intent.ID)
		}
		return nil, err
	}

	reservedHere := false
	out, err := s.stores.Reservations.TryReserve(ctx, res.ID, payer.ID, intent.ID)
	if err != nil {
		return nil, apperror.Persistence("reserve capacity", err)
	}
	switch out {
	case repository.Reserved:
		reservedHere = true
	case repository.AlreadyReserved:
	case repository.Full:
		s.refundIntent(ctx, intent.ID)
		return nil, apperror.CapacityExceeded("resource is fully booked; the card payment has been refunded")
	default:
		s.refundIntent(ctx, intent.ID)
		return nil, apperror.NotFound("resource not found")
	}
	undo := func() {
		if reservedHere {
			s.releaseUnpaid(ctx, res.ID, payer.ID)
		}
	}

	ref := "intent:" + intent.ID
	if _, err := s.stores.Wallets.Debit(ctx, payer.ID, intent.WalletPortion, ref, "registration: "+res.Title); err != nil {
		s.refundIntent(ctx, intent.ID)
		undo()
		if errors.Is(err, repository.ErrInsufficientFunds) {
			return nil, apperror.InsufficientFunds("wallet balance no longer covers the wallet portion; the card payment has been refunded")
		}
		return nil, apperror.Persistence("debit wallet", err)
	}

	// A reversal entry means an earlier attempt for this intent was rolled
	// back; the debit above was then a replay and must not back a record.
	if reversed, err := s.stores.Wallets.HasReference(ctx, "reversal:"+ref); err != nil {
		s.log.Warn("reversal lookup failed", zap.String("intent_id", intent.ID), zap.Error(err))
	} else if reversed {
		undo()
		return nil, apperror.Conflict("payment intent was rolled back and cannot be finalized")
	}

	if _, err := s.secureSeat(ctx, res.ID, payer.ID, intent.ID); err != nil {
		s.creditBack(ctx, payer.ID, intent.WalletPortion, ref)
		s.refundIntent(ctx, intent.ID)
		undo()
		if apperror.Is(err, apperror.KindCapacityExceeded) {
			return nil, apperror.CapacityExceeded("resource is fully booked; the card payment has been refunded")
		}
		return nil, err
	}

	currency := intent.Currency
	if currency == "" {
		currency = s.currency(res)
	}
	externalRef := intent.ID
	rec := &model.PaymentRecord{
		ID:                uuid.New(),
		PayerID:           payer.ID,
		ResourceID:        res.ID,
		Amount:            intent.WalletPortion.Add(intent.Amount),
		WalletPortion:     intent.WalletPortion,
		CardPortion:       intent.Amount,
		Currency:          currency,
		Method:            policy.MethodFor(intent.WalletPortion, intent.Amount),
		Status:            model.PaymentPaid,
		ReceiptNumber:     s.newReceiptNumber(),
		ExternalReference: &externalRef,
	}

	if err := s.stores.Records.Create(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// A concurrent finalize of the same intent won the race.
			if out, rerr := s.replay(ctx, intent.ID); out != nil {
				return out, nil
			} else if rerr != nil {
				return nil, rerr
			}
			s.creditBack(ctx, payer.ID, intent.WalletPortion, ref)
			s.refundIntent(ctx, intent.ID)
			s.releaseUnpaid(ctx, res.ID, payer.ID)
			return nil, apperror.Conflict("payer is already registered for this resource; the card payment has been refunded")
		}
		s.creditBack(ctx, payer.ID, intent.WalletPortion, ref)
		s.refundIntent(ctx, intent.ID)
		s.releaseUnpaid(ctx, res.ID, payer.ID)
		return nil, apperror.Persistence("create payment record", err)
	}

	s.complete(ctx, payer, res, rec)
	return &model.PaymentOutcome{
		State:         model.StatePaid,
		Method:        rec.Method,
		WalletPortion: rec.WalletPortion,
		CardPortion:   rec.CardPortion,
		IntentID:      intent.ID,
		Record:        rec,
	}, nil
}

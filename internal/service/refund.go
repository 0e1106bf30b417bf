package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/campus-booking/internal/apperror"
	"github.com/Shivanand-hulikatti/campus-booking/internal/model"
	"github.com/Shivanand-hulikatti/campus-booking/internal/repository"
)

// Cancel cancels a paid registration and refunds the full amount to the
// payer's wallet.
//
// The seat is released and the wallet credited before the record flips to
// refunded. The credit carries the reference refund:<recordID>, so re-running
// a cancel that crashed halfway never credits twice.
func (s *TransactionService) Cancel(ctx context.Context, req model.CancelRequest) (*model.RefundOutcome, error) {
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

	rec, err := s.stores.Records.GetPaid(ctx, payerID, resourceID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, apperror.Persistence("load payment", err)
		}
		latest, lerr := s.stores.Records.GetLatest(ctx, payerID, resourceID)
		switch {
		case lerr == nil && latest.Status == model.PaymentRefunded:
			return nil, apperror.Conflict("payment already refunded")
		case lerr != nil && !errors.Is(lerr, repository.ErrNotFound):
			return nil, apperror.Persistence("load payment", lerr)
		}
		return nil, apperror.NotFound("no paid registration found for this resource")
	}

	if !s.cfg.Refunds.CanCancel(res.StartTime, s.cfg.Now()) {
		return nil, apperror.PolicyViolation("the cancellation deadline (" +
			s.cfg.Refunds.Deadline(res.StartTime).UTC().Format("02 Jan 2006 15:04 MST") +
			") has passed; this registration can no longer be refunded")
	}

	amount := s.cfg.Refunds.RefundAmount(rec)
	ref := "refund:" + rec.ID.String()

	if err := s.stores.Reservations.Release(ctx, resourceID, payerID); err != nil {
		return nil, apperror.Persistence("release reservation", err)
	}
	balance, err := s.stores.Wallets.Credit(ctx, payerID, amount, ref, "refund: "+res.Title)
	if err != nil {
		return nil, apperror.Persistence("credit refund", err)
	}

	refunded, err := s.stores.Records.MarkRefunded(ctx, rec.ID, amount, ref)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrAlreadyRefunded):
			return nil, apperror.Conflict("payment already refunded")
		case errors.Is(err, repository.ErrNotFound):
			return nil, apperror.NotFound("payment record not found")
		default:
			return nil, apperror.Persistence("mark payment refunded", err)
		}
	}

	fields := []zap.Field{
		zap.String("record_id", rec.ID.String()),
		zap.String("resource_id", resourceID.String()),
		zap.String("payer_id", payerID.String()),
	}
	detached := context.WithoutCancel(ctx)
	if amount.IsPositive() {
		if err := s.stores.Resources.AdjustRevenue(detached, resourceID, amount.Neg()); err != nil {
			s.log.Error("reduce revenue failed", append(fields, zap.Error(err))...)
		}
	}
	if payer, err := s.stores.Payers.Get(detached, payerID); err != nil {
		s.log.Warn("refund receipt not sent", append(fields, zap.Error(err))...)
	} else if err := s.notifier.SendRefundReceipt(detached, payer, res, refunded); err != nil {
		s.log.Warn("refund receipt not sent", append(fields, zap.Error(err))...)
	}

	s.log.Info("payment refunded", append(fields,
		zap.String("refund_amount", amount.String()),
		zap.String("receipt_number", refunded.ReceiptNumber),
	)...)
	return &model.RefundOutcome{
		Record:        refunded,
		RefundAmount:  amount,
		WalletBalance: balance,
	}, nil
}

// WalletSummary returns a payer's balance, most recent refunds and the
// latest wallet ledger entries.
func (s *TransactionService) WalletSummary(ctx context.Context, payerID string) (*model.WalletSummary, error) {
	pid, err := uuid.Parse(payerID)
	if err != nil {
		return nil, apperror.Validation("payer_id must be a valid UUID")
	}

	balance, err := s.stores.Wallets.Balance(ctx, pid)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperror.NotFound("payer not found")
		}
		return nil, apperror.Persistence("load wallet balance", err)
	}

	records, err := s.stores.Records.ListRefunds(ctx, pid, s.cfg.RecentRefunds)
	if err != nil {
		return nil, apperror.Persistence("list refunds", err)
	}

	entries, err := s.stores.Wallets.Entries(ctx, pid, s.cfg.RecentEntries)
	if err != nil {
		return nil, apperror.Persistence("list wallet entries", err)
	}
	if entries == nil {
		entries = []model.WalletEntry{}
	}

	summary := &model.WalletSummary{
		PayerID:       pid,
		Balance:       balance,
		RecentRefunds: make([]model.RefundSummary, 0, len(records)),
		RecentEntries: entries,
	}
	for _, rec := range records {
		line := model.RefundSummary{
			RecordID:      rec.ID,
			ResourceID:    rec.ResourceID,
			ReceiptNumber: rec.ReceiptNumber,
			Amount:        rec.Amount,
		}
		if rec.RefundAmount != nil {
			line.Amount = *rec.RefundAmount
		}
		if rec.RefundReference != nil {
			line.Reference = *rec.RefundReference
		}
		if rec.RefundedAt != nil {
			line.RefundedAt = *rec.RefundedAt
		}
		summary.RecentRefunds = append(summary.RecentRefunds, line)
	}
	return summary, nil
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Shivanand-hulikatti/campus-booking/internal/model"
)

const recordColumns = `id, payer_id, resource_id, amount, wallet_portion, card_portion, currency, method, status,
	receipt_number, external_reference, refund_amount, refund_reference, refunded_at, created_at`

// PaymentRecordRepository stores payment records. Records are never deleted.
type PaymentRecordRepository struct {
	db *pgxpool.Pool
}

// NewPaymentRecordRepository constructs a PaymentRecordRepository.
func NewPaymentRecordRepository(db *pgxpool.Pool) *PaymentRecordRepository {
	return &PaymentRecordRepository{db: db}
}

// Create inserts a paid record. A second paid record for the same payer and
// resource, or a reused external reference, yields ErrConflict.
func (r *PaymentRecordRepository) Create(ctx context.Context, rec *model.PaymentRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = model.PaymentPaid
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO payment_records (id, payer_id, resource_id, amount, wallet_portion, card_portion, currency,
		     method, status, receipt_number, external_reference, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.PayerID, rec.ResourceID, rec.Amount, rec.WalletPortion, rec.CardPortion, rec.Currency,
		rec.Method, rec.Status, rec.ReceiptNumber, rec.ExternalReference, rec.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert payment record: %w", err)
	}
	return nil
}

// MarkRefunded flips a paid record to refunded. The status guard in the
// WHERE clause makes the transition happen at most once.
func (r *PaymentRecordRepository) MarkRefunded(ctx context.Context, id uuid.UUID, amount decimal.Decimal, reference string) (*model.PaymentRecord, error) {
	rec, err := scanRecord(r.db.QueryRow(ctx,
		`UPDATE payment_records
		 SET status = $2, refund_amount = $3, refund_reference = $4, refunded_at = $5
		 WHERE id = $1 AND status = $6
		 RETURNING `+recordColumns,
		id, model.PaymentRefunded, amount, reference, time.Now().UTC(), model.PaymentPaid,
	))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("mark refunded: %w", err)
	}

	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrAlreadyRefunded
}

// Get returns a record by ID or ErrNotFound.
func (r *PaymentRecordRepository) Get(ctx context.Context, id uuid.UUID) (*model.PaymentRecord, error) {
	return r.one(ctx, `SELECT `+recordColumns+` FROM payment_records WHERE id = $1`, id)
}

// GetByExternalReference returns the record created for a gateway intent.
func (r *PaymentRecordRepository) GetByExternalReference(ctx context.Context, ref string) (*model.PaymentRecord, error) {
	return r.one(ctx, `SELECT `+recordColumns+` FROM payment_records WHERE external_reference = $1`, ref)
}

// GetPaid returns the paid record of payerID on resourceID.
func (r *PaymentRecordRepository) GetPaid(ctx context.Context, payerID, resourceID uuid.UUID) (*model.PaymentRecord, error) {
	return r.one(ctx,
		`SELECT `+recordColumns+` FROM payment_records
		 WHERE payer_id = $1 AND resource_id = $2 AND status = $3`,
		payerID, resourceID, model.PaymentPaid)
}

// GetLatest returns the newest record of payerID on resourceID in any status.
func (r *PaymentRecordRepository) GetLatest(ctx context.Context, payerID, resourceID uuid.UUID) (*model.PaymentRecord, error) {
	return r.one(ctx,
		`SELECT `+recordColumns+` FROM payment_records
		 WHERE payer_id = $1 AND resource_id = $2
		 ORDER BY created_at DESC LIMIT 1`,
		payerID, resourceID)
}

// ListByPayer returns every record of payerID, newest first.
func (r *PaymentRecordRepository) ListByPayer(ctx context.Context, payerID uuid.UUID) ([]model.PaymentRecord, error) {
	return r.many(ctx,
		`SELECT `+recordColumns+` FROM payment_records WHERE payer_id = $1 ORDER BY created_at DESC`,
		payerID)
}

// ListRefunds returns the most recent refunded records of payerID.
func (r *PaymentRecordRepository) ListRefunds(ctx context.Context, payerID uuid.UUID, limit int) ([]model.PaymentRecord, error) {
	return r.many(ctx,
		`SELECT `+recordColumns+` FROM payment_records
		 WHERE payer_id = $1 AND status = $2
		 ORDER BY refunded_at DESC LIMIT $3`,
		payerID, model.PaymentRefunded, limit)
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func (r *PaymentRecordRepository) one(ctx context.Context, query string, args ...any) (*model.PaymentRecord, error) {
	rec, err := scanRecord(r.db.QueryRow(ctx, query, args...))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get payment record: %w", err)
	}
	return rec, err
}

func (r *PaymentRecordRepository) many(ctx context.Context, query string, args ...any) ([]model.PaymentRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payment records: %w", err)
	}
	defer rows.Close()

	var records []model.PaymentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func scanRecord(row pgx.Row) (*model.PaymentRecord, error) {
	var (
		rec          model.PaymentRecord
		refundAmount decimal.NullDecimal
	)
	err := row.Scan(&rec.ID, &rec.PayerID, &rec.ResourceID, &rec.Amount, &rec.WalletPortion, &rec.CardPortion,
		&rec.Currency, &rec.Method, &rec.Status, &rec.ReceiptNumber, &rec.ExternalReference,
		&refundAmount, &rec.RefundReference, &rec.RefundedAt, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if refundAmount.Valid {
		rec.RefundAmount = &refundAmount.Decimal
	}
	return &rec, nil
}

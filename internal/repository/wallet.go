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

// WalletRepository owns payer wallet balances and their append-only ledger.
//
// A non-empty reference makes a mutation idempotent: the ledger has a unique
// index on reference, and a replay returns the current balance without
// touching it.
type WalletRepository struct {
	db *pgxpool.Pool
}

// NewWalletRepository constructs a WalletRepository.
func NewWalletRepository(db *pgxpool.Pool) *WalletRepository {
	return &WalletRepository{db: db}
}

// Debit subtracts amount from the wallet of payerID. The sufficiency check
// lives in the UPDATE's WHERE clause, so it holds at write time.
func (r *WalletRepository) Debit(ctx context.Context, payerID uuid.UUID, amount decimal.Decimal, reference, description string) (decimal.Decimal, error) {
	return r.apply(ctx, payerID, model.WalletDebit, amount, reference, description)
}

// Credit adds amount to the wallet of payerID.
func (r *WalletRepository) Credit(ctx context.Context, payerID uuid.UUID, amount decimal.Decimal, reference, description string) (decimal.Decimal, error) {
	return r.apply(ctx, payerID, model.WalletCredit, amount, reference, description)
}

func (r *WalletRepository) apply(ctx context.Context, payerID uuid.UUID, kind model.WalletEntryKind, amount decimal.Decimal, reference, description string) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, ErrInvalidAmount
	}
	if amount.IsZero() {
		return r.Balance(ctx, payerID)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if reference != "" {
		var seen bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM wallet_entries WHERE reference = $1)`, reference,
		).Scan(&seen); err != nil {
			return decimal.Zero, fmt.Errorf("check wallet reference: %w", err)
		}
		if seen {
			_ = tx.Rollback(ctx)
			return r.Balance(ctx, payerID)
		}
	}

	var balance decimal.Decimal
	if kind == model.WalletDebit {
		err = tx.QueryRow(ctx,
			`UPDATE payers SET wallet_balance = wallet_balance - $2
			 WHERE id = $1 AND wallet_balance >= $2
			 RETURNING wallet_balance`,
			payerID, amount,
		).Scan(&balance)
	} else {
		err = tx.QueryRow(ctx,
			`UPDATE payers SET wallet_balance = wallet_balance + $2
			 WHERE id = $1
			 RETURNING wallet_balance`,
			payerID, amount,
		).Scan(&balance)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			_ = tx.Rollback(ctx)
			if _, berr := r.Balance(ctx, payerID); berr != nil {
				return decimal.Zero, berr
			}
			return decimal.Zero, ErrInsufficientFunds
		}
		return decimal.Zero, fmt.Errorf("update wallet: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO wallet_entries (payer_id, kind, amount, balance_after, reference, description, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)`,
		payerID, kind, amount, balance, reference, description, time.Now().UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			// A concurrent call with the same reference committed first.
			_ = tx.Rollback(ctx)
			return r.Balance(ctx, payerID)
		}
		return decimal.Zero, fmt.Errorf("insert wallet entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("commit transaction: %w", err)
	}
	return balance, nil
}

// HasReference reports whether a ledger entry with reference exists.
func (r *WalletRepository) HasReference(ctx context.Context, reference string) (bool, error) {
	var seen bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM wallet_entries WHERE reference = $1)`, reference,
	).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("check wallet reference: %w", err)
	}
	return seen, nil
}

// Balance returns the current wallet balance or ErrNotFound.
func (r *WalletRepository) Balance(ctx context.Context, payerID uuid.UUID) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := r.db.QueryRow(ctx, `SELECT wallet_balance FROM payers WHERE id = $1`, payerID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrNotFound
		}
		return decimal.Zero, fmt.Errorf("get wallet balance: %w", err)
	}
	return balance, nil
}

// Entries returns the most recent ledger entries of payerID, newest first.
func (r *WalletRepository) Entries(ctx context.Context, payerID uuid.UUID, limit int) ([]model.WalletEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, payer_id, kind, amount, balance_after, COALESCE(reference, ''), description, created_at
		 FROM wallet_entries WHERE payer_id = $1
		 ORDER BY id DESC LIMIT $2`,
		payerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list wallet entries: %w", err)
	}
	defer rows.Close()

	var entries []model.WalletEntry
	for rows.Next() {
		var e model.WalletEntry
		if err := rows.Scan(&e.ID, &e.PayerID, &e.Kind, &e.Amount, &e.BalanceAfter, &e.Reference, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan wallet entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Package repository implements the Postgres stores behind the transaction
// engine. It uses pgx directly (no ORM) so that every shared-state mutation is
// a single conditional statement whose effect is visible in the SQL.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Shivanand-hulikatti/campus-booking/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write collides with a uniqueness rule.
var ErrConflict = errors.New("conflict")

// ErrInsufficientFunds is returned when a debit exceeds the wallet balance.
var ErrInsufficientFunds = errors.New("insufficient wallet balance")

// ErrAlreadyRefunded is returned when refunding a record that is no longer paid.
var ErrAlreadyRefunded = errors.New("payment already refunded")

// ErrInvalidAmount is returned for negative wallet amounts.
var ErrInvalidAmount = errors.New("amount must not be negative")

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// ResourceRepository reads bookable resources and adjusts their revenue.
type ResourceRepository struct {
	db *pgxpool.Pool
}

// NewResourceRepository constructs a ResourceRepository.
func NewResourceRepository(db *pgxpool.Pool) *ResourceRepository {
	return &ResourceRepository{db: db}
}

// Create inserts a resource. Resources are owned by the event-management
// flow; this exists for seeding development and test databases.
func (r *ResourceRepository) Create(ctx context.Context, res *model.Resource) error {
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO resources (id, kind, title, price, currency, capacity, participant_count, start_time, accrued_revenue, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		res.ID, res.Kind, res.Title, res.Price, res.Currency, res.Capacity,
		res.ParticipantCount, res.StartTime, res.AccruedRevenue, res.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert resource: %w", err)
	}
	return nil
}

// Get returns a single resource or ErrNotFound.
func (r *ResourceRepository) Get(ctx context.Context, id uuid.UUID) (*model.Resource, error) {
	var res model.Resource
	err := r.db.QueryRow(ctx,
		`SELECT id, kind, title, price, currency, capacity, participant_count, start_time, accrued_revenue, created_at
		 FROM resources WHERE id = $1`,
		id,
	).Scan(&res.ID, &res.Kind, &res.Title, &res.Price, &res.Currency, &res.Capacity,
		&res.ParticipantCount, &res.StartTime, &res.AccruedRevenue, &res.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get resource: %w", err)
	}
	return &res, nil
}

// AdjustRevenue adds delta (negative on refund) to the accrued revenue.
func (r *ResourceRepository) AdjustRevenue(ctx context.Context, id uuid.UUID, delta decimal.Decimal) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE resources SET accrued_revenue = accrued_revenue + $2 WHERE id = $1`,
		id, delta,
	)
	if err != nil {
		return fmt.Errorf("adjust revenue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PayerRepository reads payers.
type PayerRepository struct {
	db *pgxpool.Pool
}

// NewPayerRepository constructs a PayerRepository.
func NewPayerRepository(db *pgxpool.Pool) *PayerRepository {
	return &PayerRepository{db: db}
}

// Create inserts a payer with an opening wallet balance. Used for seeding.
func (r *PayerRepository) Create(ctx context.Context, p *model.Payer) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO payers (id, email, name, wallet_balance, created_at) VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.Email, p.Name, p.WalletBalance, p.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert payer: %w", err)
	}
	return nil
}

// Get returns a single payer or ErrNotFound.
func (r *PayerRepository) Get(ctx context.Context, id uuid.UUID) (*model.Payer, error) {
	var p model.Payer
	err := r.db.QueryRow(ctx,
		`SELECT id, email, name, wallet_balance, created_at FROM payers WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Email, &p.Name, &p.WalletBalance, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get payer: %w", err)
	}
	return &p, nil
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Shivanand-hulikatti/campus-booking/internal/model"
)

// ReserveOutcome is the result of a TryReserve call.
type ReserveOutcome int

const (
	Reserved ReserveOutcome = iota
	AlreadyReserved
	Full
	ResourceNotFound
)

func (o ReserveOutcome) String() string {
	switch o {
	case Reserved:
		return "reserved"
	case AlreadyReserved:
		return "already_reserved"
	case Full:
		return "full"
	case ResourceNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// ReservationRepository owns the participant set of each resource.
type ReservationRepository struct {
	db *pgxpool.Pool
}

// NewReservationRepository constructs a ReservationRepository.
func NewReservationRepository(db *pgxpool.Pool) *ReservationRepository {
	return &ReservationRepository{db: db}
}

// TryReserve adds payerID to the participants of resourceID if a seat is free.
// New reservations are held until Confirm is called.
//
// ─────────────────────────────────────────────────────────────────────────────
// CONDITIONAL WRITE
// ─────────────────────────────────────────────────────────────────────────────
//
// The capacity check and the increment are one statement:
//
//	UPDATE resources SET participant_count = participant_count + 1
//	WHERE id = $1 AND participant_count < capacity
//
// Postgres re-evaluates the WHERE clause against the latest committed row
// version after waiting on a concurrent writer, so two callers racing for the
// last seat cannot both match. The participant row is inserted first in the
// same transaction with ON CONFLICT DO NOTHING; an existing row means the
// payer is already registered and the counter is left alone.
//
// ─────────────────────────────────────────────────────────────────────────────
func (r *ReservationRepository) TryReserve(ctx context.Context, resourceID, payerID uuid.UUID, intentID string) (ReserveOutcome, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO resource_participants (resource_id, payer_id, status, intent_id, reserved_at)
		 SELECT $1, $2, $3, NULLIF($4, ''), $5
		 WHERE EXISTS (SELECT 1 FROM resources WHERE id = $1)
		 ON CONFLICT (resource_id, payer_id) DO NOTHING`,
		resourceID, payerID, model.ReservationHeld, intentID, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert participant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM resources WHERE id = $1)`, resourceID).Scan(&exists); err != nil {
			return 0, fmt.Errorf("check resource: %w", err)
		}
		if !exists {
			return ResourceNotFound, nil
		}
		return AlreadyReserved, nil
	}

	tag, err = tx.Exec(ctx,
		`UPDATE resources SET participant_count = participant_count + 1
		 WHERE id = $1 AND participant_count < capacity`,
		resourceID,
	)
	if err != nil {
		return 0, fmt.Errorf("increment participants: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Rollback discards the participant row inserted above.
		return Full, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return Reserved, nil
}

// Release removes payerID from the participants of resourceID. Removing an
// absent participant is a no-op.
func (r *ReservationRepository) Release(ctx context.Context, resourceID, payerID uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`WITH removed AS (
		     DELETE FROM resource_participants WHERE resource_id = $1 AND payer_id = $2
		     RETURNING resource_id
		 )
		 UPDATE resources SET participant_count = participant_count - 1
		 WHERE id IN (SELECT resource_id FROM removed)`,
		resourceID, payerID,
	)
	if err != nil {
		return fmt.Errorf("release participant: %w", err)
	}
	return nil
}

// Confirm marks a held reservation as backed by a payment.
func (r *ReservationRepository) Confirm(ctx context.Context, resourceID, payerID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE resource_participants SET status = $3 WHERE resource_id = $1 AND payer_id = $2`,
		resourceID, payerID, model.ReservationConfirmed,
	)
	if err != nil {
		return fmt.Errorf("confirm participant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Renew restarts the hold clock of a held reservation so the stale-hold
// sweep measures from the latest checkout attempt. Confirmed or absent
// reservations yield ErrNotFound.
func (r *ReservationRepository) Renew(ctx context.Context, resourceID, payerID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE resource_participants SET reserved_at = $3
		 WHERE resource_id = $1 AND payer_id = $2 AND status = $4`,
		resourceID, payerID, time.Now().UTC(), model.ReservationHeld,
	)
	if err != nil {
		return fmt.Errorf("renew participant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns the reservation of payerID on resourceID or ErrNotFound.
func (r *ReservationRepository) Get(ctx context.Context, resourceID, payerID uuid.UUID) (*model.Reservation, error) {
	var (
		res      model.Reservation
		intentID *string
	)
	err := r.db.QueryRow(ctx,
		`SELECT resource_id, payer_id, status, intent_id, reserved_at
		 FROM resource_participants WHERE resource_id = $1 AND payer_id = $2`,
		resourceID, payerID,
	).Scan(&res.ResourceID, &res.PayerID, &res.Status, &intentID, &res.ReservedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get participant: %w", err)
	}
	if intentID != nil {
		res.IntentID = *intentID
	}
	return &res, nil
}

// ReleaseStaleHolds releases every held reservation made before cutoff that
// is not backed by a paid record, and returns what it released.
func (r *ReservationRepository) ReleaseStaleHolds(ctx context.Context, cutoff time.Time) ([]model.Reservation, error) {
	rows, err := r.db.Query(ctx,
		`WITH released AS (
		     DELETE FROM resource_participants rp
		     WHERE rp.status = $1 AND rp.reserved_at < $2
		       AND NOT EXISTS (
		           SELECT 1 FROM payment_records pr
		           WHERE pr.payer_id = rp.payer_id AND pr.resource_id = rp.resource_id AND pr.status = $3
		       )
		     RETURNING resource_id, payer_id, status, intent_id, reserved_at
		 ), counts AS (
		     SELECT resource_id, count(*) AS n FROM released GROUP BY resource_id
		 ), adjusted AS (
		     UPDATE resources r SET participant_count = r.participant_count - c.n
		     FROM counts c WHERE r.id = c.resource_id
		 )
		 SELECT resource_id, payer_id, status, intent_id, reserved_at FROM released`,
		model.ReservationHeld, cutoff, model.PaymentPaid,
	)
	if err != nil {
		return nil, fmt.Errorf("release stale holds: %w", err)
	}
	defer rows.Close()

	var released []model.Reservation
	for rows.Next() {
		var (
			res      model.Reservation
			intentID *string
		)
		if err := rows.Scan(&res.ResourceID, &res.PayerID, &res.Status, &intentID, &res.ReservedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		if intentID != nil {
			res.IntentID = *intentID
		}
		released = append(released, res)
	}
	return released, rows.Err()
}

// Package sweeper releases seats held by card checkouts that were never
// finalized.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/campus-booking/internal/model"
)

// HoldReleaser is implemented by the reservation stores.
type HoldReleaser interface {
	ReleaseStaleHolds(ctx context.Context, cutoff time.Time) ([]model.Reservation, error)
}

// Sweeper periodically releases held reservations older than a TTL. A late
// finalize of a swept hold re-reserves the seat or refunds the card.
type Sweeper struct {
	store    HoldReleaser
	ttl      time.Duration
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time
}

// New constructs a Sweeper. A non-positive ttl disables it.
func New(store HoldReleaser, ttl, interval time.Duration, log *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:    store,
		ttl:      ttl,
		interval: interval,
		log:      log.Named("sweeper"),
		now:      time.Now,
	}
}

// Enabled reports whether holds expire at all.
func (s *Sweeper) Enabled() bool {
	return s.ttl > 0
}

// RunOnce performs a single sweep and returns how many holds it released.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	if !s.Enabled() {
		return 0, nil
	}

	cutoff := s.now().Add(-s.ttl)
	released, err := s.store.ReleaseStaleHolds(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, r := range released {
		s.log.Info("released stale hold",
			zap.String("resource_id", r.ResourceID.String()),
			zap.String("payer_id", r.PayerID.String()),
			zap.String("intent_id", r.IntentID),
			zap.Time("reserved_at", r.ReservedAt),
		)
	}
	return len(released), nil
}

// Run sweeps on every interval until ctx is cancelled. Sweep errors are
// logged and the loop continues.
func (s *Sweeper) Run(ctx context.Context) error {
	if !s.Enabled() {
		s.log.Info("hold expiry disabled")
		return nil
	}

	s.log.Info("sweeper started", zap.Duration("hold_ttl", s.ttl), zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

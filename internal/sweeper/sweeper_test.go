package sweeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Shivanand-hulikatti/campus-booking/internal/memstore"
	"github.com/Shivanand-hulikatti/campus-booking/internal/model"
)

func TestRunOnceReleasesExpiredHolds(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := memstore.New()
	res := &model.Resource{Title: "Bazaar stall", Price: decimal.NewFromInt(15), Capacity: 3, StartTime: now.Add(72 * time.Hour)}
	require.NoError(t, store.Resources().Create(ctx, res))

	store.SetClock(func() time.Time { return now.Add(-2 * time.Hour) })
	abandoned := uuid.New()
	_, err := store.Reservations().TryReserve(ctx, res.ID, abandoned, "pi_abandoned")
	require.NoError(t, err)

	store.SetClock(func() time.Time { return now.Add(-5 * time.Minute) })
	_, err = store.Reservations().TryReserve(ctx, res.ID, uuid.New(), "pi_recent")
	require.NoError(t, err)

	core, logs := observer.New(zap.InfoLevel)
	s := New(store.Reservations(), time.Hour, time.Minute, zap.New(core))
	s.now = func() time.Time { return now }

	n, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Resources().Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ParticipantCount)

	entries := logs.FilterMessage("released stale hold").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "pi_abandoned", entries[0].ContextMap()["intent_id"])
}

func TestDisabledSweeperDoesNothing(t *testing.T) {
	var calls atomic.Int32
	s := New(releaserFunc(func(context.Context, time.Time) ([]model.Reservation, error) {
		calls.Add(1)
		return nil, nil
	}), 0, time.Millisecond, zap.NewNop())

	assert.False(t, s.Enabled())
	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, s.Run(context.Background()))
	assert.Zero(t, calls.Load())
}

func TestRunKeepsGoingAfterErrors(t *testing.T) {
	var calls atomic.Int32
	s := New(releaserFunc(func(context.Context, time.Time) ([]model.Reservation, error) {
		calls.Add(1)
		return nil, errors.New("connection reset")
	}), time.Minute, 5*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

type releaserFunc func(ctx context.Context, cutoff time.Time) ([]model.Reservation, error)

func (f releaserFunc) ReleaseStaleHolds(ctx context.Context, cutoff time.Time) ([]model.Reservation, error) {
	return f(ctx, cutoff)
}

package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/campus-booking/internal/apperror"
	"github.com/Shivanand-hulikatti/campus-booking/internal/gateway"
	"github.com/Shivanand-hulikatti/campus-booking/internal/memstore"
	"github.com/Shivanand-hulikatti/campus-booking/internal/model"
	"github.com/Shivanand-hulikatti/campus-booking/internal/policy"
	"github.com/Shivanand-hulikatti/campus-booking/internal/repository"
)

var now = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

type countingNotifier struct {
	mu       sync.Mutex
	payments []*model.PaymentRecord
	refunds  []*model.PaymentRecord
	fail     bool
}

func (n *countingNotifier) SendPaymentReceipt(_ context.Context, _ *model.Payer, _ *model.Resource, rec *model.PaymentRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payments = append(n.payments, rec)
	if n.fail {
		return errors.New("smtp down")
	}
	return nil
}

func (n *countingNotifier) SendRefundReceipt(_ context.Context, _ *model.Payer, _ *model.Resource, rec *model.PaymentRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.refunds = append(n.refunds, rec)
	return nil
}

func (n *countingNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.payments), len(n.refunds)
}

type fixture struct {
	svc      *TransactionService
	store    *memstore.Store
	gw       *gateway.Fake
	notifier *countingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	gw := gateway.NewFake()
	n := &countingNotifier{}
	svc := NewTransactionService(Stores{
		Resources:    store.Resources(),
		Payers:       store.Payers(),
		Reservations: store.Reservations(),
		Wallets:      store.Wallets(),
		Records:      store.Records(),
	}, gw, n, zap.NewNop(), Config{
		Currency: "usd",
		Refunds:  policy.NewRefunds(policy.DefaultRefundWindow),
		Now:      func() time.Time { return now },
	})
	return &fixture{svc: svc, store: store, gw: gw, notifier: n}
}

func (f *fixture) resource(t *testing.T, price string, capacity int, startsIn time.Duration) *model.Resource {
	t.Helper()
	res := &model.Resource{
		Kind:      model.ResourceWorkshop,
		Title:     "Intro to Rock Climbing",
		Price:     decimal.RequireFromString(price),
		Currency:  "usd",
		Capacity:  capacity,
		StartTime: now.Add(startsIn),
	}
	require.NoError(t, f.store.Resources().Create(context.Background(), res))
	return res
}

func (f *fixture) payer(t *testing.T, balance string) *model.Payer {
	t.Helper()
	p := &model.Payer{
		Email:         uuid.NewString() + "@campus.example",
		Name:          "Dana",
		WalletBalance: decimal.RequireFromString(balance),
	}
	require.NoError(t, f.store.Payers().Create(context.Background(), p))
	return p
}

func (f *fixture) balance(t *testing.T, payerID uuid.UUID) decimal.Decimal {
	t.Helper()
	b, err := f.store.Wallets().Balance(context.Background(), payerID)
	require.NoError(t, err)
	return b
}

func (f *fixture) reloaded(t *testing.T, id uuid.UUID) *model.Resource {
	t.Helper()
	res, err := f.store.Resources().Get(context.Background(), id)
	require.NoError(t, err)
	return res
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertKind(t *testing.T, err error, kind apperror.Kind) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, apperror.KindOf(err), "error: %v", err)
}

// ─── Pay ──────────────────────────────────────────────────────────────────────

func TestPayMixedThenFinalize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.resource(t, "80", 10, 30*day)
	payer := f.payer(t, "50")

	out, err := f.svc.Pay(ctx, model.PayRequest{
		ResourceID: res.ID.String(), PayerID: payer.ID.String(), UseWallet: true, CardToken: "pm_card_visa",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateAwaitingCard, out.State)
	assert.Equal(t, model.MethodMixed, out.Method)
	assert.True(t, dec("50").Equal(out.WalletPortion))
	assert.True(t, dec("30").Equal(out.CardPortion))
	assert.NotEmpty(t, out.ClientSecret)
	assert.Nil(t, out.Record)

	// Capacity is held, the wallet is untouched until finalize.
	assert.Equal(t, 1, f.reloaded(t, res.ID).ParticipantCount)
	assert.True(t, dec("50").Equal(f.balance(t, payer.ID)))

	f.gw.Settle(out.IntentID)
	final, err := f.svc.FinalizeCardPayment(ctx, model.FinalizeRequest{
		ResourceID: res.ID.String(), PayerID: payer.ID.String(), IntentID: out.IntentID,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatePaid, final.State)
	require.NotNil(t, final.Record)
	assert.True(t, dec("80").Equal(final.Record.Amount))
	assert.True(t, final.Record.WalletPortion.Add(final.Record.CardPortion).Equal(final.Record.Amount))
	assert.Equal(t, model.MethodMixed, final.Record.Method)
	assert.Regexp(t, `^RCP-20260501-[0-9A-F]{8}$`, final.Record.ReceiptNumber)
	require.NotNil(t, final.Record.ExternalReference)
	assert.Equal(t, out.IntentID, *final.Record.ExternalReference)

	assert.True(t, f.balance(t, payer.ID).IsZero())
	assert.True(t, dec("80").Equal(f.reloaded(t, res.ID).AccruedRevenue))

	reservation, err := f.store.Reservations().Get(ctx, res.ID, payer.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationConfirmed, reservation.Status)

	payments, _ := f.notifier.counts()
	assert.Equal(t, 1, payments)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.resource(t, "80", 10, 30*day)
	payer := f.payer(t, "50")

	out, err := f.svc.Pay(ctx, model.PayRequest{
		ResourceID: res.ID.String(), PayerID: payer.ID.String(), UseWallet: true, CardToken: "pm_card_visa",
	})
	require.NoError(t, err)
	f.gw.Settle(out.IntentID)
	req := model.FinalizeRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), IntentID: out.IntentID}

	first, err := f.svc.FinalizeCardPayment(ctx, req)
	require.NoError(t, err)
	second, err := f.svc.FinalizeCardPayment(ctx, req)
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.True(t, f.balance(t, payer.ID).IsZero(), "wallet debited once")
	assert.True(t, dec("80").Equal(f.reloaded(t, res.ID).AccruedRevenue), "revenue accrued once")

	payments, _ := f.notifier.counts()
	assert.Equal(t, 1, payments)
}

func TestFinalizeConcurrentRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.resource(t, "80", 10, 30*day)
	payer := f.payer(t, "50")

	out, err := f.svc.Pay(ctx, model.PayRequest{
		ResourceID: res.ID.String(), PayerID: payer.ID.String(), UseWallet: true, CardToken: "pm_card_visa",
	})
	require.NoError(t, err)
	f.gw.Settle(out.IntentID)
	req := model.FinalizeRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), IntentID: out.IntentID}

	var (
		wg  sync.WaitGroup
		ids sync.Map
		ok  atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.svc.FinalizeCardPayment(ctx, req)
			if assert.NoError(t, err) {
				ok.Add(1)
				ids.Store(got.Record.ID, struct{}{})
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 10, ok.Load())
	distinct := 0
	ids.Range(func(_, _ any) bool { distinct++; return true })
	assert.Equal(t, 1, distinct)
	assert.True(t, f.balance(t, payer.ID).IsZero())
	assert.True(t, dec("80").Equal(f.reloaded(t, res.ID).AccruedRevenue))
	assert.Equal(t, 0, f.gw.Refunds(out.IntentID))
}

func TestPayFreeResourceWritesZeroRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.resource(t, "0", 5, 30*day)
	payer := f.payer(t, "20")

	out, err := f.svc.Pay(ctx, model.PayRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, model.StatePaid, out.State)
	assert.Equal(t, model.MethodFree, out.Method)
	require.NotNil(t, out.Record)
	assert.True(t, out.Record.Amount.IsZero())
	assert.Nil(t, out.Record.ExternalReference)
	assert.Equal(t, 0, f.gw.Creates(), "no gateway call")
	assert.Equal(t, 1, f.reloaded(t, res.ID).ParticipantCount)

	refund, err := f.svc.Cancel(ctx, model.CancelRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String()})
	require.NoError(t, err)
	assert.True(t, refund.RefundAmount.IsZero())
	assert.True(t, dec("20").Equal(f.balance(t, payer.ID)))
	assert.Equal(t, 0, f.reloaded(t, res.ID).ParticipantCount)
}

func TestPayWalletOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.resource(t, "45.50", 5, 30*day)
	payer := f.payer(t, "100")

	out, err := f.svc.Pay(ctx, model.PayRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), UseWallet: true})
	require.NoError(t, err)
	assert.Equal(t, model.StatePaid, out.State)
	assert.Equal(t, model.MethodWallet, out.Method)
	assert.True(t, dec("54.50").Equal(f.balance(t, payer.ID)))
	assert.True(t, dec("45.50").Equal(f.reloaded(t, res.ID).AccruedRevenue))

	_, err = f.svc.Pay(ctx, model.PayRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), UseWallet: true})
	assertKind(t, err, apperror.KindConflict)
	assert.True(t, dec("54.50").Equal(f.balance(t, payer.ID)))
	assert.Equal(t, 1, f.reloaded(t, res.ID).ParticipantCount)
}

func TestPayCardRequiredReleasesReservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.resource(t, "80", 5, 30*day)
	payer := f.payer(t, "50")

	_, err := f.svc.Pay(ctx, model.PayRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), UseWallet: true})
	assertKind(t, err, apperror.KindInsufficientFunds)
	assert.Contains(t, err.Error(), "a card is required for the remaining 30")
	assert.Equal(t, 0, f.reloaded(t, res.ID).ParticipantCount)
	assert.True(t, dec("50").Equal(f.balance(t, payer.ID)))
}

func TestPayGatewayFailureReleasesReservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.resource(t, "80", 5, 30*day)
	payer := f.payer(t, "0")
	f.gw.Unavailable = true

	_, err := f.svc.Pay(ctx, model.PayRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), CardToken: "pm_card_visa"})
	assertKind(t, err, apperror.KindGateway)
	assert.ErrorIs(t, err, gateway.ErrUnavailable)
	assert.Equal(t, 0, f.reloaded(t, res.ID).ParticipantCount)
}

func TestPayResumesHeldCheckout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.resource(t, "80", 1, 30*day)
	payer := f.payer(t, "0")
	req := model.PayRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), CardToken: "pm_card_visa"}

	first, err := f.svc.Pay(ctx, req)
	require.NoError(t, err)
	second, err := f.svc.Pay(ctx, req)
	require.NoError(t, err)

	assert.NotEqual(t, first.IntentID, second.IntentID)
	assert.Equal(t, 1, f.reloaded(t, res.ID).ParticipantCount)

	// A failed retry must not release the seat held by the first checkout.
	f.gw.Unavailable = true
	_, err = f.svc.Pay(ctx, req)
	assertKind(t, err, apperror.KindGateway)
	assert.Equal(t, 1, f.reloaded(t, res.ID).ParticipantCount)
}

func TestPayLastSeatRace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.resource(t, "50", 1, 30*day)
	payers := []*model.Payer{f.payer(t, "100"), f.payer(t, "100")}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, p := range payers {
		wg.Add(1)
		go func(p *model.Payer) {
			defer wg.Done()
			_, err := f.svc.Pay(ctx, model.PayRequest{ResourceID: res.ID.String(), PayerID: p.ID.String(), UseWallet: true})
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	var paid, full int
	for _, err := range errs {
		switch {
		case err == nil:
			paid++
		case apperror.Is(err, apperror.KindCapacityExceeded):
			full++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, paid)
	assert.Equal(t, 1, full)
	assert.Equal(t, 1, f.reloaded(t, res.ID).ParticipantCount)

	total := f.balance(t, payers[0].ID).Add(f.balance(t, payers[1].ID))
	assert.True(t, dec("150").Equal(total), "only the winner was charged")
}

func TestPayValidation(t *testing.T) {
	f := newFixture(t)
	res := f.resource(t, "10", 1, 30*day)
	payer := f.payer(t, "10")

	tests := []struct {
		name string
		req  model.PayRequest
		kind apperror.Kind
		msg  string
	}{
		{"missing payer", model.PayRequest{ResourceID: res.ID.String()}, apperror.KindValidation, "payer_id is required"},
		{"bad resource id", model.PayRequest{ResourceID: "42", PayerID: payer.ID.String()}, apperror.KindValidation, "resource_id must be a valid UUID"},
		{"long card token", model.PayRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), CardToken: string(make([]byte, 300))}, apperror.KindValidation, "card_token must be at most 255 characters"},
		{"unknown resource", model.PayRequest{ResourceID: uuid.NewString(), PayerID: payer.ID.String()}, apperror.KindNotFound, "resource not found"},
		{"unknown payer", model.PayRequest{ResourceID: res.ID.String(), PayerID: uuid.NewString()}, apperror.KindNotFound, "payer not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Pay(context.Background(), tt.req)
			assertKind(t, err, tt.kind)
			assert.Equal(t, tt.msg, apperror.PublicMessage(err))
		})
	}
	assert.Equal(t, 0, f.reloaded(t, res.ID).ParticipantCount)
}

// ─── Finalize ─────────────────────────────────────────────────────────────────

func TestFinalizeRejectsForeignOrUnsettledIntent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.resource(t, "80", 5, 30*day)
	payer := f.payer(t, "0")
	other := f.payer(t, "0")

	out, err := f.svc.Pay(ctx, model.PayRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), CardToken: "pm_card_visa"})
	require.NoError(t, err)

	_, err = f.svc.FinalizeCardPayment(ctx, model.FinalizeRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), IntentID: out.IntentID})
	assertKind(t, err, apperror.KindGateway)
	assert.Contains(t, err.Error(), "not settled")

	f.gw.Settle(out.IntentID)
	_, err = f.svc.FinalizeCardPayment(ctx, model.FinalizeRequest{ResourceID: res.ID.String(), PayerID: other.ID.String(), IntentID: out.IntentID})
	assertKind(t, err, apperror.KindGateway)
	assert.Equal(t, "payment intent does not belong to this registration", apperror.PublicMessage(err))

	_, err = f.svc.FinalizeCardPayment(ctx, model.FinalizeRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), IntentID: "pi_unknown"})
	assertKind(t, err, apperror.KindGateway)
	assert.ErrorIs(t, err, gateway.ErrIntentNotFound)

	_, err = f.svc.FinalizeCardPayment(ctx, model.FinalizeRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String()})
	assertKind(t, err, apperror.KindValidation)
	assert.Equal(t, "intent_id is required", apperror.PublicMessage(err))
}

func TestFinalizeDirectCheckoutReservesSeat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.resource(t, "30", 5, 30*day)
	payer := f.payer(t, "0")
	f.gw.Put(gateway.Intent{
		ID: "pi_direct", Status: gateway.StatusSucceeded, Amount: dec("30"), Currency: "usd",
		ResourceID: res.ID, PayerID: payer.ID, WalletPortion: decimal.Zero,
	})

	out, err := f.svc.FinalizeCardPayment(ctx, model.FinalizeRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), IntentID: "pi_direct"})
	require.NoError(t, err)
	assert.Equal(t, model.StatePaid, out.State)
	assert.Equal(t, model.MethodCard, out.Record.Method)
	assert.Equal(t, 1, f.reloaded(t, res.ID).ParticipantCount)
}

func TestFinalizeOnFullResourceRefundsCard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.resource(t, "30", 1, 30*day)
	holder := f.payer(t, "100")
	late := f.payer(t, "0")

	_, err := f.svc.Pay(ctx, model.PayRequest{ResourceID: res.ID.String(), PayerID: holder.ID.String(), UseWallet: true})
	require.NoError(t, err)

	f.gw.Put(gateway.Intent{
		ID: "pi_late", Status: gateway.StatusSucceeded, Amount: dec("30"), Currency: "usd",
		ResourceID: res.ID, PayerID: late.ID, WalletPortion: decimal.Zero,
	})
	_, err = f.svc.FinalizeCardPayment(ctx, model.FinalizeRequest{ResourceID: res.ID.String(), PayerID: late.ID.String(), IntentID: "pi_late"})
	assertKind(t, err, apperror.KindCapacityExceeded)
	assert.Equal(t, 1, f.gw.Refunds("pi_late"))
	assert.Equal(t, 1, f.reloaded(t, res.ID).ParticipantCount)

	records, err := f.svc.ListPayments(ctx, late.ID.String())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFinalizeWalletDrainedRefundsCard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.resource(t, "80", 5, 30*day)
	payer := f.payer(t, "50")

	out, err := f.svc.Pay(ctx, model.PayRequest{
		ResourceID: res.ID.String(), PayerID: payer.ID.String(), UseWallet: true, CardToken: "pm_card_visa",
	})
	require.NoError(t, err)

	// The wallet is spent elsewhere while the card step is pending.
	_, err = f.store.Wallets().Debit(ctx, payer.ID, dec("40"), "", "other registration")
	require.NoError(t, err)

	f.gw.Settle(out.IntentID)
	_, err = f.svc.FinalizeCardPayment(ctx, model.FinalizeRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), IntentID: out.IntentID})
	assertKind(t, err, apperror.KindInsufficientFunds)
	assert.Equal(t, 1, f.gw.Refunds(out.IntentID))
	assert.True(t, dec("10").Equal(f.balance(t, payer.ID)))

	// The refunded intent can no longer be finalized.
	_, err = f.svc.FinalizeCardPayment(ctx, model.FinalizeRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), IntentID: out.IntentID})
	assertKind(t, err, apperror.KindGateway)
}

func TestFinalizeRefundFailureStillRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.resource(t, "30", 1, 30*day)
	holder := f.payer(t, "100")
	late := f.payer(t, "0")
	_, err := f.svc.Pay(ctx, model.PayRequest{ResourceID: res.ID.String(), PayerID: holder.ID.String(), UseWallet: true})
	require.NoError(t, err)

	f.gw.FailRefund = true
	f.gw.Put(gateway.Intent{
		ID: "pi_late", Status: gateway.StatusSucceeded, Amount: dec("30"), Currency: "usd",
		ResourceID: res.ID, PayerID: late.ID, WalletPortion: decimal.Zero,
	})
	_, err = f.svc.FinalizeCardPayment(ctx, model.FinalizeRequest{ResourceID: res.ID.String(), PayerID: late.ID.String(), IntentID: "pi_late"})
	assertKind(t, err, apperror.KindCapacityExceeded)
	assert.Equal(t, 0, f.gw.Refunds("pi_late"))
}

func TestHandleGatewayEventThenClientFinalize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.resource(t, "30", 5, 30*day)
	payer := f.payer(t, "0")

	out, err := f.svc.Pay(ctx, model.PayRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), CardToken: "pm_card_visa"})
	require.NoError(t, err)
	f.gw.Settle(out.IntentID)

	hooked, err := f.svc.HandleGatewayEvent(ctx, &gateway.Event{
		ID: "evt_1", Type: gateway.EventPaymentSucceeded, Intent: &gateway.Intent{ID: out.IntentID},
	})
	require.NoError(t, err)
	require.NotNil(t, hooked)
	assert.Equal(t, model.StatePaid, hooked.State)

	client, err := f.svc.FinalizeCardPayment(ctx, model.FinalizeRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), IntentID: out.IntentID})
	require.NoError(t, err)
	assert.True(t, client.Replayed)
	assert.Equal(t, hooked.Record.ID, client.Record.ID)
	assert.True(t, dec("30").Equal(f.reloaded(t, res.ID).AccruedRevenue))

	ignored, err := f.svc.HandleGatewayEvent(ctx, &gateway.Event{ID: "evt_2", Type: "charge.refunded"})
	require.NoError(t, err)
	assert.Nil(t, ignored)
}

// ─── Hold expiry during payment ───────────────────────────────────────────────

// sweepingReservations runs a stale-hold sweep once, right after TryReserve
// reports an existing reservation, which is where a concurrent sweeper can
// release a hold in the middle of a payment.
type sweepingReservations struct {
	*memstore.Reservations
	armed atomic.Bool
	after func(ctx context.Context)
}

func (r *sweepingReservations) TryReserve(ctx context.Context, resourceID, payerID uuid.UUID, intentID string) (repository.ReserveOutcome, error) {
	out, err := r.Reservations.TryReserve(ctx, resourceID, payerID, intentID)
	if err == nil && out == repository.AlreadyReserved && r.armed.CompareAndSwap(true, false) {
		_, _ = r.Reservations.ReleaseStaleHolds(ctx, time.Now().Add(time.Hour))
		if r.after != nil {
			r.after(ctx)
		}
	}
	return out, err
}

func (f *fixture) sweepMidPayment(after func(ctx context.Context)) {
	r := &sweepingReservations{Reservations: f.store.Reservations(), after: after}
	r.armed.Store(true)
	f.svc.stores.Reservations = r
}

func TestFinalizeAfterHoldSweptReservesAgain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.resource(t, "50", 1, 30*day)
	payer := f.payer(t, "0")
	other := f.payer(t, "100")

	out, err := f.svc.Pay(ctx, model.PayRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), CardToken: "pm_card_visa"})
	require.NoError(t, err)
	f.gw.Settle(out.IntentID)

	f.sweepMidPayment(nil)
	paid, err := f.svc.FinalizeCardPayment(ctx, model.FinalizeRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), IntentID: out.IntentID})
	require.NoError(t, err)
	assert.Equal(t, model.StatePaid, paid.State)
	assert.Zero(t, f.gw.Refunds(out.IntentID))

	reservation, err := f.store.Reservations().Get(ctx, res.ID, payer.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationConfirmed, reservation.Status)
	assert.Equal(t, 1, f.reloaded(t, res.ID).ParticipantCount)

	// The seat is not sold twice.
	_, err = f.svc.Pay(ctx, model.PayRequest{ResourceID: res.ID.String(), PayerID: other.ID.String(), UseWallet: true})
	assertKind(t, err, apperror.KindCapacityExceeded)
	assert.Equal(t, 1, f.reloaded(t, res.ID).ParticipantCount)
}

func TestFinalizeAfterHoldSweptAndSeatTakenRefunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.resource(t, "50", 1, 30*day)
	payer := f.payer(t, "20")
	rival := f.payer(t, "0")

	out, err := f.svc.Pay(ctx, model.PayRequest{
		ResourceID: res.ID.String(), PayerID: payer.ID.String(), UseWallet: true, CardToken: "pm_card_visa",
	})
	require.NoError(t, err)
	require.Equal(t, model.MethodMixed, out.Method)
	f.gw.Settle(out.IntentID)

	f.sweepMidPayment(func(ctx context.Context) {
		got, err := f.store.Reservations().TryReserve(ctx, res.ID, rival.ID, "")
		require.NoError(t, err)
		require.Equal(t, repository.Reserved, got)
	})
	_, err = f.svc.FinalizeCardPayment(ctx, model.FinalizeRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), IntentID: out.IntentID})
	assertKind(t, err, apperror.KindCapacityExceeded)

	assert.Equal(t, 1, f.gw.Refunds(out.IntentID))
	assert.True(t, dec("20").Equal(f.balance(t, payer.ID)))
	assert.Equal(t, 1, f.reloaded(t, res.ID).ParticipantCount)
	_, err = f.store.Reservations().Get(ctx, res.ID, rival.ID)
	assert.NoError(t, err)

	records, err := f.svc.ListPayments(ctx, payer.ID.String())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPayResumedHoldSweptReservesAgain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.resource(t, "40", 1, 30*day)
	payer := f.payer(t, "0")

	_, err := f.svc.Pay(ctx, model.PayRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), CardToken: "pm_card_visa"})
	require.NoError(t, err)
	_, err = f.store.Wallets().Credit(ctx, payer.ID, dec("40"), "", "top-up")
	require.NoError(t, err)

	f.sweepMidPayment(nil)
	out, err := f.svc.Pay(ctx, model.PayRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), UseWallet: true})
	require.NoError(t, err)
	assert.Equal(t, model.StatePaid, out.State)

	reservation, err := f.store.Reservations().Get(ctx, res.ID, payer.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationConfirmed, reservation.Status)
	assert.Equal(t, 1, f.reloaded(t, res.ID).ParticipantCount)
}

func TestPayResumeRestartsHoldClock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.resource(t, "40", 1, 30*day)
	payer := f.payer(t, "0")
	req := model.PayRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), CardToken: "pm_card_visa"}

	f.store.SetClock(func() time.Time { return now.Add(-2 * time.Hour) })
	_, err := f.svc.Pay(ctx, req)
	require.NoError(t, err)

	f.store.SetClock(func() time.Time { return now })
	_, err = f.svc.Pay(ctx, req)
	require.NoError(t, err)

	released, err := f.store.Reservations().ReleaseStaleHolds(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, released)
	assert.Equal(t, 1, f.reloaded(t, res.ID).ParticipantCount)
}

// brokenLookupReservations fails reservation reads.
type brokenLookupReservations struct {
	*memstore.Reservations
}

func (brokenLookupReservations) Get(context.Context, uuid.UUID, uuid.UUID) (*model.Reservation, error) {
	return nil, errors.New("connection reset")
}

func TestPayReservationLookupFailureIsPersistence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.resource(t, "40", 2, 30*day)
	payer := f.payer(t, "100")

	// A confirmed seat without a paid record, e.g. mid-way through another request.
	_, err := f.store.Reservations().TryReserve(ctx, res.ID, payer.ID, "")
	require.NoError(t, err)
	require.NoError(t, f.store.Reservations().Confirm(ctx, res.ID, payer.ID))
	req := model.PayRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), UseWallet: true}

	_, err = f.svc.Pay(ctx, req)
	assertKind(t, err, apperror.KindConflict)

	f.svc.stores.Reservations = brokenLookupReservations{f.store.Reservations()}
	_, err = f.svc.Pay(ctx, req)
	assertKind(t, err, apperror.KindPersistence)
	assert.True(t, dec("100").Equal(f.balance(t, payer.ID)))
}

// ─── Cancel ───────────────────────────────────────────────────────────────────

func TestCancelOutsideWindowRefundsToWallet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.resource(t, "120", 5, 20*day)
	payer := f.payer(t, "200")

	_, err := f.svc.Pay(ctx, model.PayRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), UseWallet: true})
	require.NoError(t, err)
	require.True(t, dec("80").Equal(f.balance(t, payer.ID)))

	out, err := f.svc.Cancel(ctx, model.CancelRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String()})
	require.NoError(t, err)
	assert.True(t, dec("120").Equal(out.RefundAmount))
	assert.True(t, dec("200").Equal(out.WalletBalance))
	assert.Equal(t, model.PaymentRefunded, out.Record.Status)
	require.NotNil(t, out.Record.RefundReference)
	assert.Equal(t, "refund:"+out.Record.ID.String(), *out.Record.RefundReference)

	reloaded := f.reloaded(t, res.ID)
	assert.Equal(t, 0, reloaded.ParticipantCount)
	assert.True(t, reloaded.AccruedRevenue.IsZero())
	assert.True(t, dec("200").Equal(f.balance(t, payer.ID)))

	_, refunds := f.notifier.counts()
	assert.Equal(t, 1, refunds)

	_, err = f.svc.Cancel(ctx, model.CancelRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String()})
	assertKind(t, err, apperror.KindConflict)
	assert.Equal(t, "payment already refunded", apperror.PublicMessage(err))
	assert.True(t, dec("200").Equal(f.balance(t, payer.ID)), "no second credit")
}

func TestCancelInsideWindowIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.resource(t, "120", 5, 10*day)
	payer := f.payer(t, "200")

	_, err := f.svc.Pay(ctx, model.PayRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), UseWallet: true})
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, model.CancelRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String()})
	assertKind(t, err, apperror.KindPolicyViolation)
	assert.Contains(t, err.Error(), "27 Apr 2026")

	assert.True(t, dec("80").Equal(f.balance(t, payer.ID)), "no refund")
	assert.Equal(t, 1, f.reloaded(t, res.ID).ParticipantCount, "no release")
	paid, err := f.store.Records().GetPaid(ctx, payer.ID, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPaid, paid.Status)
}

func TestCancelWindowBoundary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.resource(t, "10", 5, 14*day)
	payer := f.payer(t, "10")

	_, err := f.svc.Pay(ctx, model.PayRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), UseWallet: true})
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, model.CancelRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String()})
	require.NoError(t, err, "exactly fourteen days ahead is still refundable")
}

func TestCancelWithoutPayment(t *testing.T) {
	f := newFixture(t)
	res := f.resource(t, "10", 5, 30*day)
	payer := f.payer(t, "10")

	_, err := f.svc.Cancel(context.Background(), model.CancelRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String()})
	assertKind(t, err, apperror.KindNotFound)
}

func TestRepayAfterCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.resource(t, "25", 1, 30*day)
	payer := f.payer(t, "25")
	pay := model.PayRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), UseWallet: true}

	_, err := f.svc.Pay(ctx, pay)
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, model.CancelRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String()})
	require.NoError(t, err)
	_, err = f.svc.Pay(ctx, pay)
	require.NoError(t, err)

	records, err := f.svc.ListPayments(ctx, payer.ID.String())
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.True(t, f.balance(t, payer.ID).IsZero())
}

// ─── Wallet summary ───────────────────────────────────────────────────────────

func TestWalletSummary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.resource(t, "60", 5, 30*day)
	payer := f.payer(t, "100")

	paid, err := f.svc.Pay(ctx, model.PayRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), UseWallet: true})
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, model.CancelRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String()})
	require.NoError(t, err)

	summary, err := f.svc.WalletSummary(ctx, payer.ID.String())
	require.NoError(t, err)
	assert.True(t, dec("100").Equal(summary.Balance))
	require.Len(t, summary.RecentRefunds, 1)
	line := summary.RecentRefunds[0]
	assert.Equal(t, paid.Record.ID, line.RecordID)
	assert.Equal(t, paid.Record.ReceiptNumber, line.ReceiptNumber)
	assert.True(t, dec("60").Equal(line.Amount))
	assert.Equal(t, "refund:"+paid.Record.ID.String(), line.Reference)

	require.Len(t, summary.RecentEntries, 2)
	assert.Equal(t, model.WalletCredit, summary.RecentEntries[0].Kind)
	assert.Equal(t, "refund:"+paid.Record.ID.String(), summary.RecentEntries[0].Reference)
	assert.Equal(t, model.WalletDebit, summary.RecentEntries[1].Kind)
	assert.True(t, dec("40").Equal(summary.RecentEntries[1].BalanceAfter))

	_, err = f.svc.WalletSummary(ctx, uuid.NewString())
	assertKind(t, err, apperror.KindNotFound)
	_, err = f.svc.WalletSummary(ctx, "nope")
	assertKind(t, err, apperror.KindValidation)
}

func TestNotifierFailureDoesNotFailPayment(t *testing.T) {
	f := newFixture(t)
	f.notifier.fail = true
	res := f.resource(t, "5", 5, 30*day)
	payer := f.payer(t, "5")

	out, err := f.svc.Pay(context.Background(), model.PayRequest{ResourceID: res.ID.String(), PayerID: payer.ID.String(), UseWallet: true})
	require.NoError(t, err)
	assert.Equal(t, model.StatePaid, out.State)
}

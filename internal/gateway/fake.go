package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrRefundFailed is returned by Fake.Refund when refunds are set to fail.
var ErrRefundFailed = errors.New("refund failed")

// Fake is an in-memory Client. Intents start in requires_payment_method and
// settle when Settle is called, standing in for the payer completing the
// card step out of band.
type Fake struct {
	mu       sync.Mutex
	intents  map[string]*Intent
	refunded map[string]int
	seq      int

	Unavailable bool
	FailCreate  error
	FailRefund  bool
	// AutoSettle settles every intent on creation.
	AutoSettle bool

	creates int
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{
		intents:  make(map[string]*Intent),
		refunded: make(map[string]int),
	}
}

func (f *Fake) CreateIntent(_ context.Context, req IntentRequest) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Unavailable {
		return nil, ErrUnavailable
	}
	if !req.Amount.IsPositive() {
		return nil, ErrNotPayable
	}
	if f.FailCreate != nil {
		return nil, f.FailCreate
	}
	if _, err := ToMinorUnits(req.Amount, req.Currency); err != nil {
		return nil, err
	}

	f.seq++
	f.creates++
	id := fmt.Sprintf("pi_fake_%d", f.seq)
	in := &Intent{
		ID:            id,
		ClientSecret:  id + "_secret_" + uuid.NewString()[:8],
		Status:        StatusRequiresPaymentMethod,
		Amount:        req.Amount,
		Currency:      req.Currency,
		ResourceID:    req.ResourceID,
		PayerID:       req.PayerID,
		WalletPortion: req.WalletPortion,
	}
	if f.AutoSettle {
		in.Status = StatusSucceeded
	}
	f.intents[id] = in

	cp := *in
	return &cp, nil
}

func (f *Fake) Retrieve(_ context.Context, intentID string) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Unavailable {
		return nil, ErrUnavailable
	}
	in, ok := f.intents[intentID]
	if !ok {
		return nil, ErrIntentNotFound
	}
	cp := *in
	cp.Refunded = f.refunded[intentID] > 0
	return &cp, nil
}

func (f *Fake) Refund(_ context.Context, intentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Unavailable {
		return ErrUnavailable
	}
	if f.FailRefund {
		return ErrRefundFailed
	}
	if _, ok := f.intents[intentID]; !ok {
		return ErrIntentNotFound
	}
	f.refunded[intentID]++
	return nil
}

// Settle marks an intent as succeeded.
func (f *Fake) Settle(intentID string) {
	f.SetStatus(intentID, StatusSucceeded)
}

// SetStatus forces the status of an intent.
func (f *Fake) SetStatus(intentID string, status Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in, ok := f.intents[intentID]; ok {
		in.Status = status
	}
}

// Put registers an intent directly, e.g. one created by another checkout flow.
func (f *Fake) Put(in Intent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents[in.ID] = &in
}

// Refunds returns how many times intentID was refunded.
func (f *Fake) Refunds(intentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refunded[intentID]
}

// Creates returns the number of intents created.
func (f *Fake) Creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

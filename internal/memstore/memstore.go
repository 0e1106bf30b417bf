// Package memstore is an in-memory implementation of the engine's stores.
// It backs the memory store mode and the service tests. A single mutex
// guards all state and is held only for the duration of one operation,
// mirroring one round trip to a database that supports conditional writes.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Shivanand-hulikatti/campus-booking/internal/model"
	"github.com/Shivanand-hulikatti/campus-booking/internal/repository"
)

type participantKey struct {
	resource uuid.UUID
	payer    uuid.UUID
}

// Store holds every table. Use the typed views to access it.
type Store struct {
	mu sync.Mutex

	resources    map[uuid.UUID]*model.Resource
	payers       map[uuid.UUID]*model.Payer
	participants map[participantKey]*model.Reservation
	entries      []model.WalletEntry
	references   map[string]struct{}
	records      map[uuid.UUID]*model.PaymentRecord

	now func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		resources:    make(map[uuid.UUID]*model.Resource),
		payers:       make(map[uuid.UUID]*model.Payer),
		participants: make(map[participantKey]*model.Reservation),
		references:   make(map[string]struct{}),
		records:      make(map[uuid.UUID]*model.PaymentRecord),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the store clock. Used by tests of time-based sweeps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Resources() *Resources       { return &Resources{s} }
func (s *Store) Payers() *Payers             { return &Payers{s} }
func (s *Store) Reservations() *Reservations { return &Reservations{s} }
func (s *Store) Wallets() *Wallets           { return &Wallets{s} }
func (s *Store) Records() *Records           { return &Records{s} }

// ─── Resources ────────────────────────────────────────────────────────────────

type Resources struct{ s *Store }

// Create stores a copy of res.
func (r *Resources) Create(_ context.Context, res *model.Resource) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = r.s.now()
	}
	if _, ok := r.s.resources[res.ID]; ok {
		return repository.ErrConflict
	}
	cp := *res
	r.s.resources[res.ID] = &cp
	return nil
}

func (r *Resources) Get(_ context.Context, id uuid.UUID) (*model.Resource, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	res, ok := r.s.resources[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *res
	return &cp, nil
}

func (r *Resources) AdjustRevenue(_ context.Context, id uuid.UUID, delta decimal.Decimal) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	res, ok := r.s.resources[id]
	if !ok {
		return repository.ErrNotFound
	}
	res.AccruedRevenue = res.AccruedRevenue.Add(delta)
	return nil
}

// ─── Payers ───────────────────────────────────────────────────────────────────

type Payers struct{ s *Store }

func (p *Payers) Create(_ context.Context, payer *model.Payer) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	if payer.ID == uuid.Nil {
		payer.ID = uuid.New()
	}
	if payer.CreatedAt.IsZero() {
		payer.CreatedAt = p.s.now()
	}
	if _, ok := p.s.payers[payer.ID]; ok {
		return repository.ErrConflict
	}
	cp := *payer
	p.s.payers[payer.ID] = &cp
	return nil
}

func (p *Payers) Get(_ context.Context, id uuid.UUID) (*model.Payer, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	payer, ok := p.s.payers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *payer
	return &cp, nil
}

// ─── Reservations ─────────────────────────────────────────────────────────────

type Reservations struct{ s *Store }

// TryReserve adds payerID to the participant set if the resource has room.
// The reservation is held until confirmed.
func (r *Reservations) TryReserve(_ context.Context, resourceID, payerID uuid.UUID, intentID string) (repository.ReserveOutcome, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	res, ok := r.s.resources[resourceID]
	if !ok {
		return repository.ResourceNotFound, nil
	}
	key := participantKey{resourceID, payerID}
	if _, ok := r.s.participants[key]; ok {
		return repository.AlreadyReserved, nil
	}
	if res.ParticipantCount >= res.Capacity {
		return repository.Full, nil
	}

	r.s.participants[key] = &model.Reservation{
		ResourceID: resourceID,
		PayerID:    payerID,
		Status:     model.ReservationHeld,
		IntentID:   intentID,
		ReservedAt: r.s.now(),
	}
	res.ParticipantCount++
	return repository.Reserved, nil
}

// Release removes payerID from the participant set. Absent payers are a no-op.
func (r *Reservations) Release(_ context.Context, resourceID, payerID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.release(participantKey{resourceID, payerID})
	return nil
}

func (r *Reservations) Confirm(_ context.Context, resourceID, payerID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.participants[participantKey{resourceID, payerID}]
	if !ok {
		return repository.ErrNotFound
	}
	p.Status = model.ReservationConfirmed
	return nil
}

// Renew restarts the hold clock of a held reservation. Confirmed or absent
// reservations yield ErrNotFound.
func (r *Reservations) Renew(_ context.Context, resourceID, payerID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.participants[participantKey{resourceID, payerID}]
	if !ok || p.Status != model.ReservationHeld {
		return repository.ErrNotFound
	}
	p.ReservedAt = r.s.now()
	return nil
}

func (r *Reservations) Get(_ context.Context, resourceID, payerID uuid.UUID) (*model.Reservation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.participants[participantKey{resourceID, payerID}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// ReleaseStaleHolds releases held reservations made before cutoff that are
// not backed by a paid record.
func (r *Reservations) ReleaseStaleHolds(_ context.Context, cutoff time.Time) ([]model.Reservation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var released []model.Reservation
	for key, p := range r.s.participants {
		if p.Status == model.ReservationHeld && p.ReservedAt.Before(cutoff) && !r.s.hasPaid(key) {
			released = append(released, *p)
			r.s.release(key)
		}
	}
	return released, nil
}

func (s *Store) hasPaid(key participantKey) bool {
	for _, rec := range s.records {
		if rec.PayerID == key.payer && rec.ResourceID == key.resource && rec.Status == model.PaymentPaid {
			return true
		}
	}
	return false
}

func (s *Store) release(key participantKey) {
	if _, ok := s.participants[key]; !ok {
		return
	}
	delete(s.participants, key)
	if res, ok := s.resources[key.resource]; ok && res.ParticipantCount > 0 {
		res.ParticipantCount--
	}
}

// ─── Wallets ──────────────────────────────────────────────────────────────────

type Wallets struct{ s *Store }

func (w *Wallets) Debit(_ context.Context, payerID uuid.UUID, amount decimal.Decimal, reference, description string) (decimal.Decimal, error) {
	return w.s.applyWallet(payerID, model.WalletDebit, amount, reference, description)
}

func (w *Wallets) Credit(_ context.Context, payerID uuid.UUID, amount decimal.Decimal, reference, description string) (decimal.Decimal, error) {
	return w.s.applyWallet(payerID, model.WalletCredit, amount, reference, description)
}

func (w *Wallets) Balance(_ context.Context, payerID uuid.UUID) (decimal.Decimal, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	payer, ok := w.s.payers[payerID]
	if !ok {
		return decimal.Zero, repository.ErrNotFound
	}
	return payer.WalletBalance, nil
}

func (w *Wallets) HasReference(_ context.Context, reference string) (bool, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	_, seen := w.s.references[reference]
	return seen, nil
}

// Entries returns the newest limit entries of payerID, newest first.
func (w *Wallets) Entries(_ context.Context, payerID uuid.UUID, limit int) ([]model.WalletEntry, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	var out []model.WalletEntry
	for i := len(w.s.entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if w.s.entries[i].PayerID == payerID {
			out = append(out, w.s.entries[i])
		}
	}
	return out, nil
}

func (s *Store) applyWallet(payerID uuid.UUID, kind model.WalletEntryKind, amount decimal.Decimal, reference, description string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount.IsNegative() {
		return decimal.Zero, repository.ErrInvalidAmount
	}
	payer, ok := s.payers[payerID]
	if !ok {
		return decimal.Zero, repository.ErrNotFound
	}
	if amount.IsZero() {
		return payer.WalletBalance, nil
	}
	if reference != "" {
		if _, seen := s.references[reference]; seen {
			return payer.WalletBalance, nil
		}
	}

	switch kind {
	case model.WalletDebit:
		if payer.WalletBalance.LessThan(amount) {
			return decimal.Zero, repository.ErrInsufficientFunds
		}
		payer.WalletBalance = payer.WalletBalance.Sub(amount)
	case model.WalletCredit:
		payer.WalletBalance = payer.WalletBalance.Add(amount)
	}

	if reference != "" {
		s.references[reference] = struct{}{}
	}
	s.entries = append(s.entries, model.WalletEntry{
		ID:           int64(len(s.entries) + 1),
		PayerID:      payerID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: payer.WalletBalance,
		Reference:    reference,
		Description:  description,
		CreatedAt:    s.now(),
	})
	return payer.WalletBalance, nil
}

// ─── Payment records ──────────────────────────────────────────────────────────

type Records struct{ s *Store }

// Create enforces the same uniqueness rules as the Postgres indexes.
func (r *Records) Create(_ context.Context, rec *model.PaymentRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.s.now()
	}
	if rec.Status == "" {
		rec.Status = model.PaymentPaid
	}

	for _, existing := range r.s.records {
		switch {
		case existing.ID == rec.ID,
			existing.ReceiptNumber == rec.ReceiptNumber,
			existing.ExternalReference != nil && rec.ExternalReference != nil &&
				*existing.ExternalReference == *rec.ExternalReference,
			rec.Status == model.PaymentPaid && existing.Status == model.PaymentPaid &&
				existing.PayerID == rec.PayerID && existing.ResourceID == rec.ResourceID:
			return repository.ErrConflict
		}
	}

	r.s.records[rec.ID] = cloneRecord(rec)
	return nil
}

func (r *Records) MarkRefunded(_ context.Context, id uuid.UUID, amount decimal.Decimal, reference string) (*model.PaymentRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rec, ok := r.s.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if rec.Status != model.PaymentPaid {
		return nil, repository.ErrAlreadyRefunded
	}

	now := r.s.now()
	rec.Status = model.PaymentRefunded
	rec.RefundAmount = &amount
	rec.RefundReference = &reference
	rec.RefundedAt = &now
	return cloneRecord(rec), nil
}

func (r *Records) Get(_ context.Context, id uuid.UUID) (*model.PaymentRecord, error) {
	return r.find(func(rec *model.PaymentRecord) bool { return rec.ID == id })
}

func (r *Records) GetByExternalReference(_ context.Context, ref string) (*model.PaymentRecord, error) {
	return r.find(func(rec *model.PaymentRecord) bool {
		return rec.ExternalReference != nil && *rec.ExternalReference == ref
	})
}

func (r *Records) GetPaid(_ context.Context, payerID, resourceID uuid.UUID) (*model.PaymentRecord, error) {
	return r.find(func(rec *model.PaymentRecord) bool {
		return rec.PayerID == payerID && rec.ResourceID == resourceID && rec.Status == model.PaymentPaid
	})
}

func (r *Records) GetLatest(_ context.Context, payerID, resourceID uuid.UUID) (*model.PaymentRecord, error) {
	list := r.filter(func(rec *model.PaymentRecord) bool {
		return rec.PayerID == payerID && rec.ResourceID == resourceID
	}, byCreatedDesc)
	if len(list) == 0 {
		return nil, repository.ErrNotFound
	}
	return &list[0], nil
}

func (r *Records) ListByPayer(_ context.Context, payerID uuid.UUID) ([]model.PaymentRecord, error) {
	return r.filter(func(rec *model.PaymentRecord) bool { return rec.PayerID == payerID }, byCreatedDesc), nil
}

func (r *Records) ListRefunds(_ context.Context, payerID uuid.UUID, limit int) ([]model.PaymentRecord, error) {
	list := r.filter(func(rec *model.PaymentRecord) bool {
		return rec.PayerID == payerID && rec.Status == model.PaymentRefunded
	}, func(a, b *model.PaymentRecord) bool { return a.RefundedAt.After(*b.RefundedAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (r *Records) find(match func(*model.PaymentRecord) bool) (*model.PaymentRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, rec := range r.s.records {
		if match(rec) {
			return cloneRecord(rec), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *Records) filter(match func(*model.PaymentRecord) bool, less func(a, b *model.PaymentRecord) bool) []model.PaymentRecord {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var matched []*model.PaymentRecord
	for _, rec := range r.s.records {
		if match(rec) {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return less(matched[i], matched[j]) })

	out := make([]model.PaymentRecord, 0, len(matched))
	for _, rec := range matched {
		out = append(out, *cloneRecord(rec))
	}
	return out
}

func byCreatedDesc(a, b *model.PaymentRecord) bool {
	return a.CreatedAt.After(b.CreatedAt)
}

func cloneRecord(rec *model.PaymentRecord) *model.PaymentRecord {
	cp := *rec
	if rec.ExternalReference != nil {
		v := *rec.ExternalReference
		cp.ExternalReference = &v
	}
	if rec.RefundAmount != nil {
		v := *rec.RefundAmount
		cp.RefundAmount = &v
	}
	if rec.RefundReference != nil {
		v := *rec.RefundReference
		cp.RefundReference = &v
	}
	if rec.RefundedAt != nil {
		v := *rec.RefundedAt
		cp.RefundedAt = &v
	}
	return &cp
}

// Package memory is an in-process store for local runs and tests. A single mutex
// guards all state, so every operation is trivially atomic.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aura-webinar/checkout/internal/discounts"
	"github.com/aura-webinar/checkout/internal/ledger"
	"github.com/aura-webinar/checkout/internal/models"
	"github.com/aura-webinar/checkout/internal/payments"
	"github.com/aura-webinar/checkout/internal/reports"
)

// Store holds codes, usages, and payments. Use the typed views to satisfy each package's store interface.
type Store struct {
	mu       sync.Mutex
	codes    map[uuid.UUID]*models.DiscountCode
	byCode   map[string]uuid.UUID
	usages   map[uuid.UUID]*models.DiscountCodeUsage
	payments map[uuid.UUID]*models.Payment
	now      func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		codes:    make(map[uuid.UUID]*models.DiscountCode),
		byCode:   make(map[string]uuid.UUID),
		usages:   make(map[uuid.UUID]*models.DiscountCodeUsage),
		payments: make(map[uuid.UUID]*models.Payment),
		now:      time.Now,
	}
}

// SetClock replaces the store's clock.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Discounts returns the discounts.Store view.
func (s *Store) Discounts() *Discounts { return &Discounts{s: s} }

// Ledger returns the ledger.Store view.
func (s *Store) Ledger() *Ledger { return &Ledger{s: s} }

// Payments returns the payments.Store view.
func (s *Store) Payments() *Payments { return &Payments{s: s} }

// Reports returns the reports.Store view.
func (s *Store) Reports() *Reports { return &Reports{s: s} }

// Ping implements the health check.
func (s *Store) Ping(context.Context) error { return nil }

func copyCode(dc *models.DiscountCode) *models.DiscountCode {
	c := *dc
	if dc.MaxUses != nil {
		n := *dc.MaxUses
		c.MaxUses = &n
	}
	if dc.ExpiresAt != nil {
		t := *dc.ExpiresAt
		c.ExpiresAt = &t
	}
	if dc.Description != nil {
		d := *dc.Description
		c.Description = &d
	}
	return &c
}

func copyPayment(p *models.Payment) *models.Payment {
	c := *p
	if p.UsageID != nil {
		id := *p.UsageID
		c.UsageID = &id
	}
	if p.PaidAt != nil {
		t := *p.PaidAt
		c.PaidAt = &t
	}
	c.Metadata = make(map[string]any, len(p.Metadata))
	for k, v := range p.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

func (s *Store) usageWithCode(u *models.DiscountCodeUsage) models.DiscountCodeUsage {
	c := *u
	if dc, ok := s.codes[u.CodeID]; ok {
		c.Code = dc.Code
	}
	return c
}

// Discounts implements discounts.Store.
type Discounts struct{ s *Store }

var _ discounts.Store = (*Discounts)(nil)

// Create implements discounts.Store.
func (d *Discounts) Create(_ context.Context, dc *models.DiscountCode) error {
	s := d.s
	s.mu.Lock()
	defer s.mu.Unlock()
	code := models.CanonicalCode(dc.Code)
	if _, ok := s.byCode[code]; ok {
		return discounts.ErrCodeExists
	}
	now := s.now()
	dc.ID = uuid.New()
	dc.Code = code
	dc.CurrentUses = 0
	dc.CreatedAt = now
	dc.UpdatedAt = now
	s.codes[dc.ID] = copyCode(dc)
	s.byCode[code] = dc.ID
	return nil
}

// GetByCode implements discounts.Reader.
func (d *Discounts) GetByCode(_ context.Context, code string) (*models.DiscountCode, error) {
	s := d.s
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCode[models.CanonicalCode(code)]
	if !ok {
		return nil, discounts.ErrCodeNotFound
	}
	return copyCode(s.codes[id]), nil
}

// HasUsage implements discounts.Reader.
func (d *Discounts) HasUsage(_ context.Context, codeID, userID uuid.UUID) (bool, error) {
	s := d.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.usages {
		if u.CodeID == codeID && u.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

// Update implements discounts.Store.
func (d *Discounts) Update(_ context.Context, code string, p discounts.Patch) (*models.DiscountCode, error) {
	s := d.s
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCode[models.CanonicalCode(code)]
	if !ok {
		return nil, discounts.ErrCodeNotFound
	}
	dc := copyCode(s.codes[id])
	if p.MaxUses != nil {
		if *p.MaxUses < dc.CurrentUses {
			return nil, discounts.ErrCapacityBelowUses
		}
		n := *p.MaxUses
		dc.MaxUses = &n
	}
	if p.IsActive != nil {
		dc.IsActive = *p.IsActive
	}
	switch {
	case p.ClearExpiry:
		dc.ExpiresAt = nil
	case p.ExpiresAt != nil:
		t := *p.ExpiresAt
		dc.ExpiresAt = &t
	}
	if p.Description != nil {
		desc := *p.Description
		dc.Description = &desc
	}
	dc.UpdatedAt = s.now()
	s.codes[id] = dc
	return copyCode(dc), nil
}

// Ledger implements ledger.Store.
type Ledger struct{ s *Store }

var _ ledger.Store = (*Ledger)(nil)

// Reserve implements ledger.Store with the same checks as the conditional increment.
func (l *Ledger) Reserve(_ context.Context, p ledger.ReserveParams, quote ledger.QuoteFunc) (*models.DiscountCodeUsage, error) {
	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()
	dc, ok := s.codes[p.CodeID]
	if !ok || !dc.IsActive {
		return nil, ledger.ErrCodeNotActive
	}
	now := s.now()
	if dc.ExpiredAt(now) {
		return nil, ledger.ErrCodeExpired
	}
	if !dc.HasCapacity() {
		return nil, ledger.ErrCapacityExhausted
	}
	for _, u := range s.usages {
		if u.PaymentID == p.PaymentID {
			return nil, ledger.ErrDuplicateReservation
		}
		if dc.SingleUsePerUser && u.SingleUse && u.CodeID == dc.ID && u.UserID == p.UserID {
			return nil, ledger.ErrAlreadyUsedByUser
		}
	}
	qt := quote(copyCode(dc))
	dc.CurrentUses++
	dc.UpdatedAt = now
	usage := &models.DiscountCodeUsage{
		ID:             uuid.New(),
		CodeID:         dc.ID,
		Code:           dc.Code,
		UserID:         p.UserID,
		EventID:        p.EventID,
		PaymentID:      p.PaymentID,
		SingleUse:      dc.SingleUsePerUser,
		OriginalAmount: qt.Original,
		DiscountAmount: qt.Discount,
		FinalAmount:    qt.Final,
		CreatedAt:      now,
	}
	s.usages[usage.ID] = usage
	c := *usage
	return &c, nil
}

// Release implements ledger.Store.
func (l *Ledger) Release(_ context.Context, usageID uuid.UUID) (bool, error) {
	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usages[usageID]
	if !ok {
		return false, nil
	}
	if p, ok := s.payments[u.PaymentID]; ok &&
		(p.Status == models.PaymentStatusCompleted || p.Status == models.PaymentStatusRefunded) {
		return false, nil
	}
	delete(s.usages, usageID)
	if dc, ok := s.codes[u.CodeID]; ok && dc.CurrentUses > 0 {
		dc.CurrentUses--
		dc.UpdatedAt = s.now()
	}
	return true, nil
}

// Payments implements payments.Store.
type Payments struct{ s *Store }

var _ payments.Store = (*Payments)(nil)

// Create implements payments.Store.
func (ps *Payments) Create(_ context.Context, p *models.Payment) error {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.ID]; ok {
		return payments.ErrDuplicatePayment
	}
	now := s.now()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	s.payments[p.ID] = copyPayment(p)
	return nil
}

// GetByID implements payments.Store.
func (ps *Payments) GetByID(_ context.Context, id uuid.UUID) (*models.Payment, error) {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, payments.ErrPaymentNotFound
	}
	return copyPayment(p), nil
}

// GetByGatewayRef implements payments.Store.
func (ps *Payments) GetByGatewayRef(_ context.Context, gateway, ref string) (*models.Payment, error) {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref == "" {
		return nil, payments.ErrPaymentNotFound
	}
	for _, p := range s.payments {
		if p.Gateway == gateway && p.GatewayRef == ref {
			return copyPayment(p), nil
		}
	}
	return nil, payments.ErrPaymentNotFound
}

// SetGatewayRef implements payments.Store.
func (ps *Payments) SetGatewayRef(_ context.Context, id uuid.UUID, ref string, metadata map[string]any) (*models.Payment, error) {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, payments.ErrPaymentNotFound
	}
	if p.Status != models.PaymentStatusPending {
		return nil, payments.ErrStatusChanged
	}
	p.GatewayRef = ref
	for k, v := range metadata {
		p.Metadata[k] = v
	}
	p.UpdatedAt = s.now()
	return copyPayment(p), nil
}

// Transition implements payments.Store.
func (ps *Payments) Transition(_ context.Context, id uuid.UUID, t payments.Transition) (*models.Payment, error) {
	if !models.CanTransition(t.From, t.To) {
		return nil, payments.ErrInvalidTransition
	}
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, payments.ErrPaymentNotFound
	}
	if p.Status != t.From {
		return nil, payments.ErrStatusChanged
	}
	p.Status = t.To
	if t.GatewayRef != nil {
		p.GatewayRef = *t.GatewayRef
	}
	if t.PaidAt != nil {
		paid := *t.PaidAt
		p.PaidAt = &paid
	}
	for k, v := range t.Metadata {
		p.Metadata[k] = v
	}
	p.UpdatedAt = s.now()
	return copyPayment(p), nil
}

// ListStalePending implements payments.Store.
func (ps *Payments) ListStalePending(_ context.Context, createdBefore time.Time, limit int) ([]models.Payment, error) {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []models.Payment
	for _, p := range s.payments {
		if p.Status == models.PaymentStatusPending && p.CreatedAt.Before(createdBefore) {
			list = append(list, *copyPayment(p))
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// ListUnreleasedFailed implements payments.Store.
func (ps *Payments) ListUnreleasedFailed(_ context.Context, limit int) ([]models.Payment, error) {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []models.Payment
	for _, p := range s.payments {
		if p.Status != models.PaymentStatusFailed || p.UsageID == nil {
			continue
		}
		if _, ok := s.usages[*p.UsageID]; ok {
			list = append(list, *copyPayment(p))
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UpdatedAt.Before(list[j].UpdatedAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// GetUsage implements payments.Store.
func (ps *Payments) GetUsage(_ context.Context, usageID uuid.UUID) (*models.DiscountCodeUsage, error) {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usages[usageID]
	if !ok {
		return nil, payments.ErrUsageNotFound
	}
	c := s.usageWithCode(u)
	return &c, nil
}

// Reports implements reports.Store.
type Reports struct{ s *Store }

var _ reports.Store = (*Reports)(nil)

// UsageCounts implements reports.Store.
func (r *Reports) UsageCounts(_ context.Context) ([]models.CodeUsageCount, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make([]models.CodeUsageCount, 0, len(s.codes))
	for _, dc := range s.codes {
		row := models.CodeUsageCount{
			CodeID:        dc.ID,
			Code:          dc.Code,
			MaxUses:       copyCode(dc).MaxUses,
			CurrentUses:   dc.CurrentUses,
			TotalDiscount: decimal.Zero,
		}
		for _, u := range s.usages {
			if u.CodeID == dc.ID {
				row.UsageRows++
				row.TotalDiscount = row.TotalDiscount.Add(u.DiscountAmount)
			}
		}
		counts = append(counts, row)
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].Code < counts[j].Code })
	return counts, nil
}

// ListUsagesByCode implements reports.Store, newest first.
func (r *Reports) ListUsagesByCode(_ context.Context, codeID uuid.UUID, limit, offset int) ([]models.DiscountCodeUsage, error) {
	return r.list(func(u *models.DiscountCodeUsage) bool { return u.CodeID == codeID }, limit, offset), nil
}

// ListUsagesByUser implements reports.Store, newest first.
func (r *Reports) ListUsagesByUser(_ context.Context, userID uuid.UUID, limit, offset int) ([]models.DiscountCodeUsage, error) {
	return r.list(func(u *models.DiscountCodeUsage) bool { return u.UserID == userID }, limit, offset), nil
}

func (r *Reports) list(match func(*models.DiscountCodeUsage) bool, limit, offset int) []models.DiscountCodeUsage {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []models.DiscountCodeUsage
	for _, u := range s.usages {
		if match(u) {
			list = append(list, s.usageWithCode(u))
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	if offset >= len(list) {
		return nil
	}
	list = list[offset:]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}

// EventSummary implements reports.Store.
func (r *Reports) EventSummary(_ context.Context, eventID uuid.UUID) (*models.EventSummary, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := &models.EventSummary{EventID: eventID, Revenue: decimal.Zero, DiscountGiven: decimal.Zero}
	for _, p := range s.payments {
		if p.EventID != eventID {
			continue
		}
		switch p.Status {
		case models.PaymentStatusPending:
			sum.Pending++
		case models.PaymentStatusCompleted:
			sum.Completed++
			sum.Revenue = sum.Revenue.Add(p.Amount)
		case models.PaymentStatusFailed:
			sum.Failed++
		case models.PaymentStatusRefunded:
			sum.Refunded++
		}
	}
	for _, u := range s.usages {
		if u.EventID != eventID {
			continue
		}
		if p, ok := s.payments[u.PaymentID]; ok && p.Status == models.PaymentStatusCompleted {
			sum.RedeemedCodes++
			sum.DiscountGiven = sum.DiscountGiven.Add(u.DiscountAmount)
		}
	}
	return sum, nil
}

package registrations_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/checkout/internal/discounts"
	"github.com/aura-webinar/checkout/internal/ledger"
	"github.com/aura-webinar/checkout/internal/models"
	"github.com/aura-webinar/checkout/internal/payments"
	"github.com/aura-webinar/checkout/internal/registrations"
	"github.com/aura-webinar/checkout/internal/store/memory"
)

type testGateway struct {
	mu  sync.Mutex
	err error
}

func (g *testGateway) Name() string { return "test" }

func (g *testGateway) Initiate(_ context.Context, p *models.Payment) (*payments.Initiation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	return &payments.Initiation{Reference: "tst_" + p.ID.String(), RedirectURL: "https://pay.test/" + p.ID.String()}, nil
}

type setup struct {
	st      *memory.Store
	gateway *testGateway
	machine *payments.StateMachine
	service *registrations.Service
}

func newSetup() *setup {
	st := memory.New()
	gw := &testGateway{}
	l := ledger.New(st.Ledger(), ledger.RetryConfig{MaxAttempts: 1}, nil)
	m := payments.NewStateMachine(st.Payments(), gw, l, nil)
	svc := registrations.NewService(discounts.NewValidator(st.Discounts(), nil), l, m, nil)
	return &setup{st: st, gateway: gw, machine: m, service: svc}
}

func (s *setup) code(t *testing.T, dc models.DiscountCode) {
	t.Helper()
	dc.IsActive = true
	require.NoError(t, s.st.Discounts().Create(context.Background(), &dc))
}

func (s *setup) uses(t *testing.T, code string) int {
	t.Helper()
	dc, err := s.st.Discounts().GetByCode(context.Background(), code)
	require.NoError(t, err)
	return dc.CurrentUses
}

func redeem(s *setup, user uuid.UUID, amount int64, code string) (*registrations.Redemption, error) {
	return s.service.Redeem(context.Background(), registrations.RedeemRequest{
		UserID:   user,
		EventID:  uuid.New(),
		Amount:   decimal.NewFromInt(amount),
		Currency: "irr",
		Code:     code,
	})
}

func TestRedeemWithPercentage(t *testing.T) {
	s := newSetup()
	s.code(t, models.DiscountCode{Code: "SAVE10", Kind: models.DiscountPercentage, Value: decimal.NewFromInt(10)})

	out, err := redeem(s, uuid.New(), 1000000, "save10")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, out.Status)
	assert.Equal(t, "SAVE10", out.Code)
	assert.True(t, out.Quote.Final.Equal(decimal.NewFromInt(900000)))
	assert.NotEmpty(t, out.RedirectURL)

	p, err := s.machine.Get(context.Background(), out.PaymentID)
	require.NoError(t, err)
	assert.True(t, p.Amount.Equal(decimal.NewFromInt(900000)))
	assert.Equal(t, "IRR", p.Currency)
	require.NotNil(t, p.UsageID)
	assert.Equal(t, 1, s.uses(t, "SAVE10"))
}

func TestRedeemFreeRegistration(t *testing.T) {
	s := newSetup()
	s.code(t, models.DiscountCode{Code: "FREE100", Kind: models.DiscountPercentage, Value: decimal.NewFromInt(100)})

	out, err := redeem(s, uuid.New(), 500000, "FREE100")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, out.Status)
	assert.True(t, out.Quote.Final.IsZero())
	assert.Empty(t, out.RedirectURL)
	assert.Equal(t, 1, s.uses(t, "FREE100"))
}

func TestRedeemWithoutCode(t *testing.T) {
	s := newSetup()
	out, err := redeem(s, uuid.New(), 250000, "")
	require.NoError(t, err)
	assert.Empty(t, out.Code)
	assert.True(t, out.Quote.Discount.IsZero())

	p, err := s.machine.Get(context.Background(), out.PaymentID)
	require.NoError(t, err)
	assert.Nil(t, p.UsageID)
}

func TestRedeemRejections(t *testing.T) {
	s := newSetup()
	zero := 0
	s.code(t, models.DiscountCode{Code: "FULL", Kind: models.DiscountFixedAmount, Value: decimal.NewFromInt(10), MaxUses: &zero})
	s.code(t, models.DiscountCode{Code: "ONCE", Kind: models.DiscountFixedAmount, Value: decimal.NewFromInt(10), SingleUsePerUser: true})
	user := uuid.New()
	_, err := redeem(s, user, 1000, "ONCE")
	require.NoError(t, err)

	tests := []struct {
		code   string
		reason models.RejectReason
	}{
		{code: "NOPE", reason: models.ReasonNotFound},
		{code: "FULL", reason: models.ReasonCapacityExhausted},
		{code: "ONCE", reason: models.ReasonAlreadyUsedByUser},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			_, err := redeem(s, user, 1000, tt.code)
			got, ok := discounts.RejectReason(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, tt.reason, got)
		})
	}
	assert.Equal(t, 1, s.uses(t, "ONCE"))
}

func TestRedeemGatewayFailureReleases(t *testing.T) {
	s := newSetup()
	one := 1
	s.code(t, models.DiscountCode{Code: "LAST", Kind: models.DiscountPercentage, Value: decimal.NewFromInt(10), MaxUses: &one})
	s.gateway.err = errors.New("timeout")

	_, err := redeem(s, uuid.New(), 1000, "LAST")
	assert.ErrorIs(t, err, payments.ErrGatewayUnavailable)
	assert.Equal(t, 0, s.uses(t, "LAST"), "use returned to the pool")

	s.gateway.err = nil
	_, err = redeem(s, uuid.New(), 1000, "LAST")
	assert.NoError(t, err)
}

func TestRedeemInvalidAmount(t *testing.T) {
	s := newSetup()
	_, err := redeem(s, uuid.New(), -5, "")
	assert.ErrorIs(t, err, payments.ErrInvalidAmount)
}

func TestRedeemLastUseRace(t *testing.T) {
	s := newSetup()
	one := 1
	s.code(t, models.DiscountCode{Code: "ONLYONE", Kind: models.DiscountPercentage, Value: decimal.NewFromInt(50), MaxUses: &one})

	var (
		wg       sync.WaitGroup
		won      atomic.Int32
		rejected atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := redeem(s, uuid.New(), 1000, "ONLYONE")
			if err == nil {
				won.Add(1)
				return
			}
			if reason, ok := discounts.RejectReason(err); ok && reason == models.ReasonCapacityExhausted {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, won.Load())
	assert.EqualValues(t, 19, rejected.Load())
	assert.Equal(t, 1, s.uses(t, "ONLYONE"))
}

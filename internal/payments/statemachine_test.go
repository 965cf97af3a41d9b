package payments_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/checkout/internal/ledger"
	"github.com/aura-webinar/checkout/internal/models"
	"github.com/aura-webinar/checkout/internal/payments"
	"github.com/aura-webinar/checkout/internal/store/memory"
)

type fakeGateway struct {
	err   error
	calls int
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) Initiate(_ context.Context, p *models.Payment) (*payments.Initiation, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return &payments.Initiation{Reference: "ref-" + p.ID.String(), RedirectURL: "https://pay.example/" + p.ID.String()}, nil
}

type fixture struct {
	st      *memory.Store
	ledger  *ledger.Ledger
	gateway *fakeGateway
	machine *payments.StateMachine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	l := ledger.New(st.Ledger(), ledger.RetryConfig{MaxAttempts: 1}, nil)
	gw := &fakeGateway{}
	return &fixture{st: st, ledger: l, gateway: gw, machine: payments.NewStateMachine(st.Payments(), gw, l, nil)}
}

// reserve creates a code and reserves it for a fresh payment ID.
func (f *fixture) reserve(t *testing.T, kind models.DiscountKind, value, amount int64, maxUses *int) (*models.DiscountCodeUsage, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	dc := &models.DiscountCode{
		Code:     "C" + uuid.NewString()[:8],
		Kind:     kind,
		Value:    decimal.NewFromInt(value),
		MaxUses:  maxUses,
		IsActive: true,
	}
	require.NoError(t, f.st.Discounts().Create(ctx, dc))
	paymentID := uuid.New()
	usage, err := f.ledger.Reserve(ctx, ledger.ReserveParams{
		CodeID:         dc.ID,
		UserID:         uuid.New(),
		EventID:        uuid.New(),
		PaymentID:      paymentID,
		OriginalAmount: decimal.NewFromInt(amount),
	})
	require.NoError(t, err)
	return usage, paymentID
}

func (f *fixture) currentUses(t *testing.T, codeID uuid.UUID) int {
	t.Helper()
	counts, err := f.st.Reports().UsageCounts(context.Background())
	require.NoError(t, err)
	for _, c := range counts {
		if c.CodeID == codeID {
			return c.CurrentUses
		}
	}
	t.Fatalf("code %s not found", codeID)
	return 0
}

func create(t *testing.T, f *fixture, usage *models.DiscountCodeUsage, id uuid.UUID) *payments.Result {
	t.Helper()
	res, err := f.machine.Create(context.Background(), payments.CreateParams{
		ID:       id,
		UserID:   usage.UserID,
		EventID:  usage.EventID,
		Amount:   usage.FinalAmount,
		Currency: "IRR",
		UsageID:  &usage.ID,
	})
	require.NoError(t, err)
	return res
}

func TestCreateInitiatesGateway(t *testing.T) {
	f := newFixture(t)
	usage, id := f.reserve(t, models.DiscountPercentage, 10, 1000000, nil)

	res := create(t, f, usage, id)
	p := res.Payment
	assert.Equal(t, id, p.ID)
	assert.Equal(t, models.PaymentStatusPending, p.Status)
	assert.Equal(t, "fake", p.Gateway)
	assert.Equal(t, "ref-"+id.String(), p.GatewayRef)
	assert.True(t, p.Amount.Equal(decimal.NewFromInt(900000)))
	assert.Equal(t, "https://pay.example/"+id.String(), res.RedirectURL)
	assert.Equal(t, "1000000", p.Metadata[models.MetaOriginalAmount])
	assert.Equal(t, usage.Code, p.Metadata[models.MetaDiscountCode])
}

func TestCreateFreePaymentAutoCompletes(t *testing.T) {
	f := newFixture(t)
	usage, id := f.reserve(t, models.DiscountPercentage, 100, 500000, nil)
	require.True(t, usage.FinalAmount.IsZero())

	res := create(t, f, usage, id)
	p := res.Payment
	assert.Equal(t, models.PaymentStatusCompleted, p.Status)
	assert.Equal(t, models.GatewayFree, p.Gateway)
	assert.NotNil(t, p.PaidAt)
	assert.Equal(t, true, p.Metadata[models.MetaAutoCompleted])
	assert.Zero(t, f.gateway.calls)
	assert.Equal(t, 1, f.currentUses(t, usage.CodeID), "completed payments keep their use")
}

func TestCreateWithoutDiscount(t *testing.T) {
	f := newFixture(t)
	res, err := f.machine.Create(context.Background(), payments.CreateParams{
		UserID:   uuid.New(),
		EventID:  uuid.New(),
		Amount:   decimal.NewFromInt(250000),
		Currency: "IRR",
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, res.Payment.ID)
	assert.Nil(t, res.Payment.UsageID)
	assert.Equal(t, models.PaymentStatusPending, res.Payment.Status)
}

func TestCreateRejectsInvalidAmount(t *testing.T) {
	f := newFixture(t)
	for _, amount := range []string{"-1", "10.5"} {
		_, err := f.machine.Create(context.Background(), payments.CreateParams{
			UserID: uuid.New(), EventID: uuid.New(), Amount: decimal.RequireFromString(amount), Currency: "IRR",
		})
		assert.ErrorIs(t, err, payments.ErrInvalidAmount, amount)
	}
}

func TestCreateUsageMismatch(t *testing.T) {
	f := newFixture(t)
	usage, id := f.reserve(t, models.DiscountPercentage, 10, 1000, nil)

	_, err := f.machine.Create(context.Background(), payments.CreateParams{
		ID: uuid.New(), UserID: usage.UserID, EventID: usage.EventID, Amount: usage.FinalAmount, Currency: "IRR", UsageID: &usage.ID,
	})
	assert.ErrorIs(t, err, payments.ErrUsageMismatch, "different payment id")

	_, err = f.machine.Create(context.Background(), payments.CreateParams{
		ID: id, UserID: usage.UserID, EventID: usage.EventID, Amount: usage.OriginalAmount, Currency: "IRR", UsageID: &usage.ID,
	})
	assert.ErrorIs(t, err, payments.ErrUsageMismatch, "different amount")
}

func TestCreateGatewayFailureReleases(t *testing.T) {
	f := newFixture(t)
	f.gateway.err = errors.New("connection refused")
	usage, id := f.reserve(t, models.DiscountFixedAmount, 100, 1000, nil)

	_, err := f.machine.Create(context.Background(), payments.CreateParams{
		ID: id, UserID: usage.UserID, EventID: usage.EventID, Amount: usage.FinalAmount, Currency: "IRR", UsageID: &usage.ID,
	})
	assert.ErrorIs(t, err, payments.ErrGatewayUnavailable)

	p, err := f.machine.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, p.Status)
	assert.Equal(t, payments.ReasonGatewayInitiate, p.Metadata[models.MetaFailureReason])
	assert.Equal(t, 0, f.currentUses(t, usage.CodeID))
}

func TestCompleteIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	usage, id := f.reserve(t, models.DiscountPercentage, 10, 1000, nil)
	res := create(t, f, usage, id)
	ref := res.Payment.GatewayRef
	paidAt := time.Now().UTC().Truncate(time.Second)

	p, err := f.machine.Complete(ctx, id, ref, paidAt)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, p.Status)
	require.NotNil(t, p.PaidAt)
	assert.True(t, p.PaidAt.Equal(paidAt))

	p, err = f.machine.Complete(ctx, id, ref, time.Now())
	require.NoError(t, err, "same reference is a no-op")
	assert.True(t, p.PaidAt.Equal(paidAt))

	_, err = f.machine.Complete(ctx, id, "other-ref", time.Now())
	assert.ErrorIs(t, err, payments.ErrAlreadyTerminal)

	_, err = f.machine.Fail(ctx, id, "late")
	assert.ErrorIs(t, err, payments.ErrInvalidTransition)
	assert.Equal(t, 1, f.currentUses(t, usage.CodeID))
}

func TestFailReleasesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	one := 1
	usage, id := f.reserve(t, models.DiscountPercentage, 10, 1000, &one)
	create(t, f, usage, id)
	require.Equal(t, 1, f.currentUses(t, usage.CodeID))

	p, err := f.machine.Fail(ctx, id, payments.ReasonGatewayDeclined)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, p.Status)
	assert.Equal(t, 0, f.currentUses(t, usage.CodeID))

	_, err = f.machine.Fail(ctx, id, payments.ReasonGatewayDeclined)
	require.NoError(t, err, "failing again retries the release")
	assert.Equal(t, 0, f.currentUses(t, usage.CodeID))

	_, err = f.machine.Complete(ctx, id, p.GatewayRef, time.Now())
	assert.ErrorIs(t, err, payments.ErrAlreadyTerminal)
}

func TestRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	usage, id := f.reserve(t, models.DiscountPercentage, 10, 1000, nil)
	res := create(t, f, usage, id)

	_, err := f.machine.Refund(ctx, id, "customer request")
	assert.ErrorIs(t, err, payments.ErrInvalidTransition, "pending cannot be refunded")

	_, err = f.machine.Complete(ctx, id, res.Payment.GatewayRef, time.Now())
	require.NoError(t, err)
	p, err := f.machine.Refund(ctx, id, "customer request")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, p.Status)
	assert.Equal(t, "customer request", p.Metadata["refund_reason"])
	assert.Equal(t, 1, f.currentUses(t, usage.CodeID), "refund keeps the use")

	_, err = f.machine.Refund(ctx, id, "again")
	assert.ErrorIs(t, err, payments.ErrInvalidTransition)
}

func TestExpireStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f.st.SetClock(func() time.Time { return start })

	usage, staleID := f.reserve(t, models.DiscountPercentage, 10, 1000, nil)
	create(t, f, usage, staleID)

	f.st.SetClock(func() time.Time { return start.Add(time.Hour) })
	fresh, freshID := f.reserve(t, models.DiscountPercentage, 10, 1000, nil)
	create(t, f, fresh, freshID)

	n, err := f.machine.ExpireStale(ctx, start.Add(30*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stale, err := f.machine.Get(ctx, staleID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, stale.Status)
	assert.Equal(t, payments.ReasonExpired, stale.Metadata[models.MetaFailureReason])
	assert.Equal(t, 0, f.currentUses(t, usage.CodeID))

	kept, err := f.machine.Get(ctx, freshID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, kept.Status)
}

// Package payments drives the payment lifecycle: PENDING to COMPLETED or FAILED,
// and COMPLETED to REFUNDED. Every transition is a conditional update on the
// current status, so concurrent callers cannot both win.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aura-webinar/checkout/internal/models"
)

var (
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrUsageNotFound     = errors.New("discount usage not found")
	ErrDuplicatePayment  = errors.New("payment already exists")
	ErrInvalidTransition = errors.New("invalid payment transition")
	// ErrAlreadyTerminal is returned when completing a payment that already left PENDING.
	ErrAlreadyTerminal = errors.New("payment already in a terminal state")
	// ErrUsageMismatch means the bound usage does not belong to the payment or prices it differently.
	ErrUsageMismatch = errors.New("payment does not match its discount usage")
	ErrInvalidAmount = errors.New("amount must be a non-negative whole number")
	// ErrGatewayUnavailable wraps gateway initiation failures; the payment is failed.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrStatusChanged is returned by stores when the conditional transition matched no row.
	ErrStatusChanged = errors.New("payment status changed concurrently")
)

// Failure reasons recorded in metadata.
const (
	ReasonExpired          = "expired"
	ReasonGatewayDeclined  = "gateway_declined"
	ReasonGatewayInitiate  = "gateway_initiation_failed"
	ReasonAmountMismatch   = "amount_mismatch"
	ReasonReferenceMissing = "gateway_reference_not_stored"
	ReasonManual           = "manual"
)

// Transition is a conditional status change. Non-nil fields are written; Metadata is merged.
type Transition struct {
	From       models.PaymentStatus
	To         models.PaymentStatus
	GatewayRef *string
	PaidAt     *time.Time
	Metadata   map[string]any
}

// Store persists payments.
type Store interface {
	Create(ctx context.Context, p *models.Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	// GetByGatewayRef looks a payment up by the reference its gateway issued.
	GetByGatewayRef(ctx context.Context, gateway, ref string) (*models.Payment, error)
	// SetGatewayRef records the gateway reference while the payment is still PENDING.
	SetGatewayRef(ctx context.Context, id uuid.UUID, ref string, metadata map[string]any) (*models.Payment, error)
	// Transition applies t only if the payment is in t.From, else ErrStatusChanged.
	Transition(ctx context.Context, id uuid.UUID, t Transition) (*models.Payment, error)
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]models.Payment, error)
	// ListUnreleasedFailed returns FAILED payments whose discount usage still exists.
	ListUnreleasedFailed(ctx context.Context, limit int) ([]models.Payment, error)
	GetUsage(ctx context.Context, usageID uuid.UUID) (*models.DiscountCodeUsage, error)
}

// Initiation is the gateway's answer to a new payment.
type Initiation struct {
	Reference    string
	RedirectURL  string
	ClientSecret string
}

// Gateway starts a payment at an external provider.
type Gateway interface {
	Name() string
	Initiate(ctx context.Context, p *models.Payment) (*Initiation, error)
}

// Releaser returns a reserved discount use.
type Releaser interface {
	Release(ctx context.Context, usageID uuid.UUID) (bool, error)
}

// CreateParams describes a new payment. ID is pre-generated when a usage is bound to it.
type CreateParams struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	EventID      uuid.UUID
	Amount       decimal.Decimal
	Currency     string
	UsageID      *uuid.UUID
	DiscountCode string
}

// Result is a created payment and, for gateway payments, where to send the user.
type Result struct {
	Payment      *models.Payment `json:"payment"`
	RedirectURL  string          `json:"redirect_url,omitempty"`
	ClientSecret string          `json:"client_secret,omitempty"`
}

// StateMachine owns all payment mutations.
type StateMachine struct {
	store    Store
	gateway  Gateway
	releaser Releaser
	logger   *zap.Logger
}

// NewStateMachine creates a payment state machine.
func NewStateMachine(store Store, gateway Gateway, releaser Releaser, logger *zap.Logger) *StateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateMachine{store: store, gateway: gateway, releaser: releaser, logger: logger}
}

// Create inserts a PENDING payment. A zero amount completes immediately through the
// normal completion path; otherwise the gateway is initiated after the insert.
func (m *StateMachine) Create(ctx context.Context, params CreateParams) (*Result, error) {
	if params.Amount.IsNegative() || !params.Amount.IsInteger() {
		return nil, ErrInvalidAmount
	}
	if params.ID == uuid.Nil {
		params.ID = uuid.New()
	}
	meta := map[string]any{models.MetaOriginalAmount: params.Amount.String()}
	if params.UsageID != nil {
		usage, err := m.store.GetUsage(ctx, *params.UsageID)
		if err != nil {
			return nil, fmt.Errorf("load usage: %w", err)
		}
		if usage.PaymentID != params.ID || !usage.FinalAmount.Equal(params.Amount) {
			m.logger.Error("usage does not match payment",
				zap.String("payment_id", params.ID.String()),
				zap.String("usage_id", usage.ID.String()),
				zap.String("amount", params.Amount.String()),
				zap.String("usage_final_amount", usage.FinalAmount.String()),
			)
			return nil, ErrUsageMismatch
		}
		meta[models.MetaOriginalAmount] = usage.OriginalAmount.String()
		meta[models.MetaDiscountCode] = usage.Code
	}
	if params.DiscountCode != "" {
		meta[models.MetaDiscountCode] = params.DiscountCode
	}

	free := params.Amount.IsZero()
	gateway := models.GatewayFree
	if !free {
		gateway = m.gateway.Name()
	}
	p := &models.Payment{
		ID:       params.ID,
		UserID:   params.UserID,
		EventID:  params.EventID,
		Amount:   params.Amount,
		Currency: params.Currency,
		Status:   models.PaymentStatusPending,
		Gateway:  gateway,
		UsageID:  params.UsageID,
		Metadata: meta,
	}
	if err := m.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}

	if free {
		ref := "free-" + uuid.NewString()
		completed, err := m.complete(ctx, p.ID, ref, time.Now().UTC(), map[string]any{models.MetaAutoCompleted: true})
		if err != nil {
			return nil, fmt.Errorf("auto-complete free payment: %w", err)
		}
		m.logger.Info("free payment auto-completed", zap.String("payment_id", p.ID.String()))
		return &Result{Payment: completed}, nil
	}

	// The insert is committed before any network call.
	started, err := m.gateway.Initiate(ctx, p)
	if err != nil {
		m.logger.Warn("gateway initiation failed", zap.String("payment_id", p.ID.String()), zap.Error(err))
		if _, ferr := m.Fail(ctx, p.ID, ReasonGatewayInitiate); ferr != nil {
			m.logger.Error("fail after initiation error", zap.String("payment_id", p.ID.String()), zap.Error(ferr))
		}
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	var refMeta map[string]any
	if started.RedirectURL != "" {
		refMeta = map[string]any{models.MetaRedirectURL: started.RedirectURL}
	}
	updated, err := m.store.SetGatewayRef(ctx, p.ID, started.Reference, refMeta)
	if err != nil {
		m.logger.Error("store gateway reference failed", zap.String("payment_id", p.ID.String()), zap.Error(err))
		if _, ferr := m.Fail(ctx, p.ID, ReasonReferenceMissing); ferr != nil {
			m.logger.Error("fail after reference error", zap.String("payment_id", p.ID.String()), zap.Error(ferr))
		}
		return nil, fmt.Errorf("store gateway reference: %w", err)
	}
	m.logger.Info("payment initiated",
		zap.String("payment_id", p.ID.String()),
		zap.String("gateway", updated.Gateway),
		zap.String("gateway_ref", started.Reference),
	)
	return &Result{Payment: updated, RedirectURL: started.RedirectURL, ClientSecret: started.ClientSecret}, nil
}

// Get returns a payment by ID.
func (m *StateMachine) Get(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return m.store.GetByID(ctx, id)
}

// GetByGatewayRef returns the payment that gateway issued ref for.
func (m *StateMachine) GetByGatewayRef(ctx context.Context, gateway, ref string) (*models.Payment, error) {
	return m.store.GetByGatewayRef(ctx, gateway, ref)
}

// Complete moves a PENDING payment to COMPLETED. Completing again with the same
// reference is a no-op; anything else on a terminal payment is ErrAlreadyTerminal.
func (m *StateMachine) Complete(ctx context.Context, id uuid.UUID, ref string, paidAt time.Time) (*models.Payment, error) {
	return m.complete(ctx, id, ref, paidAt, nil)
}

func (m *StateMachine) complete(ctx context.Context, id uuid.UUID, ref string, paidAt time.Time, meta map[string]any) (*models.Payment, error) {
	p, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PaymentStatusPending {
		return alreadyCompleted(p, ref)
	}
	p, err = m.store.Transition(ctx, id, Transition{
		From:       models.PaymentStatusPending,
		To:         models.PaymentStatusCompleted,
		GatewayRef: &ref,
		PaidAt:     &paidAt,
		Metadata:   meta,
	})
	if errors.Is(err, ErrStatusChanged) {
		current, gerr := m.store.GetByID(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return alreadyCompleted(current, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("complete payment: %w", err)
	}
	m.logger.Info("payment completed", zap.String("payment_id", id.String()), zap.String("gateway_ref", ref))
	return p, nil
}

func alreadyCompleted(p *models.Payment, ref string) (*models.Payment, error) {
	if p.Status == models.PaymentStatusCompleted && p.GatewayRef == ref {
		return p, nil
	}
	return p, ErrAlreadyTerminal
}

// Fail moves a PENDING payment to FAILED and releases its discount usage.
// Failing an already FAILED payment retries the release and succeeds.
func (m *StateMachine) Fail(ctx context.Context, id uuid.UUID, reason string) (*models.Payment, error) {
	p, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case models.PaymentStatusFailed:
		return p, m.release(ctx, p)
	case models.PaymentStatusPending:
	default:
		return p, ErrInvalidTransition
	}

	failed, err := m.store.Transition(ctx, id, Transition{
		From:     models.PaymentStatusPending,
		To:       models.PaymentStatusFailed,
		Metadata: map[string]any{models.MetaFailureReason: reason},
	})
	if errors.Is(err, ErrStatusChanged) {
		current, gerr := m.store.GetByID(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if current.Status == models.PaymentStatusFailed {
			return current, m.release(ctx, current)
		}
		return current, ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("fail payment: %w", err)
	}
	m.logger.Info("payment failed", zap.String("payment_id", id.String()), zap.String("reason", reason))
	return failed, m.release(ctx, failed)
}

func (m *StateMachine) release(ctx context.Context, p *models.Payment) error {
	if p.UsageID == nil {
		return nil
	}
	if _, err := m.releaser.Release(ctx, *p.UsageID); err != nil {
		m.logger.Error("release usage failed",
			zap.String("payment_id", p.ID.String()),
			zap.String("usage_id", p.UsageID.String()),
			zap.Error(err),
		)
		return fmt.Errorf("release usage: %w", err)
	}
	return nil
}

// Refund moves a COMPLETED payment to REFUNDED. The discount use is not returned.
func (m *StateMachine) Refund(ctx context.Context, id uuid.UUID, reason string) (*models.Payment, error) {
	p, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(p.Status, models.PaymentStatusRefunded) {
		return p, ErrInvalidTransition
	}
	refunded, err := m.store.Transition(ctx, id, Transition{
		From:     models.PaymentStatusCompleted,
		To:       models.PaymentStatusRefunded,
		Metadata: map[string]any{"refund_reason": reason, "refunded_at": time.Now().UTC().Format(time.RFC3339)},
	})
	if errors.Is(err, ErrStatusChanged) {
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("refund payment: %w", err)
	}
	m.logger.Info("payment refunded", zap.String("payment_id", id.String()), zap.String("reason", reason))
	return refunded, nil
}

// ExpireStale fails PENDING payments created before cutoff, releasing their usages.
// It returns how many payments were failed.
func (m *StateMachine) ExpireStale(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	stale, err := m.store.ListStalePending(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("list stale payments: %w", err)
	}
	n := 0
	for _, p := range stale {
		_, err := m.Fail(ctx, p.ID, ReasonExpired)
		if errors.Is(err, ErrInvalidTransition) {
			// Settled between listing and failing.
			continue
		}
		if err != nil {
			m.logger.Warn("expire payment failed", zap.String("payment_id", p.ID.String()), zap.Error(err))
			continue
		}
		n++
	}
	if n > 0 {
		m.logger.Info("expired stale payments", zap.Int("count", n))
	}
	return n, nil
}

// RetryReleases returns the usages of FAILED payments whose release did not go through
// when they failed. It returns how many usages were released.
func (m *StateMachine) RetryReleases(ctx context.Context, limit int) (int, error) {
	failed, err := m.store.ListUnreleasedFailed(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list unreleased payments: %w", err)
	}
	n := 0
	for i := range failed {
		if err := m.release(ctx, &failed[i]); err != nil {
			continue
		}
		n++
	}
	if n > 0 {
		m.logger.Info("released usages of failed payments", zap.Int("count", n))
	}
	return n, nil
}

// Package reconcile applies asynchronous gateway verdicts to payments. Verdicts
// may arrive late, twice, or contradict the local state; each case is resolved
// without double-completing a payment.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aura-webinar/checkout/internal/models"
	"github.com/aura-webinar/checkout/internal/payments"
)

var (
	// ErrUnknownPayment means no payment carries the callback's reference.
	ErrUnknownPayment = errors.New("no payment for gateway reference")
	// ErrAmountMismatch means the gateway settled a different amount; the payment is failed.
	ErrAmountMismatch = errors.New("gateway amount does not match payment")
)

// Callback is a normalized gateway verdict.
type Callback struct {
	Provider  string
	Reference string
	Amount    decimal.Decimal
	Success   bool
	Reason    string
	Timestamp time.Time
}

// Outcome describes what a callback did.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeDuplicate means the callback agreed with an already applied verdict.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeRequiresAttention means the callback contradicts a terminal state and was logged for review.
	OutcomeRequiresAttention Outcome = "requires_attention"
)

// Payments is the slice of the payment state machine the reconciler drives.
type Payments interface {
	GetByGatewayRef(ctx context.Context, gateway, ref string) (*models.Payment, error)
	Complete(ctx context.Context, id uuid.UUID, ref string, paidAt time.Time) (*models.Payment, error)
	Fail(ctx context.Context, id uuid.UUID, reason string) (*models.Payment, error)
}

// Reconciler maps callbacks to payment transitions.
type Reconciler struct {
	payments Payments
	logger   *zap.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(p Payments, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{payments: p, logger: logger}
}

// Reconcile applies cb. Replays of an applied verdict succeed with OutcomeDuplicate.
// The payment must have been initiated through cb.Provider.
func (r *Reconciler) Reconcile(ctx context.Context, cb Callback) (Outcome, error) {
	log := r.logger.With(
		zap.String("provider", cb.Provider),
		zap.String("gateway_ref", cb.Reference),
		zap.Bool("success", cb.Success),
	)
	p, err := r.payments.GetByGatewayRef(ctx, cb.Provider, cb.Reference)
	if errors.Is(err, payments.ErrPaymentNotFound) {
		log.Warn("callback for unknown payment")
		return "", ErrUnknownPayment
	}
	if err != nil {
		return "", fmt.Errorf("lookup payment: %w", err)
	}
	log = log.With(zap.String("payment_id", p.ID.String()), zap.String("status", string(p.Status)))

	switch p.Status {
	case models.PaymentStatusCompleted, models.PaymentStatusRefunded:
		if cb.Success {
			log.Debug("duplicate success callback")
			return OutcomeDuplicate, nil
		}
		log.Error("failure callback for settled payment")
		return OutcomeRequiresAttention, nil
	case models.PaymentStatusFailed:
		// Re-running Fail retries a release that may have failed earlier.
		if _, err := r.payments.Fail(ctx, p.ID, failureReason(cb)); err != nil {
			return "", fmt.Errorf("retry release: %w", err)
		}
		if cb.Success {
			log.Error("late settlement for failed payment", zap.String("amount", cb.Amount.String()))
			return OutcomeRequiresAttention, nil
		}
		return OutcomeDuplicate, nil
	}

	if !cb.Success {
		return r.fail(ctx, log, p, failureReason(cb))
	}
	if !cb.Amount.Equal(p.Amount) {
		log.Error("gateway amount mismatch",
			zap.String("expected", p.Amount.String()),
			zap.String("received", cb.Amount.String()),
		)
		if _, err := r.payments.Fail(ctx, p.ID, payments.ReasonAmountMismatch); err != nil && !errors.Is(err, payments.ErrInvalidTransition) {
			return "", fmt.Errorf("fail mismatched payment: %w", err)
		}
		return OutcomeFailed, ErrAmountMismatch
	}

	paidAt := cb.Timestamp
	if paidAt.IsZero() {
		paidAt = time.Now().UTC()
	}
	completed, err := r.payments.Complete(ctx, p.ID, cb.Reference, paidAt)
	if errors.Is(err, payments.ErrAlreadyTerminal) {
		// Lost a race with another callback or the sweeper.
		switch {
		case completed == nil:
			return "", err
		case completed.Status == models.PaymentStatusFailed:
			log.Error("late settlement for failed payment", zap.String("amount", cb.Amount.String()))
			return OutcomeRequiresAttention, nil
		case completed.Status == models.PaymentStatusCompleted:
			log.Error("payment completed under another reference", zap.String("completed_ref", completed.GatewayRef))
			return OutcomeRequiresAttention, nil
		}
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", fmt.Errorf("complete payment: %w", err)
	}
	log.Info("payment reconciled", zap.String("outcome", string(OutcomeCompleted)))
	return OutcomeCompleted, nil
}

func (r *Reconciler) fail(ctx context.Context, log *zap.Logger, p *models.Payment, reason string) (Outcome, error) {
	_, err := r.payments.Fail(ctx, p.ID, reason)
	if errors.Is(err, payments.ErrInvalidTransition) {
		log.Error("failure callback lost to settlement")
		return OutcomeRequiresAttention, nil
	}
	if err != nil {
		return "", fmt.Errorf("fail payment: %w", err)
	}
	log.Info("payment reconciled", zap.String("outcome", string(OutcomeFailed)))
	return OutcomeFailed, nil
}

func failureReason(cb Callback) string {
	if cb.Reason != "" {
		return cb.Reason
	}
	return payments.ReasonGatewayDeclined
}

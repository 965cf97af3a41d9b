// Package registrations is the redemption entry point: price the registration,
// reserve the discount, and open the payment.
package registrations

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aura-webinar/checkout/internal/discounts"
	"github.com/aura-webinar/checkout/internal/ledger"
	"github.com/aura-webinar/checkout/internal/models"
	"github.com/aura-webinar/checkout/internal/payments"
	"github.com/aura-webinar/checkout/internal/pricing"
)

// ErrTemporarilyUnavailable means a retryable failure; nothing was reserved or charged.
var ErrTemporarilyUnavailable = errors.New("registration temporarily unavailable")

// RedeemRequest is one registration attempt.
type RedeemRequest struct {
	UserID   uuid.UUID
	EventID  uuid.UUID
	Amount   decimal.Decimal
	Currency string
	Code     string
}

// Redemption is the outcome of a successful registration attempt.
type Redemption struct {
	PaymentID    uuid.UUID            `json:"payment_id"`
	Status       models.PaymentStatus `json:"status"`
	Code         string               `json:"discount_code,omitempty"`
	Quote        pricing.Quote        `json:"quote"`
	RedirectURL  string               `json:"redirect_url,omitempty"`
	ClientSecret string               `json:"client_secret,omitempty"`
}

// Service runs the redemption flow.
type Service struct {
	validator *discounts.Validator
	ledger    *ledger.Ledger
	payments  *payments.StateMachine
	logger    *zap.Logger
}

// NewService creates a registrations service.
func NewService(v *discounts.Validator, l *ledger.Ledger, p *payments.StateMachine, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{validator: v, ledger: l, payments: p, logger: logger}
}

// Redeem validates and reserves the code (if any) and creates the payment bound to the
// reservation. Rejections are returned as *discounts.RejectionError. If the payment cannot
// be created, the reservation is released before returning.
func (s *Service) Redeem(ctx context.Context, req RedeemRequest) (*Redemption, error) {
	if req.Amount.IsNegative() || !req.Amount.IsInteger() {
		return nil, payments.ErrInvalidAmount
	}
	paymentID := uuid.New()
	quote := pricing.Compute(req.Amount, nil)
	var usage *models.DiscountCodeUsage

	code := models.CanonicalCode(req.Code)
	if code != "" {
		dc, err := s.validator.Validate(ctx, code, req.UserID, req.EventID)
		if err != nil {
			if _, ok := discounts.RejectReason(err); ok {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrTemporarilyUnavailable, err)
		}
		usage, err = s.ledger.Reserve(ctx, ledger.ReserveParams{
			CodeID:         dc.ID,
			UserID:         req.UserID,
			EventID:        req.EventID,
			PaymentID:      paymentID,
			OriginalAmount: req.Amount,
		})
		if err != nil {
			return nil, reservationError(code, err)
		}
		quote = pricing.Quote{Original: usage.OriginalAmount, Discount: usage.DiscountAmount, Final: usage.FinalAmount}
	}

	params := payments.CreateParams{
		ID:       paymentID,
		UserID:   req.UserID,
		EventID:  req.EventID,
		Amount:   quote.Final,
		Currency: strings.ToUpper(req.Currency),
	}
	if usage != nil {
		params.UsageID = &usage.ID
	}
	result, err := s.payments.Create(ctx, params)
	if err != nil {
		if usage != nil {
			// Release skips usages whose payment settled, so this is safe on every path.
			if _, rerr := s.ledger.Release(ctx, usage.ID); rerr != nil {
				s.logger.Error("release after failed payment creation", zap.String("usage_id", usage.ID.String()), zap.Error(rerr))
			}
		}
		return nil, err
	}

	s.logger.Info("registration payment created",
		zap.String("payment_id", result.Payment.ID.String()),
		zap.String("event_id", req.EventID.String()),
		zap.String("user_id", req.UserID.String()),
		zap.String("status", string(result.Payment.Status)),
		zap.String("discount_code", code),
	)
	return &Redemption{
		PaymentID:    result.Payment.ID,
		Status:       result.Payment.Status,
		Code:         code,
		Quote:        quote,
		RedirectURL:  result.RedirectURL,
		ClientSecret: result.ClientSecret,
	}, nil
}

// reservationError maps ledger failures to user-facing rejections.
func reservationError(code string, err error) error {
	reject := func(reason models.RejectReason) error {
		return &discounts.RejectionError{Code: code, Reason: reason}
	}
	switch {
	case errors.Is(err, ledger.ErrCapacityExhausted):
		return reject(models.ReasonCapacityExhausted)
	case errors.Is(err, ledger.ErrAlreadyUsedByUser):
		return reject(models.ReasonAlreadyUsedByUser)
	case errors.Is(err, ledger.ErrCodeExpired):
		return reject(models.ReasonExpired)
	case errors.Is(err, ledger.ErrCodeNotActive):
		return reject(models.ReasonInactive)
	case errors.Is(err, ledger.ErrTemporarilyUnavailable):
		return fmt.Errorf("%w: %v", ErrTemporarilyUnavailable, err)
	}
	return err
}

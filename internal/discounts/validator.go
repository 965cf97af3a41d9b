// Package discounts manages discount codes and the read-only eligibility pre-check.
package discounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/checkout/internal/models"
)

var (
	// ErrCodeNotFound is returned by stores when no code matches.
	ErrCodeNotFound = errors.New("discount code not found")
	// ErrCodeExists is returned when creating a code that already exists.
	ErrCodeExists = errors.New("discount code already exists")
	// ErrCapacityBelowUses is returned when max_uses would drop below current_uses.
	ErrCapacityBelowUses = errors.New("max_uses is below current uses")
)

// RejectionError is a validation failure with a user-facing reason.
type RejectionError struct {
	Code   string
	Reason models.RejectReason
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("discount code %q rejected: %s", e.Code, e.Reason)
}

// RejectReason extracts the reason from a *RejectionError anywhere in err's chain.
func RejectReason(err error) (models.RejectReason, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

// Reader is the read side the validator needs.
type Reader interface {
	GetByCode(ctx context.Context, code string) (*models.DiscountCode, error)
	HasUsage(ctx context.Context, codeID, userID uuid.UUID) (bool, error)
}

// Validator checks eligibility without mutating anything. A successful check
// does not guarantee that the subsequent reservation succeeds.
type Validator struct {
	reader Reader
	logger *zap.Logger
}

// NewValidator creates a code validator.
func NewValidator(reader Reader, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{reader: reader, logger: logger}
}

// Validate runs the checks in order and stops at the first failure.
func (v *Validator) Validate(ctx context.Context, code string, userID, eventID uuid.UUID) (*models.DiscountCode, error) {
	canonical := models.CanonicalCode(code)
	reject := func(reason models.RejectReason) error {
		v.logger.Debug("discount code rejected",
			zap.String("code", canonical),
			zap.String("reason", string(reason)),
			zap.String("user_id", userID.String()),
			zap.String("event_id", eventID.String()),
		)
		return &RejectionError{Code: canonical, Reason: reason}
	}

	if canonical == "" {
		return nil, reject(models.ReasonNotFound)
	}
	dc, err := v.reader.GetByCode(ctx, canonical)
	if errors.Is(err, ErrCodeNotFound) {
		return nil, reject(models.ReasonNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load discount code: %w", err)
	}
	if !dc.IsActive {
		return nil, reject(models.ReasonInactive)
	}
	if dc.ExpiredAt(time.Now()) {
		return nil, reject(models.ReasonExpired)
	}
	if !dc.HasCapacity() {
		return nil, reject(models.ReasonCapacityExhausted)
	}
	if dc.SingleUsePerUser {
		used, err := v.reader.HasUsage(ctx, dc.ID, userID)
		if err != nil {
			return nil, fmt.Errorf("check usage: %w", err)
		}
		if used {
			return nil, reject(models.ReasonAlreadyUsedByUser)
		}
	}
	return dc, nil
}

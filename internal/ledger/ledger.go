// Package ledger reserves and releases discount code uses atomically.
//
// A reservation increments the code's current_uses and records a usage row in
// one transaction; a release deletes the row and decrements the counter in one
// transaction. Capacity and per-user limits are enforced by the store, never by
// in-process counters.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aura-webinar/checkout/internal/models"
	"github.com/aura-webinar/checkout/internal/pricing"
	"github.com/aura-webinar/checkout/pkg/database"
)

var (
	ErrCapacityExhausted = errors.New("discount code capacity exhausted")
	ErrAlreadyUsedByUser = errors.New("discount code already used by user")
	ErrCodeNotActive     = errors.New("discount code not active")
	// ErrCodeExpired matches ErrCodeNotActive with errors.Is.
	ErrCodeExpired = fmt.Errorf("%w: expired", ErrCodeNotActive)
	// ErrDuplicateReservation means the payment already holds a usage.
	ErrDuplicateReservation = errors.New("payment already holds a reservation")
	// ErrTemporarilyUnavailable is returned once transient store failures outlast the retry budget.
	ErrTemporarilyUnavailable = errors.New("ledger temporarily unavailable")
	// ErrTransient may be wrapped by stores to mark a retryable failure.
	ErrTransient = errors.New("transient store failure")
)

// ReserveParams identifies one reservation. PaymentID is generated by the caller
// before reserving so the usage row never needs updating.
type ReserveParams struct {
	CodeID         uuid.UUID
	UserID         uuid.UUID
	EventID        uuid.UUID
	PaymentID      uuid.UUID
	OriginalAmount decimal.Decimal
}

// QuoteFunc prices the reservation against the code row as it was locked by the increment.
type QuoteFunc func(code *models.DiscountCode) pricing.Quote

// Store performs reserve and release as single transactions.
type Store interface {
	Reserve(ctx context.Context, p ReserveParams, quote QuoteFunc) (*models.DiscountCodeUsage, error)
	// Release reports whether a usage was deleted. A missing usage, or one whose
	// payment is completed or refunded, is left alone and reported as false.
	Release(ctx context.Context, usageID uuid.UUID) (bool, error)
}

// RetryConfig bounds retries of transient store failures.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig matches the configuration defaults.
var DefaultRetryConfig = RetryConfig{MaxAttempts: 4, InitialBackoff: 20 * time.Millisecond, MaxBackoff: 500 * time.Millisecond}

// Ledger wraps a Store with retry and logging.
type Ledger struct {
	store  Store
	retry  RetryConfig
	logger *zap.Logger
}

// New creates a ledger.
func New(store Store, retry RetryConfig, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	return &Ledger{store: store, retry: retry, logger: logger}
}

// Reserve claims one use of a code for the payment in p.
func (l *Ledger) Reserve(ctx context.Context, p ReserveParams) (*models.DiscountCodeUsage, error) {
	usage, err := retry(ctx, l, "reserve", func() (*models.DiscountCodeUsage, error) {
		return l.store.Reserve(ctx, p, func(code *models.DiscountCode) pricing.Quote {
			return pricing.Compute(p.OriginalAmount, code)
		})
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("discount code reserved",
		zap.String("usage_id", usage.ID.String()),
		zap.String("code_id", usage.CodeID.String()),
		zap.String("payment_id", usage.PaymentID.String()),
		zap.String("final_amount", usage.FinalAmount.String()),
	)
	return usage, nil
}

// Release returns a reserved use to the code. Releasing twice is a no-op.
func (l *Ledger) Release(ctx context.Context, usageID uuid.UUID) (bool, error) {
	released, err := retry(ctx, l, "release", func() (bool, error) {
		return l.store.Release(ctx, usageID)
	})
	if err != nil {
		return false, err
	}
	if released {
		l.logger.Info("discount code released", zap.String("usage_id", usageID.String()))
	} else {
		l.logger.Debug("release skipped", zap.String("usage_id", usageID.String()))
	}
	return released, nil
}

func retry[T any](ctx context.Context, l *Ledger, op string, fn func() (T, error)) (T, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = l.retry.InitialBackoff
	eb.MaxInterval = l.retry.MaxBackoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(l.retry.MaxAttempts-1)), ctx)

	attempt := 0
	res, err := backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		v, err := fn()
		if err != nil && !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, b, func(err error, wait time.Duration) {
		l.logger.Warn("ledger transient failure, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err == nil {
		return res, nil
	}
	if IsTransient(err) || errors.Is(err, context.DeadlineExceeded) {
		l.logger.Error("ledger unavailable", zap.String("op", op), zap.Int("attempts", attempt), zap.Error(err))
		var zero T
		return zero, fmt.Errorf("%w: %s: %v", ErrTemporarilyUnavailable, op, err)
	}
	var zero T
	return zero, err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || database.IsTransient(err)
}

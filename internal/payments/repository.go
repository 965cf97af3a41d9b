package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/aura-webinar/checkout/internal/discounts"
	"github.com/aura-webinar/checkout/internal/models"
	"github.com/aura-webinar/checkout/pkg/database"
)

const paymentColumns = `id, user_id, event_id, amount, currency, status, gateway, gateway_ref,
	usage_id, paid_at, metadata, created_at, updated_at`

// Repository handles payment persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a payments repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var (
		p      models.Payment
		amount int64
		ref    *string
	)
	err := row.Scan(&p.ID, &p.UserID, &p.EventID, &amount, &p.Currency, &p.Status, &p.Gateway, &ref,
		&p.UsageID, &p.PaidAt, &p.Metadata, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Amount = decimal.NewFromInt(amount)
	if ref != nil {
		p.GatewayRef = *ref
	}
	return &p, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Create inserts a payment with its pre-generated ID.
func (r *Repository) Create(ctx context.Context, p *models.Payment) error {
	q := `INSERT INTO payments (id, user_id, event_id, amount, currency, status, gateway, gateway_ref, usage_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + paymentColumns
	created, err := scanPayment(r.pool.QueryRow(ctx, q, p.ID, p.UserID, p.EventID, p.Amount.IntPart(), p.Currency,
		p.Status, p.Gateway, nullable(p.GatewayRef), p.UsageID, nonNil(p.Metadata)))
	if database.IsUniqueViolation(err) {
		return ErrDuplicatePayment
	}
	if err != nil {
		return err
	}
	*p = *created
	return nil
}

// GetByID returns a payment by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	p, err := scanPayment(r.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return p, err
}

// GetByGatewayRef returns the payment gateway issued ref for. (gateway, gateway_ref) is unique.
func (r *Repository) GetByGatewayRef(ctx context.Context, gateway, ref string) (*models.Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE gateway = $1 AND gateway_ref = $2`
	p, err := scanPayment(r.pool.QueryRow(ctx, q, gateway, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return p, err
}

// SetGatewayRef stores the reference returned by gateway initiation.
func (r *Repository) SetGatewayRef(ctx context.Context, id uuid.UUID, ref string, metadata map[string]any) (*models.Payment, error) {
	q := `UPDATE payments SET gateway_ref = $2, metadata = metadata || $3::jsonb, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + paymentColumns
	p, err := scanPayment(r.pool.QueryRow(ctx, q, id, ref, nonNil(metadata)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.missReason(ctx, id)
	}
	return p, err
}

// Transition applies a conditional status change.
func (r *Repository) Transition(ctx context.Context, id uuid.UUID, t Transition) (*models.Payment, error) {
	if !models.CanTransition(t.From, t.To) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}
	q := `UPDATE payments SET
			status = $3,
			gateway_ref = COALESCE($4, gateway_ref),
			paid_at = COALESCE($5, paid_at),
			metadata = metadata || $6::jsonb,
			updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING ` + paymentColumns
	p, err := scanPayment(r.pool.QueryRow(ctx, q, id, t.From, t.To, t.GatewayRef, t.PaidAt, nonNil(t.Metadata)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.missReason(ctx, id)
	}
	return p, err
}

func (r *Repository) missReason(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrPaymentNotFound
	}
	return ErrStatusChanged
}

// ListStalePending returns PENDING payments created before createdBefore, oldest first.
func (r *Repository) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]models.Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at LIMIT $2`
	return r.listPayments(ctx, q, createdBefore, limit)
}

// ListUnreleasedFailed returns FAILED payments whose usage row was not deleted, oldest update first.
func (r *Repository) ListUnreleasedFailed(ctx context.Context, limit int) ([]models.Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments p
		WHERE p.status = 'failed' AND p.usage_id IS NOT NULL
			AND EXISTS (SELECT 1 FROM discount_code_usages u WHERE u.id = p.usage_id)
		ORDER BY p.updated_at LIMIT $1`
	return r.listPayments(ctx, q, limit)
}

func (r *Repository) listPayments(ctx context.Context, q string, args ...any) ([]models.Payment, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	return list, rows.Err()
}

// GetUsage returns a discount usage by ID.
func (r *Repository) GetUsage(ctx context.Context, usageID uuid.UUID) (*models.DiscountCodeUsage, error) {
	q := `SELECT ` + discounts.UsageColumns + `
		FROM discount_code_usages u JOIN discount_codes c ON c.id = u.code_id
		WHERE u.id = $1`
	u, err := discounts.ScanUsage(r.pool.QueryRow(ctx, q, usageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUsageNotFound
	}
	return u, err
}

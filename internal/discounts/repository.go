package discounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/aura-webinar/checkout/internal/models"
	"github.com/aura-webinar/checkout/pkg/database"
)

// CodeColumns is the select list matching ScanCode.
const CodeColumns = `id, code, discount_type, discount_value::text, max_uses, current_uses,
	single_use_per_user, is_active, expires_at, description, created_at, updated_at`

// ScanCode reads one discount_codes row selected with CodeColumns.
func ScanCode(row pgx.Row) (*models.DiscountCode, error) {
	var (
		dc    models.DiscountCode
		value string
	)
	err := row.Scan(&dc.ID, &dc.Code, &dc.Kind, &value, &dc.MaxUses, &dc.CurrentUses,
		&dc.SingleUsePerUser, &dc.IsActive, &dc.ExpiresAt, &dc.Description, &dc.CreatedAt, &dc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	dc.Value, err = decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("parse discount_value %q: %w", value, err)
	}
	return &dc, nil
}

// UsageColumns selects a usage joined with its code as u and c.
const UsageColumns = `u.id, u.code_id, c.code, u.user_id, u.event_id, u.payment_id, u.single_use,
	u.original_amount, u.discount_amount, u.final_amount, u.created_at`

// ScanUsage reads one usage row selected with UsageColumns.
func ScanUsage(row pgx.Row) (*models.DiscountCodeUsage, error) {
	var (
		u                         models.DiscountCodeUsage
		original, discount, final int64
	)
	err := row.Scan(&u.ID, &u.CodeID, &u.Code, &u.UserID, &u.EventID, &u.PaymentID, &u.SingleUse,
		&original, &discount, &final, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	u.OriginalAmount = decimal.NewFromInt(original)
	u.DiscountAmount = decimal.NewFromInt(discount)
	u.FinalAmount = decimal.NewFromInt(final)
	return &u, nil
}

// Store is the persistence contract for discount codes.
type Store interface {
	Reader
	Create(ctx context.Context, dc *models.DiscountCode) error
	Update(ctx context.Context, code string, patch Patch) (*models.DiscountCode, error)
}

// Patch holds the admin-editable fields; nil means unchanged.
// ClearExpiry removes the expiry entirely.
type Patch struct {
	IsActive    *bool
	MaxUses     *int
	ExpiresAt   *time.Time
	ClearExpiry bool
	Description *string
}

// Repository handles discount code persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a discount code repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a discount code. current_uses always starts at zero.
func (r *Repository) Create(ctx context.Context, dc *models.DiscountCode) error {
	q := `INSERT INTO discount_codes (id, code, discount_type, discount_value, max_uses,
			single_use_per_user, is_active, expires_at, description)
		VALUES (gen_random_uuid(), $1, $2, $3::numeric, $4, $5, $6, $7, $8)
		RETURNING ` + CodeColumns
	created, err := ScanCode(r.pool.QueryRow(ctx, q, models.CanonicalCode(dc.Code), dc.Kind, dc.Value.String(),
		dc.MaxUses, dc.SingleUsePerUser, dc.IsActive, dc.ExpiresAt, dc.Description))
	if database.IsUniqueViolation(err) {
		return ErrCodeExists
	}
	if err != nil {
		return err
	}
	*dc = *created
	return nil
}

// GetByCode returns a discount code by its canonical code.
func (r *Repository) GetByCode(ctx context.Context, code string) (*models.DiscountCode, error) {
	q := `SELECT ` + CodeColumns + ` FROM discount_codes WHERE code = $1`
	dc, err := ScanCode(r.pool.QueryRow(ctx, q, models.CanonicalCode(code)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCodeNotFound
	}
	return dc, err
}

// HasUsage reports whether the user holds a reservation of the code.
func (r *Repository) HasUsage(ctx context.Context, codeID, userID uuid.UUID) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM discount_code_usages WHERE code_id = $1 AND user_id = $2)`
	var exists bool
	err := r.pool.QueryRow(ctx, q, codeID, userID).Scan(&exists)
	return exists, err
}

// Update applies an admin patch. max_uses may not drop below current_uses.
func (r *Repository) Update(ctx context.Context, code string, p Patch) (*models.DiscountCode, error) {
	q := `UPDATE discount_codes SET
			is_active = COALESCE($2, is_active),
			max_uses = COALESCE($3, max_uses),
			expires_at = CASE WHEN $4 THEN NULL ELSE COALESCE($5, expires_at) END,
			description = COALESCE($6, description),
			updated_at = NOW()
		WHERE code = $1
		RETURNING ` + CodeColumns
	dc, err := ScanCode(r.pool.QueryRow(ctx, q, models.CanonicalCode(code), p.IsActive, p.MaxUses, p.ClearExpiry, p.ExpiresAt, p.Description))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCodeNotFound
	}
	if database.IsCheckViolation(err) {
		return nil, ErrCapacityBelowUses
	}
	return dc, err
}

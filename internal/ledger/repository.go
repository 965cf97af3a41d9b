package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-webinar/checkout/internal/discounts"
	"github.com/aura-webinar/checkout/internal/models"
	"github.com/aura-webinar/checkout/pkg/database"
)

const singleUseIndex = "idx_usages_single_use"

// Repository is the PostgreSQL ledger store. Atomicity comes from the conditional
// increment and the partial unique index on (code_id, user_id).
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a ledger repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Reserve increments current_uses and inserts the usage row in one READ COMMITTED transaction.
func (r *Repository) Reserve(ctx context.Context, p ReserveParams, quote QuoteFunc) (*models.DiscountCodeUsage, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback(ctx)

	// Concurrent increments serialize on the row lock; the WHERE clause is re-evaluated
	// against the committed row, so the last use has exactly one winner.
	q := `UPDATE discount_codes SET current_uses = current_uses + 1, updated_at = NOW()
		WHERE id = $1 AND is_active
			AND (expires_at IS NULL OR expires_at > NOW())
			AND (max_uses IS NULL OR current_uses < max_uses)
		RETURNING ` + discounts.CodeColumns
	dc, err := discounts.ScanCode(tx.QueryRow(ctx, q, p.CodeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, classifyMiss(ctx, tx, p.CodeID)
	}
	if err != nil {
		return nil, fmt.Errorf("increment uses: %w", err)
	}

	qt := quote(dc)
	usage := &models.DiscountCodeUsage{
		CodeID:         dc.ID,
		Code:           dc.Code,
		UserID:         p.UserID,
		EventID:        p.EventID,
		PaymentID:      p.PaymentID,
		SingleUse:      dc.SingleUsePerUser,
		OriginalAmount: qt.Original,
		DiscountAmount: qt.Discount,
		FinalAmount:    qt.Final,
	}
	const ins = `INSERT INTO discount_code_usages
			(id, code_id, user_id, event_id, payment_id, single_use, original_amount, discount_amount, final_amount)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`
	err = tx.QueryRow(ctx, ins, usage.CodeID, usage.UserID, usage.EventID, usage.PaymentID, usage.SingleUse,
		qt.Original.IntPart(), qt.Discount.IntPart(), qt.Final.IntPart()).Scan(&usage.ID, &usage.CreatedAt)
	if database.IsUniqueViolation(err) {
		if database.ConstraintName(err) == singleUseIndex {
			return nil, ErrAlreadyUsedByUser
		}
		return nil, ErrDuplicateReservation
	}
	if err != nil {
		return nil, fmt.Errorf("insert usage: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reserve: %w", err)
	}
	return usage, nil
}

// classifyMiss explains why the conditional increment matched no row.
func classifyMiss(ctx context.Context, tx pgx.Tx, codeID uuid.UUID) error {
	const q = `SELECT is_active, expires_at FROM discount_codes WHERE id = $1`
	var (
		active    bool
		expiresAt *time.Time
	)
	err := tx.QueryRow(ctx, q, codeID).Scan(&active, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrCodeNotActive
	}
	if err != nil {
		return fmt.Errorf("classify reserve miss: %w", err)
	}
	if !active {
		return ErrCodeNotActive
	}
	if expiresAt != nil && !expiresAt.After(time.Now()) {
		return ErrCodeExpired
	}
	return ErrCapacityExhausted
}

// Release deletes the usage unless its payment settled, then decrements current_uses.
func (r *Repository) Release(ctx context.Context, usageID uuid.UUID) (bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return false, fmt.Errorf("begin release: %w", err)
	}
	defer tx.Rollback(ctx)

	const del = `DELETE FROM discount_code_usages u
		WHERE u.id = $1
			AND NOT EXISTS (
				SELECT 1 FROM payments p
				WHERE p.id = u.payment_id AND p.status IN ('completed', 'refunded')
			)
		RETURNING u.code_id`
	var codeID uuid.UUID
	err = tx.QueryRow(ctx, del, usageID).Scan(&codeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete usage: %w", err)
	}

	const dec = `UPDATE discount_codes SET current_uses = current_uses - 1, updated_at = NOW()
		WHERE id = $1 AND current_uses > 0`
	if _, err := tx.Exec(ctx, dec, codeID); err != nil {
		return false, fmt.Errorf("decrement uses: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit release: %w", err)
	}
	return true, nil
}

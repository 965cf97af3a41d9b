// Package reports serves the admin query surface over discount usage and payments.
package reports

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/aura-webinar/checkout/internal/discounts"
	"github.com/aura-webinar/checkout/internal/models"
)

// Store is the read model for reports.
type Store interface {
	UsageCounts(ctx context.Context) ([]models.CodeUsageCount, error)
	ListUsagesByCode(ctx context.Context, codeID uuid.UUID, limit, offset int) ([]models.DiscountCodeUsage, error)
	ListUsagesByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.DiscountCodeUsage, error)
	EventSummary(ctx context.Context, eventID uuid.UUID) (*models.EventSummary, error)
}

// Repository runs report queries on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a reports repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// UsageCounts returns one row per code with its counter, live usage rows, and total discount granted.
func (r *Repository) UsageCounts(ctx context.Context) ([]models.CodeUsageCount, error) {
	const q = `SELECT c.id, c.code, c.max_uses, c.current_uses,
			COUNT(u.id), COALESCE(SUM(u.discount_amount), 0)::bigint
		FROM discount_codes c
		LEFT JOIN discount_code_usages u ON u.code_id = c.id
		GROUP BY c.id
		ORDER BY c.code`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.CodeUsageCount
	for rows.Next() {
		var (
			row   models.CodeUsageCount
			total int64
		)
		if err := rows.Scan(&row.CodeID, &row.Code, &row.MaxUses, &row.CurrentUses, &row.UsageRows, &total); err != nil {
			return nil, err
		}
		row.TotalDiscount = decimal.NewFromInt(total)
		list = append(list, row)
	}
	return list, rows.Err()
}

// ListUsagesByCode returns a code's usages, newest first.
func (r *Repository) ListUsagesByCode(ctx context.Context, codeID uuid.UUID, limit, offset int) ([]models.DiscountCodeUsage, error) {
	q := `SELECT ` + discounts.UsageColumns + `
		FROM discount_code_usages u JOIN discount_codes c ON c.id = u.code_id
		WHERE u.code_id = $1
		ORDER BY u.created_at DESC LIMIT $2 OFFSET $3`
	return r.listUsages(ctx, q, codeID, limit, offset)
}

// ListUsagesByUser returns a user's usages across codes, newest first.
func (r *Repository) ListUsagesByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.DiscountCodeUsage, error) {
	q := `SELECT ` + discounts.UsageColumns + `
		FROM discount_code_usages u JOIN discount_codes c ON c.id = u.code_id
		WHERE u.user_id = $1
		ORDER BY u.created_at DESC LIMIT $2 OFFSET $3`
	return r.listUsages(ctx, q, userID, limit, offset)
}

func (r *Repository) listUsages(ctx context.Context, q string, id uuid.UUID, limit, offset int) ([]models.DiscountCodeUsage, error) {
	rows, err := r.pool.Query(ctx, q, id, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.DiscountCodeUsage
	for rows.Next() {
		u, err := discounts.ScanUsage(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *u)
	}
	return list, rows.Err()
}

// EventSummary aggregates an event's payments and the discounts behind completed ones.
func (r *Repository) EventSummary(ctx context.Context, eventID uuid.UUID) (*models.EventSummary, error) {
	const q = `SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'refunded'),
			COALESCE(SUM(amount) FILTER (WHERE status = 'completed'), 0)::bigint
		FROM payments WHERE event_id = $1`
	sum := &models.EventSummary{EventID: eventID}
	var revenue int64
	err := r.pool.QueryRow(ctx, q, eventID).Scan(&sum.Pending, &sum.Completed, &sum.Failed, &sum.Refunded, &revenue)
	if err != nil {
		return nil, err
	}
	sum.Revenue = decimal.NewFromInt(revenue)

	const dq = `SELECT COUNT(*), COALESCE(SUM(u.discount_amount), 0)::bigint
		FROM discount_code_usages u JOIN payments p ON p.id = u.payment_id
		WHERE u.event_id = $1 AND p.status = 'completed'`
	var given int64
	if err := r.pool.QueryRow(ctx, dq, eventID).Scan(&sum.RedeemedCodes, &given); err != nil {
		return nil, err
	}
	sum.DiscountGiven = decimal.NewFromInt(given)
	return sum, nil
}

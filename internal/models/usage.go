package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DiscountCodeUsage records one reservation of a discount code, bound to a payment.
// Rows are never updated; release deletes them.
type DiscountCodeUsage struct {
	ID             uuid.UUID       `json:"id"`
	CodeID         uuid.UUID       `json:"code_id"`
	Code           string          `json:"code,omitempty"`
	UserID         uuid.UUID       `json:"user_id"`
	EventID        uuid.UUID       `json:"event_id"`
	PaymentID      uuid.UUID       `json:"payment_id"`
	SingleUse      bool            `json:"-"`
	OriginalAmount decimal.Decimal `json:"original_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	FinalAmount    decimal.Decimal `json:"final_amount"`
	CreatedAt      time.Time       `json:"created_at"`
}

// CodeUsageCount is the per-code row of the admin usage report.
type CodeUsageCount struct {
	CodeID        uuid.UUID       `json:"code_id"`
	Code          string          `json:"code"`
	MaxUses       *int            `json:"max_uses,omitempty"`
	CurrentUses   int             `json:"current_uses"`
	UsageRows     int             `json:"usage_rows"`
	TotalDiscount decimal.Decimal `json:"total_discount"`
}

// EventSummary aggregates payments and discounts for one event.
type EventSummary struct {
	EventID       uuid.UUID       `json:"event_id"`
	Pending       int             `json:"pending"`
	Completed     int             `json:"completed"`
	Failed        int             `json:"failed"`
	Refunded      int             `json:"refunded"`
	Revenue       decimal.Decimal `json:"revenue"`
	DiscountGiven decimal.Decimal `json:"discount_given"`
	RedeemedCodes int             `json:"redeemed_codes"`
}

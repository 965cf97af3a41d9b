// Package pricing computes discount and final amounts for a registration.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/aura-webinar/checkout/internal/models"
)

var hundred = decimal.NewFromInt(100)

// Quote is the result of applying a discount code to an amount.
// Discount + Final always equals Original, and neither is negative.
type Quote struct {
	Original decimal.Decimal `json:"original_amount"`
	Discount decimal.Decimal `json:"discount_amount"`
	Final    decimal.Decimal `json:"final_amount"`
}

// Compute applies code to original. A nil code yields no discount.
// Percentages round half-up to whole currency units; negative inputs clamp to zero.
func Compute(original decimal.Decimal, code *models.DiscountCode) Quote {
	if original.IsNegative() {
		original = decimal.Zero
	}
	discount := decimal.Zero
	if code != nil {
		value := code.Value
		if value.IsNegative() {
			value = decimal.Zero
		}
		switch code.Kind {
		case models.DiscountPercentage:
			discount = original.Mul(value).Div(hundred).Round(0)
		case models.DiscountFixedAmount:
			discount = value
		}
	}
	if discount.GreaterThan(original) {
		discount = original
	}
	return Quote{
		Original: original,
		Discount: discount,
		Final:    original.Sub(discount),
	}
}

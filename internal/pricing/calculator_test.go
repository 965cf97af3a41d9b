package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/aura-webinar/checkout/internal/models"
)

func code(kind models.DiscountKind, value string) *models.DiscountCode {
	return &models.DiscountCode{Code: "TEST", Kind: kind, Value: decimal.RequireFromString(value)}
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name         string
		original     string
		code         *models.DiscountCode
		wantDiscount string
		wantFinal    string
	}{
		{name: "no code", original: "500000", code: nil, wantDiscount: "0", wantFinal: "500000"},
		{name: "ten percent", original: "1000000", code: code(models.DiscountPercentage, "10"), wantDiscount: "100000", wantFinal: "900000"},
		{name: "full percentage", original: "500000", code: code(models.DiscountPercentage, "100"), wantDiscount: "500000", wantFinal: "0"},
		{name: "percentage rounds half up", original: "15", code: code(models.DiscountPercentage, "10"), wantDiscount: "2", wantFinal: "13"},
		{name: "percentage rounds down below half", original: "14", code: code(models.DiscountPercentage, "10"), wantDiscount: "1", wantFinal: "13"},
		{name: "fractional percentage", original: "1000", code: code(models.DiscountPercentage, "12.5"), wantDiscount: "125", wantFinal: "875"},
		{name: "percentage above hundred clamps", original: "1000", code: code(models.DiscountPercentage, "150"), wantDiscount: "1000", wantFinal: "0"},
		{name: "fixed below amount", original: "1000", code: code(models.DiscountFixedAmount, "300"), wantDiscount: "300", wantFinal: "700"},
		{name: "fixed above amount", original: "1000", code: code(models.DiscountFixedAmount, "5000"), wantDiscount: "1000", wantFinal: "0"},
		{name: "negative fixed value", original: "1000", code: code(models.DiscountFixedAmount, "-50"), wantDiscount: "0", wantFinal: "1000"},
		{name: "negative original", original: "-10", code: code(models.DiscountFixedAmount, "5"), wantDiscount: "0", wantFinal: "0"},
		{name: "zero original", original: "0", code: code(models.DiscountPercentage, "50"), wantDiscount: "0", wantFinal: "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := Compute(decimal.RequireFromString(tt.original), tt.code)
			assert.True(t, q.Discount.Equal(decimal.RequireFromString(tt.wantDiscount)), "discount = %s", q.Discount)
			assert.True(t, q.Final.Equal(decimal.RequireFromString(tt.wantFinal)), "final = %s", q.Final)
		})
	}
}

func TestComputeAmountIdentity(t *testing.T) {
	kinds := []models.DiscountKind{models.DiscountPercentage, models.DiscountFixedAmount}
	values := []string{"0", "1", "7", "33.3", "50", "99", "100", "250", "1000000"}
	for original := int64(0); original <= 2000; original += 37 {
		amount := decimal.NewFromInt(original)
		for _, kind := range kinds {
			for _, v := range values {
				q := Compute(amount, code(kind, v))
				assert.True(t, q.Discount.Add(q.Final).Equal(amount), "%s %s on %d", kind, v, original)
				assert.False(t, q.Final.IsNegative())
				assert.False(t, q.Discount.IsNegative())
			}
		}
	}
}

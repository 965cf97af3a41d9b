package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DiscountKind is percentage or fixed amount.
type DiscountKind string

const (
	DiscountPercentage  DiscountKind = "percentage"
	DiscountFixedAmount DiscountKind = "fixed_amount"
)

// Valid reports whether k is a known discount kind.
func (k DiscountKind) Valid() bool {
	return k == DiscountPercentage || k == DiscountFixedAmount
}

// RejectReason is the user-facing reason a discount code cannot be redeemed.
type RejectReason string

const (
	ReasonNotFound          RejectReason = "not_found"
	ReasonInactive          RejectReason = "inactive"
	ReasonExpired           RejectReason = "expired"
	ReasonCapacityExhausted RejectReason = "capacity_exhausted"
	ReasonAlreadyUsedByUser RejectReason = "already_used_by_user"
)

// DiscountCode is a shared, optionally capacity-limited discount.
type DiscountCode struct {
	ID               uuid.UUID       `json:"id"`
	Code             string          `json:"code"`
	Kind             DiscountKind    `json:"kind"`
	Value            decimal.Decimal `json:"value"`
	MaxUses          *int            `json:"max_uses,omitempty"`
	CurrentUses      int             `json:"current_uses"`
	SingleUsePerUser bool            `json:"single_use_per_user"`
	IsActive         bool            `json:"is_active"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty"`
	Description      *string         `json:"description,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// CanonicalCode normalizes a user-entered code for lookup and storage.
func CanonicalCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ExpiredAt reports whether the code is expired at t.
func (c *DiscountCode) ExpiredAt(t time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(t)
}

// HasCapacity reports whether at least one use remains.
func (c *DiscountCode) HasCapacity() bool {
	return c.MaxUses == nil || c.CurrentUses < *c.MaxUses
}

// RemainingUses returns nil for unlimited codes.
func (c *DiscountCode) RemainingUses() *int {
	if c.MaxUses == nil {
		return nil
	}
	n := *c.MaxUses - c.CurrentUses
	if n < 0 {
		n = 0
	}
	return &n
}

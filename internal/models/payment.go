package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus of a payment.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// GatewayFree marks payments completed without a gateway round trip.
const GatewayFree = "free-payment"

// Metadata keys written on payments for audit.
const (
	MetaAutoCompleted  = "auto_completed"
	MetaOriginalAmount = "original_amount"
	MetaDiscountCode   = "discount_code"
	MetaFailureReason  = "failure_reason"
	MetaRedirectURL    = "redirect_url"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:   {PaymentStatusCompleted, PaymentStatusFailed},
	PaymentStatusCompleted: {PaymentStatusRefunded},
}

// CanTransition reports whether from -> to is a legal payment transition.
func CanTransition(from, to PaymentStatus) bool {
	for _, s := range paymentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Payment represents a registration payment, optionally bound to a discount usage.
type Payment struct {
	ID         uuid.UUID       `json:"id"`
	UserID     uuid.UUID       `json:"user_id"`
	EventID    uuid.UUID       `json:"event_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Status     PaymentStatus   `json:"status"`
	Gateway    string          `json:"gateway"`
	GatewayRef string          `json:"gateway_ref,omitempty"`
	UsageID    *uuid.UUID      `json:"usage_id,omitempty"`
	PaidAt     *time.Time      `json:"paid_at,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

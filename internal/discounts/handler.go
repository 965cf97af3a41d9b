package discounts

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aura-webinar/checkout/internal/middleware"
	"github.com/aura-webinar/checkout/internal/models"
	"github.com/aura-webinar/checkout/internal/pricing"
	"github.com/aura-webinar/checkout/pkg/response"
)

var hundred = decimal.NewFromInt(100)

// CreateRequest is the body for POST /admin/discount-codes.
type CreateRequest struct {
	Code             string              `json:"code" binding:"required,max=64"`
	Kind             models.DiscountKind `json:"kind" binding:"required,oneof=percentage fixed_amount"`
	Value            decimal.Decimal     `json:"value"`
	MaxUses          *int                `json:"max_uses" binding:"omitempty,min=0"`
	SingleUsePerUser bool                `json:"single_use_per_user"`
	IsActive         *bool               `json:"is_active"`
	ExpiresAt        *time.Time          `json:"expires_at"`
	Description      *string             `json:"description"`
}

// UpdateRequest is the body for PATCH /admin/discount-codes/:code.
type UpdateRequest struct {
	IsActive    *bool      `json:"is_active"`
	MaxUses     *int       `json:"max_uses" binding:"omitempty,min=0"`
	ExpiresAt   *time.Time `json:"expires_at"`
	ClearExpiry bool       `json:"clear_expiry"`
	Description *string    `json:"description"`
}

// ValidateRequest is the body for POST /discount-codes/validate.
type ValidateRequest struct {
	Code    string          `json:"code" binding:"required"`
	EventID string          `json:"event_id" binding:"required,uuid"`
	Amount  decimal.Decimal `json:"amount"`
}

// CodeResponse is a discount code with its remaining capacity.
type CodeResponse struct {
	*models.DiscountCode
	RemainingUses *int `json:"remaining_uses,omitempty"`
	Expired       bool `json:"expired"`
}

// Handler handles discount code HTTP endpoints.
type Handler struct {
	store     Store
	validator *Validator
	logger    *zap.Logger
}

// NewHandler creates a discount code handler.
func NewHandler(store Store, validator *Validator, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, validator: validator, logger: logger}
}

// Create handles POST /admin/discount-codes.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	code := models.CanonicalCode(req.Code)
	if code == "" {
		response.BadRequest(c, "code is required")
		return
	}
	if !req.Value.IsPositive() {
		response.BadRequest(c, "value must be positive")
		return
	}
	if req.Kind == models.DiscountPercentage && req.Value.GreaterThan(hundred) {
		response.BadRequest(c, "percentage value must not exceed 100")
		return
	}
	if req.Kind == models.DiscountFixedAmount && !req.Value.IsInteger() {
		response.BadRequest(c, "fixed amount must be in whole currency units")
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	dc := &models.DiscountCode{
		Code:             code,
		Kind:             req.Kind,
		Value:            req.Value,
		MaxUses:          req.MaxUses,
		SingleUsePerUser: req.SingleUsePerUser,
		IsActive:         active,
		ExpiresAt:        req.ExpiresAt,
		Description:      req.Description,
	}
	if err := h.store.Create(c.Request.Context(), dc); err != nil {
		if errors.Is(err, ErrCodeExists) {
			response.Conflict(c, "discount code already exists")
			return
		}
		h.logger.Error("create discount code failed", zap.Error(err), zap.String("code", code))
		response.Internal(c, "failed to create discount code")
		return
	}
	h.logger.Info("discount code created", zap.String("code", dc.Code), zap.String("code_id", dc.ID.String()))
	response.Created(c, toResponse(dc))
}

// Get handles GET /admin/discount-codes/:code.
func (h *Handler) Get(c *gin.Context) {
	dc, err := h.store.GetByCode(c.Request.Context(), c.Param("code"))
	if errors.Is(err, ErrCodeNotFound) {
		response.NotFound(c, "discount code not found")
		return
	}
	if err != nil {
		h.logger.Error("get discount code failed", zap.Error(err))
		response.Internal(c, "failed to load discount code")
		return
	}
	response.OK(c, toResponse(dc))
}

// Update handles PATCH /admin/discount-codes/:code. Codes are deactivated, never deleted.
func (h *Handler) Update(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.ClearExpiry && req.ExpiresAt != nil {
		response.BadRequest(c, "expires_at and clear_expiry are mutually exclusive")
		return
	}
	dc, err := h.store.Update(c.Request.Context(), c.Param("code"), Patch{
		IsActive:    req.IsActive,
		MaxUses:     req.MaxUses,
		ExpiresAt:   req.ExpiresAt,
		ClearExpiry: req.ClearExpiry,
		Description: req.Description,
	})
	switch {
	case errors.Is(err, ErrCodeNotFound):
		response.NotFound(c, "discount code not found")
		return
	case errors.Is(err, ErrCapacityBelowUses):
		response.BadRequest(c, "max_uses is below current uses")
		return
	case err != nil:
		h.logger.Error("update discount code failed", zap.Error(err))
		response.Internal(c, "failed to update discount code")
		return
	}
	response.OK(c, toResponse(dc))
}

// Validate handles POST /discount-codes/validate. It quotes the discount without reserving it.
func (h *Handler) Validate(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.Amount.IsNegative() || !req.Amount.IsInteger() {
		response.BadRequest(c, "amount must be a non-negative whole number")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	eventID, _ := uuid.Parse(req.EventID)

	dc, err := h.validator.Validate(c.Request.Context(), req.Code, userID, eventID)
	if reason, ok := RejectReason(err); ok {
		response.Rejected(c, string(reason), "discount code cannot be applied")
		return
	}
	if err != nil {
		h.logger.Error("validate discount code failed", zap.Error(err))
		response.ServiceUnavailable(c, "discount validation temporarily unavailable")
		return
	}
	response.OK(c, gin.H{
		"valid": true,
		"code":  dc.Code,
		"quote": pricing.Compute(req.Amount, dc),
	})
}

func toResponse(dc *models.DiscountCode) CodeResponse {
	return CodeResponse{
		DiscountCode:  dc,
		RemainingUses: dc.RemainingUses(),
		Expired:       dc.ExpiredAt(time.Now()),
	}
}

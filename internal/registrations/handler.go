package registrations

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aura-webinar/checkout/internal/discounts"
	"github.com/aura-webinar/checkout/internal/middleware"
	"github.com/aura-webinar/checkout/internal/payments"
	"github.com/aura-webinar/checkout/pkg/response"
)

// RegisterRequest is the body for POST /events/:id/registrations.
// Amount is the event price in minor units, as quoted by the catalog. An explicit 0 is a free event.
type RegisterRequest struct {
	Amount       *decimal.Decimal `json:"amount" binding:"required"`
	Currency     string           `json:"currency" binding:"omitempty,len=3"`
	DiscountCode string           `json:"discount_code" binding:"omitempty,max=64"`
}

// Handler handles registration checkout.
type Handler struct {
	service         *Service
	defaultCurrency string
	logger          *zap.Logger
}

// NewHandler creates a registrations handler.
func NewHandler(service *Service, defaultCurrency string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, defaultCurrency: defaultCurrency, logger: logger}
}

// Register handles POST /events/:id/registrations.
func (h *Handler) Register(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid event id")
		return
	}
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	currency := req.Currency
	if currency == "" {
		currency = h.defaultCurrency
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	out, err := h.service.Redeem(c.Request.Context(), RedeemRequest{
		UserID:   userID,
		EventID:  eventID,
		Amount:   *req.Amount,
		Currency: currency,
		Code:     req.DiscountCode,
	})
	if reason, ok := discounts.RejectReason(err); ok {
		response.Rejected(c, string(reason), "discount code cannot be applied")
		return
	}
	switch {
	case err == nil:
	case errors.Is(err, payments.ErrInvalidAmount):
		response.BadRequest(c, "amount must be a non-negative whole number")
		return
	case errors.Is(err, ErrTemporarilyUnavailable), errors.Is(err, payments.ErrGatewayUnavailable):
		h.logger.Warn("registration deferred", zap.Error(err), zap.String("event_id", eventID.String()))
		response.ServiceUnavailable(c, "registration temporarily unavailable, please retry")
		return
	default:
		h.logger.Error("registration failed", zap.Error(err), zap.String("event_id", eventID.String()))
		response.Internal(c, "failed to create registration")
		return
	}
	response.Created(c, out)
}

package payments

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/checkout/internal/middleware"
	"github.com/aura-webinar/checkout/internal/models"
	"github.com/aura-webinar/checkout/pkg/response"
)

// ActionRequest is the optional body for admin refund/fail.
type ActionRequest struct {
	Reason string `json:"reason" binding:"max=255"`
}

// Handler handles payment HTTP endpoints.
type Handler struct {
	machine *StateMachine
	logger  *zap.Logger
}

// NewHandler creates a payments handler.
func NewHandler(machine *StateMachine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{machine: machine, logger: logger}
}

// Get handles GET /payments/:id. Users see their own payments; admins see any.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid payment id")
		return
	}
	p, err := h.machine.Get(c.Request.Context(), id)
	if errors.Is(err, ErrPaymentNotFound) {
		response.NotFound(c, "payment not found")
		return
	}
	if err != nil {
		h.logger.Error("get payment failed", zap.Error(err), zap.String("payment_id", id.String()))
		response.Internal(c, "failed to load payment")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	role, _ := c.Get(middleware.ContextUserRole)
	if p.UserID != userID && role != string(models.RoleAdmin) {
		// Not revealing other users' payments.
		response.NotFound(c, "payment not found")
		return
	}
	response.OK(c, p)
}

// Refund handles POST /admin/payments/:id/refund.
func (h *Handler) Refund(c *gin.Context) {
	h.act(c, "refund", func(id uuid.UUID, reason string) (*models.Payment, error) {
		return h.machine.Refund(c.Request.Context(), id, reason)
	})
}

// Fail handles POST /admin/payments/:id/fail.
func (h *Handler) Fail(c *gin.Context) {
	h.act(c, "fail", func(id uuid.UUID, reason string) (*models.Payment, error) {
		return h.machine.Fail(c.Request.Context(), id, reason)
	})
}

func (h *Handler) act(c *gin.Context, action string, fn func(uuid.UUID, string) (*models.Payment, error)) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid payment id")
		return
	}
	var req ActionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = ReasonManual
	}
	p, err := fn(id, req.Reason)
	switch {
	case errors.Is(err, ErrPaymentNotFound):
		response.NotFound(c, "payment not found")
	case errors.Is(err, ErrInvalidTransition):
		response.ConflictCode(c, response.CodeInvalidTransition, "payment cannot be "+action+"ed in its current status")
	case err != nil:
		h.logger.Error("payment "+action+" failed", zap.Error(err), zap.String("payment_id", id.String()))
		response.Internal(c, "failed to "+action+" payment")
	default:
		h.logger.Info("payment "+action+" by admin", zap.String("payment_id", id.String()), zap.String("reason", req.Reason))
		response.OK(c, p)
	}
}

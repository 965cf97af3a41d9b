package reports

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/checkout/internal/discounts"
	"github.com/aura-webinar/checkout/pkg/response"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Handler handles the admin report endpoints.
type Handler struct {
	store    Store
	codes    discounts.Reader
	exporter *Exporter
	logger   *zap.Logger
}

// NewHandler creates a reports handler. exporter may be nil when no reports bucket is configured.
func NewHandler(store Store, codes discounts.Reader, exporter *Exporter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, codes: codes, exporter: exporter, logger: logger}
}

// UsageCounts handles GET /admin/discount-codes/usage.
func (h *Handler) UsageCounts(c *gin.Context) {
	counts, err := h.store.UsageCounts(c.Request.Context())
	if err != nil {
		h.logger.Error("usage counts failed", zap.Error(err))
		response.Internal(c, "failed to load usage counts")
		return
	}
	response.OK(c, counts)
}

// CodeUsages handles GET /admin/discount-codes/:code/usages.
func (h *Handler) CodeUsages(c *gin.Context) {
	limit, offset, ok := page(c)
	if !ok {
		return
	}
	dc, err := h.codes.GetByCode(c.Request.Context(), c.Param("code"))
	if errors.Is(err, discounts.ErrCodeNotFound) {
		response.NotFound(c, "discount code not found")
		return
	}
	if err != nil {
		h.logger.Error("get discount code failed", zap.Error(err))
		response.Internal(c, "failed to load discount code")
		return
	}
	usages, err := h.store.ListUsagesByCode(c.Request.Context(), dc.ID, limit, offset)
	if err != nil {
		h.logger.Error("list code usages failed", zap.Error(err), zap.String("code", dc.Code))
		response.Internal(c, "failed to load usages")
		return
	}
	response.OK(c, gin.H{"code": dc.Code, "current_uses": dc.CurrentUses, "usages": usages})
}

// UserUsages handles GET /admin/users/:id/discount-usages.
func (h *Handler) UserUsages(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid user id")
		return
	}
	limit, offset, ok := page(c)
	if !ok {
		return
	}
	usages, err := h.store.ListUsagesByUser(c.Request.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("list user usages failed", zap.Error(err), zap.String("user_id", userID.String()))
		response.Internal(c, "failed to load usages")
		return
	}
	response.OK(c, gin.H{"user_id": userID, "usages": usages})
}

// EventSummary handles GET /admin/events/:id/summary.
func (h *Handler) EventSummary(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid event id")
		return
	}
	sum, err := h.store.EventSummary(c.Request.Context(), eventID)
	if err != nil {
		h.logger.Error("event summary failed", zap.Error(err), zap.String("event_id", eventID.String()))
		response.Internal(c, "failed to load event summary")
		return
	}
	response.OK(c, sum)
}

// ExportUsage handles POST /admin/discount-codes/usage/export.
func (h *Handler) ExportUsage(c *gin.Context) {
	if h.exporter == nil {
		response.ServiceUnavailable(c, "report export is not configured")
		return
	}
	export, err := h.exporter.ExportUsage(c.Request.Context())
	if err != nil {
		h.logger.Error("usage export failed", zap.Error(err))
		response.Internal(c, "failed to export usage report")
		return
	}
	response.Created(c, export)
}

func page(c *gin.Context) (limit, offset int, ok bool) {
	limit, offset = defaultPageSize, 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			response.BadRequest(c, "invalid limit")
			return 0, 0, false
		}
		if n > maxPageSize {
			n = maxPageSize
		}
		limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			response.BadRequest(c, "invalid offset")
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

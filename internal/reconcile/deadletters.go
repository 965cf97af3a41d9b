package reconcile

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-webinar/checkout/pkg/queue"
	"github.com/aura-webinar/checkout/pkg/response"
)

const maxDeadLetters = 200

// DeadLetterLister reads callbacks that exhausted their retries.
type DeadLetterLister interface {
	DeadLetters(ctx context.Context, limit int64) ([]queue.Job, error)
}

// DeadLetterHandler exposes the reconcile DLQ to admins.
type DeadLetterHandler struct {
	lister DeadLetterLister
	logger *zap.Logger
}

// NewDeadLetterHandler creates a DLQ handler. lister may be nil when no queue is configured.
func NewDeadLetterHandler(lister DeadLetterLister, logger *zap.Logger) *DeadLetterHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeadLetterHandler{lister: lister, logger: logger}
}

// List handles GET /admin/reconcile/dead-letters.
func (h *DeadLetterHandler) List(c *gin.Context) {
	if h.lister == nil {
		response.ServiceUnavailable(c, "reconcile queue is not configured")
		return
	}
	limit := int64(50)
	if v := c.Query("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			response.BadRequest(c, "invalid limit")
			return
		}
		limit = min(n, maxDeadLetters)
	}
	jobs, err := h.lister.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("list dead letters failed", zap.Error(err))
		response.Internal(c, "failed to load dead letters")
		return
	}
	response.OK(c, gin.H{"jobs": jobs})
}

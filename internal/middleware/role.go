package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/aura-webinar/checkout/internal/models"
	"github.com/aura-webinar/checkout/pkg/response"
)

// RequireRole allows only callers whose token carries one of roles. Must run after JWT.
func RequireRole(roles ...models.Role) gin.HandlerFunc {
	allowed := make(map[models.Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(c *gin.Context) {
		role, ok := c.Get(ContextUserRole)
		if !ok {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		s, _ := role.(string)
		if !allowed[models.Role(s)] {
			response.Forbidden(c, "insufficient permissions")
			c.Abort()
			return
		}
		c.Next()
	}
}

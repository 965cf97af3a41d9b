package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aura-webinar/checkout/internal/auth"
	"github.com/aura-webinar/checkout/pkg/response"
)

const (
	// ContextUserID is the key for the caller's uuid.UUID in gin context.
	ContextUserID = "user_id"
	// ContextUserRole is the key for the caller's role string in gin context.
	ContextUserRole = "user_role"
)

// JWT validates the bearer token and stores the caller's ID and role in context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			response.Unauthorized(c, "missing or malformed authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(token)
		if errors.Is(err, auth.ErrExpiredToken) {
			response.Unauthorized(c, "token expired")
			c.Abort()
			return
		}
		if err != nil {
			response.Unauthorized(c, "invalid token")
			c.Abort()
			return
		}
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUserRole, claims.Role)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

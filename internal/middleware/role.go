package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/kinovino/rosterbot/internal/auth"
	"github.com/kinovino/rosterbot/pkg/response"
)

// RequireAdmin allows only actors on the admin allow-list. It must run after JWT.
func RequireAdmin(policy *auth.Policy) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := ActorID(c)
		if id == 0 {
			response.Unauthorized(c, "missing actor context")
			c.Abort()
			return
		}
		if !policy.IsAdmin(id) {
			response.Forbidden(c, "insufficient permissions")
			c.Abort()
			return
		}
		c.Next()
	}
}

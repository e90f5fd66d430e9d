package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kinovino/rosterbot/internal/auth"
	"github.com/kinovino/rosterbot/pkg/response"
)

// ContextActorID is the key for the authenticated actor id in gin context.
const ContextActorID = "actor_id"

// JWT returns a middleware that validates the bearer token and stores its actor id.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(token)
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextActorID, claims.ActorID)
		c.Next()
	}
}

// ActorID returns the actor set by JWT, or 0 when the request is unauthenticated.
func ActorID(c *gin.Context) int64 {
	return c.GetInt64(ContextActorID)
}

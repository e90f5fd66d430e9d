package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kinovino/rosterbot/internal/auth"
	"github.com/kinovino/rosterbot/internal/middleware"
	"github.com/kinovino/rosterbot/pkg/response"
)

// NewRouter wires the event endpoints behind JWT auth.
func NewRouter(h *Handler, jwtService *auth.JWTService, policy *auth.Policy, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.POST("/events", h.Create)
		api.GET("/events", middleware.RequireAdmin(policy), h.List)
		api.GET("/events/:id", h.GetByID)
		api.PATCH("/events/:id", h.Update)
		api.DELETE("/events/:id", h.Delete)
		api.POST("/events/:id/join", h.Join)
		api.POST("/events/:id/leave", h.Leave)
		api.PUT("/events/:id/capacity", h.SetCapacity)
		api.POST("/events/:id/participants", h.AddParticipants)
		api.DELETE("/events/:id/participants/:actorId", h.RemoveParticipant)
		api.GET("/events/:id/export", h.Export)
	}
	return router
}

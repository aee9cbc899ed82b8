package api

import (
	"github.com/gin-gonic/gin"

	"github.com/shaxb/tele-google/internal/telemetry"
)

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, handler *Handler) {
	// Health checks (no /api/v1 prefix for standard health endpoints)
	router.GET("/health", handler.HealthCheck)
	router.GET("/metrics", gin.WrapH(telemetry.Handler()))

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", handler.HealthCheck)

		v1.POST("/search", handler.Search)
		v1.POST("/valuate", handler.Valuate)
		v1.POST("/backfill", handler.Backfill)
	}
}

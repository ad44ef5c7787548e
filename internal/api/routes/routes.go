package routes

import (
	"github.com/gin-gonic/gin"

	"binance-oi-collector/internal/api/handlers"
)

func SetupRoutes(router *gin.Engine, collectorHandler *handlers.CollectorHandler) {
	// Health check
	router.GET("/health", collectorHandler.HealthCheck)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		tasks := v1.Group("/tasks")
		{
			tasks.GET("", collectorHandler.ListTasks)
			tasks.GET("/:id", collectorHandler.GetTask)
			tasks.GET("/:id/history", collectorHandler.GetTaskHistory)
		}
		v1.GET("/errors", collectorHandler.ErrorStatistics)
		v1.GET("/storage", collectorHandler.StorageStats)
		v1.POST("/storage/cleanup", collectorHandler.CleanupStorage)
	}
}

package api

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes sets up the API routes
func RegisterRoutes(router *gin.Engine, handler *APIHandler) {
	router.GET("/healthz", handler.HealthCheckHandler)
	router.POST("/create-report", handler.CreateReportHandler)
	if handler.metrics != nil {
		router.GET("/metrics", gin.WrapH(handler.metrics.Handler()))
	}

	bridge := router.Group("/api")
	{
		bridge.GET("/studies", handler.ListStudiesHandler)
		bridge.GET("/patient/:orthancPatientId", handler.GetPatientHandler)
		bridge.GET("/study/:studyId/reports", handler.StudyReportsHandler)
		bridge.GET("/instance/:instanceId/pdf", handler.InstancePDFHandler)
		bridge.POST("/upload", handler.UploadHandler)
	}
}

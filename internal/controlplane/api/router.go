package api

import (
	"github.com/gin-gonic/gin"

	"github.com/agentmesh/controlplane/internal/broker"
	"github.com/agentmesh/controlplane/internal/common/logger"
	"github.com/agentmesh/controlplane/internal/controlplane"
	"github.com/agentmesh/controlplane/internal/controlplane/types"
)

// SetupRoutes registers the control plane's HTTP surface on router.
func SetupRoutes(router *gin.Engine, svc *controlplane.Service, b broker.Broker, log *logger.Logger, config types.ConfigView) {
	handler := NewHandler(svc, b, log, config)

	router.GET("/", handler.GetRoot)
	router.GET("/queue_config", handler.GetQueueConfig)

	router.POST("/services/register", handler.RegisterService)
	router.POST("/services/deregister", handler.DeregisterService)
	router.GET("/services", handler.ListServices)
	router.GET("/services/:name", handler.GetService)

	sessions := router.Group("/sessions")
	{
		sessions.POST("/create", handler.CreateSession)
		sessions.GET("", handler.ListSessions)
		sessions.GET("/:sessionId", handler.GetSession)
		sessions.POST("/:sessionId/delete", handler.DeleteSession)
		sessions.GET("/:sessionId/state", handler.GetSessionState)
		sessions.POST("/:sessionId/state", handler.UpdateSessionState)

		sessions.POST("/:sessionId/tasks", handler.CreateTask)
		sessions.GET("/:sessionId/tasks", handler.ListTasks)
		sessions.GET("/:sessionId/current_task", handler.CurrentTask)
		sessions.GET("/:sessionId/tasks/:taskId/result", handler.GetTaskResult)
		sessions.GET("/:sessionId/tasks/:taskId/result_stream", handler.StreamTaskResult)
		sessions.POST("/:sessionId/tasks/:taskId/send_event", handler.SendEvent)
	}
}

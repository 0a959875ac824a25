// Package api adapts controlplane.Service to gin, mirroring the HTTP
// surface of llama_deploy's control plane server.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentmesh/controlplane/internal/broker"
	"github.com/agentmesh/controlplane/internal/common/logger"
	"github.com/agentmesh/controlplane/internal/controlplane"
	"github.com/agentmesh/controlplane/internal/controlplane/types"
)

// Handler holds the control plane's HTTP handlers.
type Handler struct {
	service *controlplane.Service
	broker  broker.Broker
	logger  *logger.Logger
	config  types.ConfigView
}

// NewHandler builds a Handler. config is the static, process-lifetime view
// of the control plane's own wiring, returned verbatim by GET / and
// POST /services/register. GET /queue_config returns the broker's AsConfig.
func NewHandler(svc *controlplane.Service, b broker.Broker, log *logger.Logger, config types.ConfigView) *Handler {
	return &Handler{service: svc, broker: b, logger: log, config: config}
}

// Root endpoint

func (h *Handler) GetRoot(c *gin.Context) {
	c.JSON(http.StatusOK, h.config)
}

func (h *Handler) GetQueueConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.broker.AsConfig())
}

// Service registration

type registerServiceRequest struct {
	ServiceName string `json:"service_name" binding:"required"`
	Description string `json:"description"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
}

func (h *Handler) RegisterService(c *gin.Context) {
	var req registerServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	def := types.ServiceDefinition{
		ServiceName: req.ServiceName,
		Description: req.Description,
		Host:        req.Host,
		Port:        req.Port,
	}
	if err := h.service.RegisterService(c.Request.Context(), def); err != nil {
		handleError(c, h.logger, err, "failed to register service")
		return
	}
	c.JSON(http.StatusOK, h.config)
}

func (h *Handler) DeregisterService(c *gin.Context) {
	name := c.Query("service_name")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "service_name query parameter is required"})
		return
	}
	if err := h.service.DeregisterService(c.Request.Context(), name); err != nil {
		handleError(c, h.logger, err, "failed to deregister service")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) GetService(c *gin.Context) {
	def, err := h.service.GetService(c.Request.Context(), c.Param("name"))
	if err != nil {
		handleError(c, h.logger, err, "failed to fetch service")
		return
	}
	c.JSON(http.StatusOK, def)
}

func (h *Handler) ListServices(c *gin.Context) {
	defs, err := h.service.ListServices(c.Request.Context())
	if err != nil {
		handleError(c, h.logger, err, "failed to list services")
		return
	}
	c.JSON(http.StatusOK, defs)
}

// Sessions

func (h *Handler) CreateSession(c *gin.Context) {
	sid, err := h.service.CreateSession(c.Request.Context())
	if err != nil {
		handleError(c, h.logger, err, "failed to create session")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": sid})
}

func (h *Handler) GetSession(c *gin.Context) {
	session, err := h.service.GetSession(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		handleError(c, h.logger, err, "failed to fetch session")
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.service.DeleteSession(c.Request.Context(), c.Param("sessionId")); err != nil {
		handleError(c, h.logger, err, "failed to delete session")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.service.ListSessions(c.Request.Context())
	if err != nil {
		handleError(c, h.logger, err, "failed to list sessions")
		return
	}
	c.JSON(http.StatusOK, sessions)
}

func (h *Handler) GetSessionState(c *gin.Context) {
	state, err := h.service.GetSessionState(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		handleError(c, h.logger, err, "failed to fetch session state")
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *Handler) UpdateSessionState(c *gin.Context) {
	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.UpdateSessionState(c.Request.Context(), c.Param("sessionId"), patch); err != nil {
		handleError(c, h.logger, err, "failed to update session state")
		return
	}
	c.Status(http.StatusNoContent)
}

// Tasks

type createTaskRequest struct {
	TaskID    string `json:"task_id"`
	Input     string `json:"input" binding:"required"`
	ServiceID string `json:"service_id"`
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
}

func (h *Handler) CreateTask(c *gin.Context) {
	sid := c.Param("sessionId")

	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task := types.TaskDefinition{
		TaskID:    req.TaskID,
		SessionID: req.SessionID,
		Input:     req.Input,
		ServiceID: req.ServiceID,
		AgentID:   req.AgentID,
	}
	taskID, err := h.service.AddTask(c.Request.Context(), sid, task)
	if err != nil {
		handleError(c, h.logger, err, "failed to add task")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task_id": taskID})
}

func (h *Handler) ListTasks(c *gin.Context) {
	tasks, err := h.service.ListTasks(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		handleError(c, h.logger, err, "failed to list tasks")
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (h *Handler) CurrentTask(c *gin.Context) {
	task, found, err := h.service.CurrentTask(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		handleError(c, h.logger, err, "failed to fetch current task")
		return
	}
	if !found {
		c.JSON(http.StatusOK, nil)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handler) GetTaskResult(c *gin.Context) {
	result, found, err := h.service.GetResult(c.Request.Context(), c.Param("sessionId"), c.Param("taskId"))
	if err != nil {
		handleError(c, h.logger, err, "failed to fetch task result")
		return
	}
	if !found {
		c.JSON(http.StatusOK, nil)
		return
	}
	c.JSON(http.StatusOK, result)
}

// StreamTaskResult streams newline-delimited JSON records for a task until
// a final result is recorded or the client disconnects.
func (h *Handler) StreamTaskResult(c *gin.Context) {
	sid := c.Param("sessionId")
	tid := c.Param("taskId")

	c.Writer.Header().Set("Content-Type", "application/x-ndjson")
	c.Writer.WriteHeader(http.StatusOK)
	flusher, canFlush := c.Writer.(http.Flusher)

	err := h.service.StreamTaskResult(c.Request.Context(), sid, tid, func(line []byte) error {
		if _, err := c.Writer.Write(line); err != nil {
			return err
		}
		if canFlush {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		h.logger.WithError(err).Warn("result stream ended early")
	}
}

type sendEventRequest struct {
	EventObjStr string `json:"event_obj_str" binding:"required"`
	ServiceID   string `json:"service_id" binding:"required"`
}

func (h *Handler) SendEvent(c *gin.Context) {
	var req sendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	event := types.EventDefinition{EventObjStr: req.EventObjStr, ServiceID: req.ServiceID}
	if err := h.service.SendEvent(c.Request.Context(), c.Param("sessionId"), c.Param("taskId"), event); err != nil {
		handleError(c, h.logger, err, "failed to send event")
		return
	}
	c.Status(http.StatusAccepted)
}

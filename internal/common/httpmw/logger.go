// Package httpmw provides gin middleware shared across the control plane's HTTP surface.
package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/controlplane/internal/common/logger"
)

// RequestLogger logs HTTP request details after the handler completes.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("duration_ms", latency.Milliseconds()),
		}
		// Sessions and tasks are the unit of correlation a control-plane
		// operator actually greps for, so carry them when the route has them.
		if sid := c.Param("sessionId"); sid != "" {
			fields = append(fields, zap.String("session_id", sid))
		}
		if tid := c.Param("taskId"); tid != "" {
			fields = append(fields, zap.String("task_id", tid))
		}

		if status >= 500 {
			log.Error("http", fields...)
		} else {
			log.Debug("http", fields...)
		}
	}
}

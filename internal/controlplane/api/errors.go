package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agentmesh/controlplane/internal/common/logger"
)

func handleError(c *gin.Context, log *logger.Logger, err error, fallback string) {
	switch {
	case isNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case isBadRequest(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case isRoutingError(err):
		log.WithError(err).Error(fallback)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		log.WithError(err).Error(fallback)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}

func isBadRequest(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid request") ||
		strings.Contains(msg, "required") ||
		strings.Contains(msg, "mismatch")
}

func isRoutingError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "routing failed")
}

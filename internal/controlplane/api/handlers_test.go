package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/controlplane/internal/broker"
	brokermem "github.com/agentmesh/controlplane/internal/broker/memory"
	"github.com/agentmesh/controlplane/internal/common/logger"
	"github.com/agentmesh/controlplane/internal/controlplane"
	"github.com/agentmesh/controlplane/internal/controlplane/types"
	statestoremem "github.com/agentmesh/controlplane/internal/statestore/memory"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *controlplane.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	b := brokermem.New(log)
	svc := controlplane.New(b, statestoremem.New(), log, controlplane.Options{
		TopicNamespace: "ns",
		ServicesKey:    "services",
		TasksKey:       "tasks",
		SessionKey:     "sessions",
		StepInterval:   10_000_000, // 10ms in nanoseconds, unused by these tests
	})

	router := gin.New()
	SetupRoutes(router, svc, broker.Broker(b), log, types.ConfigView{Running: true})
	return router, svc
}

func TestCreateTaskSessionMismatchReturns400(t *testing.T) {
	router, _ := setupTestRouter(t)

	// Build sessions through the HTTP surface so the test exercises the same
	// path a real client would.
	createRec := httptest.NewRecorder()
	router.ServeHTTP(createRec, httptest.NewRequest(http.MethodPost, "/sessions/create", nil))
	require.Equal(t, http.StatusCreated, createRec.Code)
	var created struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	otherRec := httptest.NewRecorder()
	router.ServeHTTP(otherRec, httptest.NewRequest(http.MethodPost, "/sessions/create", nil))
	require.Equal(t, http.StatusCreated, otherRec.Code)
	var other struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(otherRec.Body.Bytes(), &other))

	body, _ := json.Marshal(map[string]any{
		"input":      "ping",
		"service_id": "echo",
		"session_id": other.SessionID,
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sessions/"+created.SessionID+"/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTaskMissingServiceIDReturns500RoutingError(t *testing.T) {
	router, _ := setupTestRouter(t)

	createRec := httptest.NewRecorder()
	router.ServeHTTP(createRec, httptest.NewRequest(http.MethodPost, "/sessions/create", nil))
	var created struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	// service_id is absent, not malformed JSON: binding accepts the request
	// and AddTask's routing check is what rejects it, per the RoutingError
	// table in SPEC_FULL.md (500, not a client error).
	body, _ := json.Marshal(map[string]any{"input": "ping"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sessions/"+created.SessionID+"/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDeregisterServiceAcceptsQueryParamNoBody(t *testing.T) {
	router, svc := setupTestRouter(t)
	require.NoError(t, svc.RegisterService(context.Background(), types.ServiceDefinition{ServiceName: "echo"}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/services/deregister?service_name=echo", nil)
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	_, err := svc.GetService(context.Background(), "echo")
	require.Error(t, err)
}

func TestRegisterServiceReturnsControlPlaneConfig(t *testing.T) {
	router, _ := setupTestRouter(t)

	body, _ := json.Marshal(map[string]any{"service_name": "echo"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/services/register", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got types.ConfigView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.True(t, got.Running)
}

func TestGetQueueConfigReturnsTaggedUnionDirectly(t *testing.T) {
	router, _ := setupTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/queue_config", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	_, hasWrapper := got["queue_config"]
	require.False(t, hasWrapper, "queue_config response must not be double-wrapped")
}

func TestCurrentTaskOnEmptySessionReturnsNull(t *testing.T) {
	router, _ := setupTestRouter(t)

	createRec := httptest.NewRecorder()
	router.ServeHTTP(createRec, httptest.NewRequest(http.MethodPost, "/sessions/create", nil))
	var created struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/"+created.SessionID+"/current_task", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "null", strings.TrimSpace(rec.Body.String()))
}

func TestGetSessionNotFoundReturns404(t *testing.T) {
	router, _ := setupTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/does-not-exist", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

// Package api contains the HTTP handlers of the automation service.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"aerostic/backend/internal/auth"
	"aerostic/backend/internal/fault"
	"aerostic/backend/internal/logging"
	"aerostic/backend/internal/repository"
	"aerostic/backend/internal/services"
	"aerostic/backend/internal/trigger"
	"aerostic/backend/pkg/models"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Store is the persistence the API reads and writes directly.
type Store interface {
	repository.WorkflowStore
	repository.ExecutionStore
	Ping(ctx context.Context) error
}

// Triggers starts runs on behalf of HTTP callers.
type Triggers interface {
	EnqueueWebhook(ctx context.Context, workflowID string, hook trigger.Webhook) (string, error)
	HandleMessage(ctx context.Context, event models.TriggerEvent) (int, error)
	RunManual(ctx context.Context, tenantID, workflowID string, data map[string]any) (*models.WorkflowExecution, error)
	Broadcast(ctx context.Context, tenantID, workflowID string, recipients []trigger.Recipient) (int, error)
}

// KnowledgeIngester stores knowledge base content.
type KnowledgeIngester interface {
	AddChunk(ctx context.Context, tenantID, knowledgeBaseID, content string) (*repository.KnowledgeChunk, error)
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	store     Store
	triggers  Triggers
	progress  services.ProgressSubscriber
	knowledge KnowledgeIngester
	logger    *logging.Logger
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithProgress enables the live execution event stream.
func WithProgress(p services.ProgressSubscriber) Option {
	return func(s *Server) { s.progress = p }
}

// WithKnowledge enables knowledge base ingestion.
func WithKnowledge(k KnowledgeIngester) Option {
	return func(s *Server) { s.knowledge = k }
}

// NewServer creates a new Server.
func NewServer(store Store, triggers Triggers, logger *logging.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{store: store, triggers: triggers, logger: logger.With("component", "api")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register mounts the routes on e. Routes under /api/v1 pass through
// authMW; the webhook and health endpoints are public.
func (s *Server) Register(e *echo.Echo, authMW ...echo.MiddlewareFunc) {
	e.GET("/health", s.HandleHealth)
	e.POST("/automation/webhooks/:workflowId", s.ReceiveWebhook)

	g := e.Group("/api/v1", authMW...)
	g.GET("/workflows", s.ListWorkflows)
	g.POST("/workflows", s.CreateWorkflow)
	g.GET("/workflows/:id", s.GetWorkflow)
	g.PUT("/workflows/:id", s.UpdateWorkflow)
	g.DELETE("/workflows/:id", s.DeleteWorkflow)
	g.POST("/workflows/:id/execute", s.ExecuteWorkflow)
	g.POST("/workflows/:id/broadcast", s.BroadcastWorkflow)
	g.GET("/workflows/:id/executions", s.ListExecutions)
	g.GET("/executions/:id", s.GetExecution)
	g.GET("/executions/:id/events", s.StreamExecutionEvents)
	g.POST("/events/messages", s.ReceiveMessage)
	g.POST("/knowledge-bases/:id/chunks", s.AddKnowledgeChunk)
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Database  string    `json:"database"`
}

// HandleHealth reports liveness. A failing database ping degrades the
// status but still answers 200 so orchestrators keep the process.
func (s *Server) HandleHealth(c echo.Context) error {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "automation-engine",
		Version:   Version,
		Database:  "ok",
	}
	if err := s.store.Ping(c.Request().Context()); err != nil {
		s.logger.Warn("Health check database ping failed", "error", err)
		status.Status = "degraded"
		status.Database = "unreachable"
	}
	return c.JSON(http.StatusOK, status)
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// problem writes an RFC 7807 error response.
func problem(c echo.Context, status int, title, detail string) error {
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(status, ProblemDetails{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	})
}

// fail maps an error to its HTTP status: unknown resources are 404,
// workflow definition defects 422, missing input 400, anything else 500.
func (s *Server) fail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, fault.ErrNotFound), errors.Is(err, fault.ErrWorkflowNotFound):
		return problem(c, http.StatusNotFound, "Not Found", err.Error())
	case fault.IsFatal(err):
		return problem(c, http.StatusUnprocessableEntity, "Invalid Workflow", err.Error())
	case errors.Is(err, fault.ErrMissingTenant):
		return problem(c, http.StatusBadRequest, "Bad Request", err.Error())
	}
	s.logger.Error("Request failed", "path", c.Path(), "error", err)
	return problem(c, http.StatusInternalServerError, "Internal Server Error", err.Error())
}

// tenant returns the tenant resolved by the auth middleware.
func tenant(c echo.Context) (string, error) {
	id, ok := auth.TenantFromContext(c.Request().Context())
	if !ok {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "Tenant ID not found in context")
	}
	return id, nil
}

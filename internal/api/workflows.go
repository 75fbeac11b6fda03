package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"aerostic/backend/internal/fault"
	"aerostic/backend/internal/trigger"
	"aerostic/backend/internal/workflowfile"
	"aerostic/backend/pkg/models"
)

const (
	defaultExecutionLimit = 50
	maxExecutionLimit     = 500
)

// ListWorkflows returns the tenant's workflows
// (GET /api/v1/workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	workflows, err := s.store.ListWorkflows(c.Request().Context(), tenantID)
	if err != nil {
		return s.fail(c, err)
	}
	if workflows == nil {
		workflows = []*models.Workflow{}
	}
	return c.JSON(http.StatusOK, workflows)
}

// GetWorkflow returns one workflow
// (GET /api/v1/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	wf, err := s.store.GetWorkflow(c.Request().Context(), tenantID, c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// CreateWorkflow validates and stores a new workflow
// (POST /api/v1/workflows)
func (s *Server) CreateWorkflow(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	var wf models.Workflow
	if err := c.Bind(&wf); err != nil {
		return problem(c, http.StatusBadRequest, "Bad Request", "Invalid request body: "+err.Error())
	}
	wf.ID = ""
	wf.TenantID = tenantID
	if err := validateWorkflow(&wf); err != nil {
		return s.fail(c, err)
	}
	if err := s.store.CreateWorkflow(c.Request().Context(), &wf); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, wf)
}

// UpdateWorkflow replaces a workflow definition
// (PUT /api/v1/workflows/:id)
func (s *Server) UpdateWorkflow(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	existing, err := s.store.GetWorkflow(ctx, tenantID, c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}

	var wf models.Workflow
	if err := c.Bind(&wf); err != nil {
		return problem(c, http.StatusBadRequest, "Bad Request", "Invalid request body: "+err.Error())
	}
	wf.ID = existing.ID
	wf.TenantID = tenantID
	wf.CreatedAt = existing.CreatedAt
	if err := validateWorkflow(&wf); err != nil {
		return s.fail(c, err)
	}
	if err := s.store.UpdateWorkflow(ctx, &wf); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// DeleteWorkflow removes a workflow
// (DELETE /api/v1/workflows/:id)
func (s *Server) DeleteWorkflow(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	if err := s.store.DeleteWorkflow(c.Request().Context(), tenantID, c.Param("id")); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// validateWorkflow rejects definitions the runner could never execute.
func validateWorkflow(wf *models.Workflow) error {
	if strings.TrimSpace(wf.Name) == "" {
		return fault.Authoring("api.validateWorkflow", errors.New("name is required"))
	}
	return workflowfile.Validate(wf)
}

// ExecuteRequest is the body of a manual run.
type ExecuteRequest struct {
	Data map[string]any `json:"data"`
}

// ExecuteWorkflow runs a workflow synchronously and returns the execution.
// A run that failed in a node still answers 200 with the FAILED execution.
// (POST /api/v1/workflows/:id/execute)
func (s *Server) ExecuteWorkflow(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	var req ExecuteRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return problem(c, http.StatusBadRequest, "Bad Request", "Invalid request body: "+err.Error())
		}
	}

	exec, err := s.triggers.RunManual(c.Request().Context(), tenantID, c.Param("id"), req.Data)
	if err != nil && fault.KindOf(err) == fault.KindExecutor && exec != nil {
		return c.JSON(http.StatusOK, exec)
	}
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, exec)
}

// BroadcastRequest lists the recipients of a broadcast.
type BroadcastRequest struct {
	Recipients []trigger.Recipient `json:"recipients"`
}

// BroadcastWorkflow starts one run per recipient in the background
// (POST /api/v1/workflows/:id/broadcast)
func (s *Server) BroadcastWorkflow(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	var req BroadcastRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "Bad Request", "Invalid request body: "+err.Error())
	}
	if len(req.Recipients) == 0 {
		return problem(c, http.StatusBadRequest, "Bad Request", "recipients must not be empty")
	}
	n, err := s.triggers.Broadcast(c.Request().Context(), tenantID, c.Param("id"), req.Recipients)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]int{"dispatched": n})
}

// ListExecutions returns a workflow's runs, newest first
// (GET /api/v1/workflows/:id/executions?limit=N)
func (s *Server) ListExecutions(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	limit := defaultExecutionLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return problem(c, http.StatusBadRequest, "Bad Request", "limit must be a positive integer")
		}
		limit = min(n, maxExecutionLimit)
	}

	ctx := c.Request().Context()
	if _, err := s.store.GetWorkflow(ctx, tenantID, c.Param("id")); err != nil {
		return s.fail(c, err)
	}
	execs, err := s.store.ListExecutions(ctx, tenantID, c.Param("id"), limit)
	if err != nil {
		return s.fail(c, err)
	}
	if execs == nil {
		execs = []*models.WorkflowExecution{}
	}
	return c.JSON(http.StatusOK, execs)
}

// ExecutionDetail is an execution with its ordered node log trail.
type ExecutionDetail struct {
	*models.WorkflowExecution
	Logs []*models.WorkflowExecutionLog `json:"logs"`
}

// GetExecution returns one run and its logs
// (GET /api/v1/executions/:id)
func (s *Server) GetExecution(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	exec, err := s.store.GetExecution(ctx, tenantID, c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	logs, err := s.store.ListLogs(ctx, exec.ID)
	if err != nil {
		return s.fail(c, err)
	}
	if logs == nil {
		logs = []*models.WorkflowExecutionLog{}
	}
	return c.JSON(http.StatusOK, ExecutionDetail{WorkflowExecution: exec, Logs: logs})
}

// Package mcp exposes workflow tools over the Model Context Protocol.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"aerostic/backend/internal/auth"
	"aerostic/backend/internal/repository"
	"aerostic/backend/pkg/models"
)

// Store is the read access the tools need.
type Store interface {
	ListWorkflows(ctx context.Context, tenantID string) ([]*models.Workflow, error)
	GetExecution(ctx context.Context, tenantID, id string) (*models.WorkflowExecution, error)
	ListLogs(ctx context.Context, executionID string) ([]*models.WorkflowExecutionLog, error)
}

var _ Store = (repository.Repository)(nil)

// ManualRunner starts a run from a tool call.
type ManualRunner interface {
	RunManual(ctx context.Context, tenantID, workflowID string, data map[string]any) (*models.WorkflowExecution, error)
}

type Server struct {
	mcpServer *server.MCPServer
	store     Store
	runner    ManualRunner
}

func NewServer(store Store, runner ManualRunner) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Automation Engine",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		store:  store,
		runner: runner,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_workflows",
			mcp.WithDescription("List the tenant's workflows"),
			mcp.WithString("tenant_id", mcp.Description("Tenant to act for when the session is not authenticated")),
		),
		s.handleListWorkflows,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"run_workflow",
			mcp.WithDescription("Run a workflow now and return the finished execution"),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The ID of the workflow")),
			mcp.WithString("data", mcp.Description("JSON object placed under trigger.data")),
			mcp.WithString("tenant_id", mcp.Description("Tenant to act for when the session is not authenticated")),
		),
		s.handleRunWorkflow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_execution",
			mcp.WithDescription("Get an execution and its node log trail"),
			mcp.WithString("execution_id", mcp.Required(), mcp.Description("The ID of the execution")),
			mcp.WithString("tenant_id", mcp.Description("Tenant to act for when the session is not authenticated")),
		),
		s.handleGetExecution,
	)
}

func arguments(request mcp.CallToolRequest) map[string]any {
	args, _ := request.Params.Arguments.(map[string]any)
	return args
}

// tenantFor prefers the authenticated tenant over the tenant_id argument.
func tenantFor(ctx context.Context, args map[string]any) (string, bool) {
	if id, ok := auth.TenantFromContext(ctx); ok {
		return id, true
	}
	id, _ := args["tenant_id"].(string)
	return id, id != ""
}

func textResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleListWorkflows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	tenantID, ok := tenantFor(ctx, args)
	if !ok {
		return mcp.NewToolResultError("Missing tenant: authenticate or pass tenant_id"), nil
	}

	workflows, err := s.store.ListWorkflows(ctx, tenantID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list workflows: %v", err)), nil
	}

	type summary struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		IsActive bool   `json:"isActive"`
		Nodes    int    `json:"nodes"`
	}
	out := make([]summary, 0, len(workflows))
	for _, wf := range workflows {
		out = append(out, summary{ID: wf.ID, Name: wf.Name, IsActive: wf.IsActive, Nodes: len(wf.Nodes)})
	}
	return textResult(out)
}

func (s *Server) handleRunWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	tenantID, ok := tenantFor(ctx, args)
	if !ok {
		return mcp.NewToolResultError("Missing tenant: authenticate or pass tenant_id"), nil
	}
	workflowID, _ := args["workflow_id"].(string)
	if workflowID == "" {
		return mcp.NewToolResultError("Missing required parameter: workflow_id"), nil
	}

	var data map[string]any
	if raw, _ := args["data"].(string); raw != "" {
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("data must be a JSON object: %v", err)), nil
		}
	}

	exec, err := s.runner.RunManual(ctx, tenantID, workflowID, data)
	if exec == nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to run workflow: %v", err)), nil
	}
	return textResult(exec)
}

func (s *Server) handleGetExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	tenantID, ok := tenantFor(ctx, args)
	if !ok {
		return mcp.NewToolResultError("Missing tenant: authenticate or pass tenant_id"), nil
	}
	id, _ := args["execution_id"].(string)
	if id == "" {
		return mcp.NewToolResultError("Missing required parameter: execution_id"), nil
	}

	exec, err := s.store.GetExecution(ctx, tenantID, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get execution: %v", err)), nil
	}
	logs, err := s.store.ListLogs(ctx, exec.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get logs: %v", err)), nil
	}
	return textResult(struct {
		*models.WorkflowExecution
		Logs []*models.WorkflowExecutionLog `json:"logs"`
	}{exec, logs})
}

// MountHTTPHandlers serves the MCP SSE transport under /mcp.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}

// Package executors implements the per-type behaviour of workflow nodes.
//
// Every node type maps to exactly one Executor. An executor reads its typed
// payload from the node, resolves templated fields against the run context
// and returns a result document that the runner merges back into that
// context under nodes.<nodeId>.
package executors

import (
	"context"
	"maps"
	"net/http"
	"time"

	"aerostic/backend/internal/logging"
	"aerostic/backend/internal/repository"
	"aerostic/backend/internal/services"
	"aerostic/backend/internal/variables"
	"aerostic/backend/pkg/models"
)

// Run is the state of the execution a node belongs to.
type Run struct {
	ExecutionID string
	WorkflowID  string
	TenantID    string
	Context     variables.Document
	Logger      *logging.Logger
}

// Executor performs the work of one node type.
type Executor interface {
	Execute(ctx context.Context, node models.Node, run *Run) (map[string]any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, node models.Node, run *Run) (map[string]any, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, node models.Node, run *Run) (map[string]any, error) {
	return f(ctx, node, run)
}

// Dependencies are the collaborators executors call out to. Nil
// collaborators make the nodes that need them fail when executed.
type Dependencies struct {
	Messenger  services.MessageSender
	Generator  services.TextGenerator
	Knowledge  services.KnowledgeBase
	Contacts   services.ContactStore
	Memory     repository.MemoryStore
	HTTPClient *http.Client
	// HTTPTimeout bounds api_request calls that do not set their own timeout.
	HTTPTimeout time.Duration
}

// Registry maps node types to executors.
type Registry struct {
	executors map[models.NodeType]Executor
}

// NewRegistry returns a registry holding an executor for every node type.
func NewRegistry(deps Dependencies) *Registry {
	r := &Registry{executors: make(map[models.NodeType]Executor)}

	trigger := ExecutorFunc(executeTrigger)
	r.Register(models.NodeTypeTrigger, trigger)
	r.Register(models.NodeTypeWebhook, trigger)
	r.Register(models.NodeTypeManual, trigger)
	r.Register(models.NodeTypeBroadcastTrigger, trigger)

	r.Register(models.NodeTypeAction, &ActionExecutor{sender: deps.Messenger})
	r.Register(models.NodeTypeCondition, ExecutorFunc(executeCondition))
	r.Register(models.NodeTypeAPIRequest, NewAPIRequestExecutor(deps.HTTPClient, deps.HTTPTimeout))
	r.Register(models.NodeTypeAIAgent, &AIExecutor{generator: deps.Generator})
	r.Register(models.NodeTypeGeminiModel, &AIExecutor{generator: deps.Generator, provider: "gemini"})
	r.Register(models.NodeTypeLeadUpdate, &LeadUpdateExecutor{contacts: deps.Contacts})
	r.Register(models.NodeTypeMemory, &MemoryExecutor{store: deps.Memory})
	r.Register(models.NodeTypeKnowledgeQuery, &KnowledgeQueryExecutor{kb: deps.Knowledge})
	return r
}

// Register sets the executor for a node type, replacing any previous one.
func (r *Registry) Register(t models.NodeType, e Executor) {
	r.executors[t] = e
}

// Lookup returns the executor for a node type.
func (r *Registry) Lookup(t models.NodeType) (Executor, bool) {
	e, ok := r.executors[t]
	return e, ok
}

// executeTrigger passes the incoming event through.
func executeTrigger(_ context.Context, _ models.Node, run *Run) (map[string]any, error) {
	trigger, _ := run.Context.Get(variables.KeyTrigger)
	if m, ok := trigger.(map[string]any); ok {
		return maps.Clone(m), nil
	}
	return map[string]any{}, nil
}

// contactID returns the id of the contact the run is about, if any.
func contactID(doc variables.Document) string {
	for _, path := range []string{"contact.id", "trigger.contactId", "trigger.contact.id"} {
		if id := doc.GetString(path); id != "" {
			return id
		}
	}
	return ""
}

// tenantID prefers the run's tenant and falls back to the context.
func tenantID(run *Run) string {
	if run.TenantID != "" {
		return run.TenantID
	}
	return run.Context.GetString(variables.KeyTenantID)
}

func logger(run *Run) *logging.Logger {
	if run.Logger == nil {
		return logging.NewNop()
	}
	return run.Logger
}

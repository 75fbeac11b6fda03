package repository

import (
	"context"
	"time"

	"aerostic/backend/pkg/models"
)

// WorkflowStore persists workflow definitions. All lookups except
// GetWorkflowByID are tenant scoped.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, workflow *models.Workflow) error
	UpdateWorkflow(ctx context.Context, workflow *models.Workflow) error
	GetWorkflow(ctx context.Context, tenantID, id string) (*models.Workflow, error)
	// GetWorkflowByID serves the public webhook path, where the tenant is
	// derived from the workflow itself.
	GetWorkflowByID(ctx context.Context, id string) (*models.Workflow, error)
	ListWorkflows(ctx context.Context, tenantID string) ([]*models.Workflow, error)
	ListActiveWorkflows(ctx context.Context, tenantID string) ([]*models.Workflow, error)
	DeleteWorkflow(ctx context.Context, tenantID, id string) error
}

// ExecutionStore persists runs and their append-only node logs.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, execution *models.WorkflowExecution) error
	UpdateExecution(ctx context.Context, execution *models.WorkflowExecution) error
	GetExecution(ctx context.Context, tenantID, id string) (*models.WorkflowExecution, error)
	ListExecutions(ctx context.Context, tenantID, workflowID string, limit int) ([]*models.WorkflowExecution, error)
	// AppendLog inserts a log entry in the started state.
	AppendLog(ctx context.Context, entry *models.WorkflowExecutionLog) error
	// FinishLog records the final status, output, error and duration of an
	// entry. It is the only mutation an entry ever receives.
	FinishLog(ctx context.Context, entry *models.WorkflowExecutionLog) error
	ListLogs(ctx context.Context, executionID string) ([]*models.WorkflowExecutionLog, error)
}

// MemoryStore persists per-contact workflow memory.
type MemoryStore interface {
	// GetMemory returns fault.ErrNotFound when the slot is empty.
	GetMemory(ctx context.Context, tenantID, contactID, key string) (*models.WorkflowMemory, error)
	// UpsertMemory creates or replaces a slot atomically.
	UpsertMemory(ctx context.Context, memory *models.WorkflowMemory) error
	DeleteMemory(ctx context.Context, tenantID, contactID, key string) error
	ListMemory(ctx context.Context, tenantID, contactID string) ([]*models.WorkflowMemory, error)
}

// ClaimResult is the outcome of claiming an external event id.
type ClaimResult string

const (
	// ClaimAcquired means the caller owns the event and must process it.
	ClaimAcquired ClaimResult = "acquired"
	// ClaimCompleted means a previous delivery already finished processing.
	ClaimCompleted ClaimResult = "completed"
	// ClaimInFlight means another delivery holds a live lease on the event.
	ClaimInFlight ClaimResult = "in_flight"
)

// EventStore records external event ids so redelivered events trigger at
// most one run.
type EventStore interface {
	// ClaimEvent records eventID as processing. A processing claim older than
	// lease may be taken over, which covers workers that died mid-run.
	ClaimEvent(ctx context.Context, eventID, workflowID string, lease time.Duration) (ClaimResult, error)
	CompleteEvent(ctx context.Context, eventID, executionID string) error
	// ReleaseEvent drops a processing claim so a retry can acquire it.
	ReleaseEvent(ctx context.Context, eventID string) error
}

// TenantStore resolves tenants for authentication.
type TenantStore interface {
	GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error)
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
}

// ContactStore persists contacts and their lead fields.
type ContactStore interface {
	GetContact(ctx context.Context, tenantID, id string) (*models.Contact, error)
	UpsertContact(ctx context.Context, contact *models.Contact) error
	// UpdateContactFields merges tags and overwrites non-empty status and
	// stage, creating the contact when it does not exist yet.
	UpdateContactFields(ctx context.Context, tenantID, id string, fields models.ContactFields) (*models.Contact, error)
}

// KnowledgeChunk is one embedded passage of a knowledge base.
type KnowledgeChunk struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenantId"`
	KnowledgeBaseID string    `json:"knowledgeBaseId"`
	Content         string    `json:"content"`
	Embedding       []float32 `json:"-"`
}

// KnowledgeStore stores embedded passages and searches them by similarity.
// Knowledge bases belong to a tenant.
type KnowledgeStore interface {
	SaveChunk(ctx context.Context, chunk *KnowledgeChunk) error
	// SearchChunks returns up to limit of the tenant's chunks ordered by
	// cosine distance.
	SearchChunks(ctx context.Context, tenantID, knowledgeBaseID string, embedding []float32, limit int) ([]*KnowledgeChunk, error)
}

// Repository aggregates every store the service needs.
type Repository interface {
	WorkflowStore
	ExecutionStore
	MemoryStore
	EventStore
	TenantStore
	ContactStore
	KnowledgeStore
	Ping(ctx context.Context) error
}

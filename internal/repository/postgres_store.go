package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"aerostic/backend/internal/fault"
	"aerostic/backend/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is a PostgreSQL implementation of the Repository interface.
type PostgresStore struct {
	db *pgxpool.Pool
}

var _ Repository = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Pool exposes the underlying pool for collaborators sharing the database.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.db
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

const workflowColumns = "id, tenant_id, name, description, nodes, edges, is_active, created_at, updated_at"

// CreateWorkflow inserts a workflow, assigning an id when empty.
func (s *PostgresStore) CreateWorkflow(ctx context.Context, w *models.Workflow) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now

	nodes, edges, err := marshalGraph(w)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		"INSERT INTO workflows ("+workflowColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		w.ID, w.TenantID, w.Name, w.Description, nodes, edges, w.IsActive, w.CreatedAt, w.UpdatedAt)
	return err
}

// UpdateWorkflow replaces a workflow definition.
func (s *PostgresStore) UpdateWorkflow(ctx context.Context, w *models.Workflow) error {
	w.UpdatedAt = time.Now().UTC()
	nodes, edges, err := marshalGraph(w)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx,
		"UPDATE workflows SET name = $1, description = $2, nodes = $3, edges = $4, is_active = $5, updated_at = $6 WHERE id = $7 AND tenant_id = $8",
		w.Name, w.Description, nodes, edges, w.IsActive, w.UpdatedAt, w.ID, w.TenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.ErrNotFound
	}
	return nil
}

// GetWorkflow retrieves a tenant's workflow by id.
func (s *PostgresStore) GetWorkflow(ctx context.Context, tenantID, id string) (*models.Workflow, error) {
	row := s.db.QueryRow(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE id = $1 AND tenant_id = $2", id, tenantID)
	return scanWorkflow(row)
}

// GetWorkflowByID retrieves a workflow regardless of tenant.
func (s *PostgresStore) GetWorkflowByID(ctx context.Context, id string) (*models.Workflow, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fault.ErrNotFound
	}
	row := s.db.QueryRow(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE id = $1", id)
	return scanWorkflow(row)
}

// ListWorkflows returns all workflows of a tenant.
func (s *PostgresStore) ListWorkflows(ctx context.Context, tenantID string) ([]*models.Workflow, error) {
	return s.queryWorkflows(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE tenant_id = $1 ORDER BY created_at", tenantID)
}

// ListActiveWorkflows returns the tenant's workflows that accept triggers.
func (s *PostgresStore) ListActiveWorkflows(ctx context.Context, tenantID string) ([]*models.Workflow, error) {
	return s.queryWorkflows(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE tenant_id = $1 AND is_active ORDER BY created_at", tenantID)
}

// DeleteWorkflow removes a workflow and, by cascade, its executions.
func (s *PostgresStore) DeleteWorkflow(ctx context.Context, tenantID, id string) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM workflows WHERE id = $1 AND tenant_id = $2", id, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) queryWorkflows(ctx context.Context, sql string, args ...any) ([]*models.Workflow, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	return workflows, rows.Err()
}

func scanWorkflow(row pgx.Row) (*models.Workflow, error) {
	var w models.Workflow
	var nodes, edges []byte
	err := row.Scan(&w.ID, &w.TenantID, &w.Name, &w.Description, &nodes, &edges, &w.IsActive, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal(nodes, &w.Nodes); err != nil {
		return nil, fmt.Errorf("failed to decode nodes of workflow %s: %w", w.ID, err)
	}
	if err := json.Unmarshal(edges, &w.Edges); err != nil {
		return nil, fmt.Errorf("failed to decode edges of workflow %s: %w", w.ID, err)
	}
	return &w, nil
}

func marshalGraph(w *models.Workflow) ([]byte, []byte, error) {
	nodes := w.Nodes
	if nodes == nil {
		nodes = []models.Node{}
	}
	edges := w.Edges
	if edges == nil {
		edges = []models.Edge{}
	}
	n, err := json.Marshal(nodes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal nodes: %w", err)
	}
	e, err := json.Marshal(edges)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal edges: %w", err)
	}
	return n, e, nil
}

const executionColumns = "id, workflow_id, tenant_id, status, trigger_source, context, error, started_at, completed_at"

// CreateExecution inserts a new execution row.
func (s *PostgresStore) CreateExecution(ctx context.Context, e *models.WorkflowExecution) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	doc, err := marshalJSON(e.Context)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		"INSERT INTO workflow_executions ("+executionColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		e.ID, e.WorkflowID, e.TenantID, e.Status, e.TriggerSource, doc, e.Error, e.StartedAt, e.CompletedAt)
	return err
}

// UpdateExecution persists status, context, error and completion time.
func (s *PostgresStore) UpdateExecution(ctx context.Context, e *models.WorkflowExecution) error {
	doc, err := marshalJSON(e.Context)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		"UPDATE workflow_executions SET status = $1, context = $2, error = $3, completed_at = $4 WHERE id = $5",
		e.Status, doc, e.Error, e.CompletedAt, e.ID)
	return err
}

// GetExecution retrieves a tenant's execution by id.
func (s *PostgresStore) GetExecution(ctx context.Context, tenantID, id string) (*models.WorkflowExecution, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fault.ErrNotFound
	}
	row := s.db.QueryRow(ctx, "SELECT "+executionColumns+" FROM workflow_executions WHERE id = $1 AND tenant_id = $2", id, tenantID)
	return scanExecution(row)
}

// ListExecutions returns the most recent runs of a workflow.
func (s *PostgresStore) ListExecutions(ctx context.Context, tenantID, workflowID string, limit int) ([]*models.WorkflowExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		"SELECT "+executionColumns+" FROM workflow_executions WHERE tenant_id = $1 AND workflow_id = $2 ORDER BY started_at DESC LIMIT $3",
		tenantID, workflowID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*models.WorkflowExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

func scanExecution(row pgx.Row) (*models.WorkflowExecution, error) {
	var e models.WorkflowExecution
	var doc []byte
	err := row.Scan(&e.ID, &e.WorkflowID, &e.TenantID, &e.Status, &e.TriggerSource, &doc, &e.Error, &e.StartedAt, &e.CompletedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &e.Context); err != nil {
			return nil, fmt.Errorf("failed to decode context of execution %s: %w", e.ID, err)
		}
	}
	return &e, nil
}

// AppendLog inserts a started log entry.
func (s *PostgresStore) AppendLog(ctx context.Context, l *models.WorkflowExecutionLog) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	input, err := marshalJSON(l.Input)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		"INSERT INTO workflow_execution_logs (id, execution_id, sequence, node_id, node_type, status, input, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		l.ID, l.ExecutionID, l.Sequence, l.NodeID, l.NodeType, l.Status, input, l.CreatedAt)
	return err
}

// FinishLog records the outcome of a started entry.
func (s *PostgresStore) FinishLog(ctx context.Context, l *models.WorkflowExecutionLog) error {
	output, err := marshalJSON(l.Output)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		"UPDATE workflow_execution_logs SET status = $1, output = $2, error = $3, duration_ms = $4 WHERE id = $5 AND status = $6",
		l.Status, output, l.Error, l.DurationMS, l.ID, models.LogStarted)
	return err
}

// ListLogs returns an execution's log trail in visit order.
func (s *PostgresStore) ListLogs(ctx context.Context, executionID string) ([]*models.WorkflowExecutionLog, error) {
	rows, err := s.db.Query(ctx,
		"SELECT id, execution_id, sequence, node_id, node_type, status, input, output, error, duration_ms, created_at FROM workflow_execution_logs WHERE execution_id = $1 ORDER BY sequence",
		executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*models.WorkflowExecutionLog
	for rows.Next() {
		var l models.WorkflowExecutionLog
		var input, output []byte
		if err := rows.Scan(&l.ID, &l.ExecutionID, &l.Sequence, &l.NodeID, &l.NodeType, &l.Status, &input, &output, &l.Error, &l.DurationMS, &l.CreatedAt); err != nil {
			return nil, err
		}
		if len(input) > 0 {
			_ = json.Unmarshal(input, &l.Input)
		}
		if len(output) > 0 {
			_ = json.Unmarshal(output, &l.Output)
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// GetMemory reads one memory slot.
func (s *PostgresStore) GetMemory(ctx context.Context, tenantID, contactID, key string) (*models.WorkflowMemory, error) {
	m := models.WorkflowMemory{TenantID: tenantID, ContactID: contactID, Key: key}
	var value []byte
	err := s.db.QueryRow(ctx,
		"SELECT value, updated_at FROM workflow_memory WHERE tenant_id = $1 AND contact_id = $2 AND key = $3",
		tenantID, contactID, key).Scan(&value, &m.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if len(value) > 0 {
		if err := json.Unmarshal(value, &m.Value); err != nil {
			return nil, fmt.Errorf("failed to decode memory %s: %w", key, err)
		}
	}
	return &m, nil
}

// UpsertMemory writes a slot in a single statement so concurrent runs never
// observe a half-applied read-then-write.
func (s *PostgresStore) UpsertMemory(ctx context.Context, m *models.WorkflowMemory) error {
	value, err := json.Marshal(m.Value)
	if err != nil {
		return fmt.Errorf("failed to marshal memory value: %w", err)
	}
	m.UpdatedAt = time.Now().UTC()
	_, err = s.db.Exec(ctx,
		`INSERT INTO workflow_memory (tenant_id, contact_id, key, value, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant_id, contact_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		m.TenantID, m.ContactID, m.Key, value, m.UpdatedAt)
	return err
}

// DeleteMemory removes a slot. Deleting an empty slot is not an error.
func (s *PostgresStore) DeleteMemory(ctx context.Context, tenantID, contactID, key string) error {
	_, err := s.db.Exec(ctx, "DELETE FROM workflow_memory WHERE tenant_id = $1 AND contact_id = $2 AND key = $3", tenantID, contactID, key)
	return err
}

// ListMemory returns every slot of a contact.
func (s *PostgresStore) ListMemory(ctx context.Context, tenantID, contactID string) ([]*models.WorkflowMemory, error) {
	rows, err := s.db.Query(ctx,
		"SELECT key, value, updated_at FROM workflow_memory WHERE tenant_id = $1 AND contact_id = $2 ORDER BY key",
		tenantID, contactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.WorkflowMemory
	for rows.Next() {
		m := models.WorkflowMemory{TenantID: tenantID, ContactID: contactID}
		var value []byte
		if err := rows.Scan(&m.Key, &value, &m.UpdatedAt); err != nil {
			return nil, err
		}
		if len(value) > 0 {
			_ = json.Unmarshal(value, &m.Value)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// ClaimEvent records an event id as processing unless it is already
// completed or leased by a live delivery.
func (s *PostgresStore) ClaimEvent(ctx context.Context, eventID, workflowID string, lease time.Duration) (ClaimResult, error) {
	var status string
	err := s.db.QueryRow(ctx,
		`INSERT INTO workflow_trigger_events (event_id, workflow_id, status, updated_at) VALUES ($1, $2, 'processing', now())
		 ON CONFLICT (event_id) DO UPDATE SET updated_at = now()
		 WHERE workflow_trigger_events.status = 'processing'
		   AND workflow_trigger_events.updated_at < now() - make_interval(secs => $3)
		 RETURNING status`,
		eventID, workflowID, lease.Seconds()).Scan(&status)
	if err == nil {
		return ClaimAcquired, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}

	if err := s.db.QueryRow(ctx, "SELECT status FROM workflow_trigger_events WHERE event_id = $1", eventID).Scan(&status); err != nil {
		return "", err
	}
	if status == "completed" {
		return ClaimCompleted, nil
	}
	return ClaimInFlight, nil
}

// CompleteEvent marks an event as fully processed.
func (s *PostgresStore) CompleteEvent(ctx context.Context, eventID, executionID string) error {
	_, err := s.db.Exec(ctx,
		"UPDATE workflow_trigger_events SET status = 'completed', execution_id = NULLIF($2, ''), updated_at = now() WHERE event_id = $1",
		eventID, executionID)
	return err
}

// ReleaseEvent drops a processing claim.
func (s *PostgresStore) ReleaseEvent(ctx context.Context, eventID string) error {
	_, err := s.db.Exec(ctx, "DELETE FROM workflow_trigger_events WHERE event_id = $1 AND status = 'processing'", eventID)
	return err
}

// GetTenantByDomain looks up a tenant by its email domain.
func (s *PostgresStore) GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	var t models.Tenant
	err := s.db.QueryRow(ctx, "SELECT id, name, domain, created_at, updated_at FROM tenants WHERE domain = $1", domain).
		Scan(&t.ID, &t.Name, &t.Domain, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// CreateTenant inserts a tenant, assigning an id when empty.
func (s *PostgresStore) CreateTenant(ctx context.Context, t *models.Tenant) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := s.db.Exec(ctx, "INSERT INTO tenants (id, name, domain, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)",
		t.ID, t.Name, t.Domain, t.CreatedAt, t.UpdatedAt)
	return err
}

func marshalJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	return b, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fault.ErrNotFound
	}
	return err
}

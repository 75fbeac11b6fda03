package repository

import (
	"context"
	"encoding/json"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"aerostic/backend/internal/fault"
	"aerostic/backend/pkg/models"
)

// InMemoryStore is a process-local Repository used by the local run command
// and by tests. Stored documents are deep copies, so callers may keep
// mutating what they passed in.
type InMemoryStore struct {
	mu         sync.RWMutex
	tenants    map[string]*models.Tenant
	workflows  map[string]*models.Workflow
	executions map[string]*models.WorkflowExecution
	logs       map[string][]*models.WorkflowExecutionLog
	memory     map[memoryKey]*models.WorkflowMemory
	events     map[string]*eventRecord
	contacts   map[memoryKey]*models.Contact
	chunks     []*KnowledgeChunk
	now        func() time.Time
}

type memoryKey struct {
	tenantID, contactID, key string
}

type eventRecord struct {
	status      string
	executionID string
	updatedAt   time.Time
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tenants:    make(map[string]*models.Tenant),
		workflows:  make(map[string]*models.Workflow),
		executions: make(map[string]*models.WorkflowExecution),
		logs:       make(map[string][]*models.WorkflowExecutionLog),
		memory:     make(map[memoryKey]*models.WorkflowMemory),
		events:     make(map[string]*eventRecord),
		contacts:   make(map[memoryKey]*models.Contact),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

var _ Repository = (*InMemoryStore)(nil)

// Ping always succeeds.
func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) CreateWorkflow(_ context.Context, w *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	w.CreatedAt, w.UpdatedAt = s.now(), s.now()
	s.workflows[w.ID] = clone(w)
	return nil
}

func (s *InMemoryStore) UpdateWorkflow(_ context.Context, w *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.workflows[w.ID]
	if !ok || existing.TenantID != w.TenantID {
		return fault.ErrNotFound
	}
	w.CreatedAt = existing.CreatedAt
	w.UpdatedAt = s.now()
	s.workflows[w.ID] = clone(w)
	return nil
}

func (s *InMemoryStore) GetWorkflow(_ context.Context, tenantID, id string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok || w.TenantID != tenantID {
		return nil, fault.ErrNotFound
	}
	return clone(w), nil
}

func (s *InMemoryStore) GetWorkflowByID(_ context.Context, id string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, fault.ErrNotFound
	}
	return clone(w), nil
}

func (s *InMemoryStore) ListWorkflows(_ context.Context, tenantID string) ([]*models.Workflow, error) {
	return s.listWorkflows(tenantID, false), nil
}

func (s *InMemoryStore) ListActiveWorkflows(_ context.Context, tenantID string) ([]*models.Workflow, error) {
	return s.listWorkflows(tenantID, true), nil
}

func (s *InMemoryStore) listWorkflows(tenantID string, activeOnly bool) []*models.Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Workflow
	for _, w := range s.workflows {
		if w.TenantID != tenantID || (activeOnly && !w.IsActive) {
			continue
		}
		out = append(out, clone(w))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *InMemoryStore) DeleteWorkflow(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok || w.TenantID != tenantID {
		return fault.ErrNotFound
	}
	delete(s.workflows, id)
	for execID, e := range s.executions {
		if e.WorkflowID == id {
			delete(s.executions, execID)
			delete(s.logs, execID)
		}
	}
	return nil
}

func (s *InMemoryStore) CreateExecution(_ context.Context, e *models.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	s.executions[e.ID] = clone(e)
	return nil
}

func (s *InMemoryStore) UpdateExecution(_ context.Context, e *models.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.ID]; !ok {
		return fault.ErrNotFound
	}
	s.executions[e.ID] = clone(e)
	return nil
}

func (s *InMemoryStore) GetExecution(_ context.Context, tenantID, id string) (*models.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok || e.TenantID != tenantID {
		return nil, fault.ErrNotFound
	}
	return clone(e), nil
}

func (s *InMemoryStore) ListExecutions(_ context.Context, tenantID, workflowID string, limit int) ([]*models.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.WorkflowExecution
	for _, e := range s.executions {
		if e.TenantID == tenantID && e.WorkflowID == workflowID {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Executions returns every stored execution regardless of tenant.
func (s *InMemoryStore) Executions() []*models.WorkflowExecution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.WorkflowExecution, 0, len(s.executions))
	for _, e := range s.executions {
		out = append(out, clone(e))
	}
	return out
}

func (s *InMemoryStore) AppendLog(_ context.Context, l *models.WorkflowExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now()
	}
	s.logs[l.ExecutionID] = append(s.logs[l.ExecutionID], clone(l))
	return nil
}

func (s *InMemoryStore) FinishLog(_ context.Context, l *models.WorkflowExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.logs[l.ExecutionID] {
		if existing.ID == l.ID {
			if existing.Status != models.LogStarted {
				return nil
			}
			s.logs[l.ExecutionID][i] = clone(l)
			return nil
		}
	}
	return fault.ErrNotFound
}

func (s *InMemoryStore) ListLogs(_ context.Context, executionID string) ([]*models.WorkflowExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.WorkflowExecutionLog, 0, len(s.logs[executionID]))
	for _, l := range s.logs[executionID] {
		out = append(out, clone(l))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *InMemoryStore) GetMemory(_ context.Context, tenantID, contactID, key string) (*models.WorkflowMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memory[memoryKey{tenantID, contactID, key}]
	if !ok {
		return nil, fault.ErrNotFound
	}
	return clone(m), nil
}

func (s *InMemoryStore) UpsertMemory(_ context.Context, m *models.WorkflowMemory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.UpdatedAt = s.now()
	s.memory[memoryKey{m.TenantID, m.ContactID, m.Key}] = clone(m)
	return nil
}

func (s *InMemoryStore) DeleteMemory(_ context.Context, tenantID, contactID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memory, memoryKey{tenantID, contactID, key})
	return nil
}

func (s *InMemoryStore) ListMemory(_ context.Context, tenantID, contactID string) ([]*models.WorkflowMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.WorkflowMemory
	for k, m := range s.memory {
		if k.tenantID == tenantID && k.contactID == contactID {
			out = append(out, clone(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *InMemoryStore) ClaimEvent(_ context.Context, eventID, _ string, lease time.Duration) (ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.events[eventID]
	switch {
	case !ok:
		s.events[eventID] = &eventRecord{status: "processing", updatedAt: s.now()}
		return ClaimAcquired, nil
	case rec.status == "completed":
		return ClaimCompleted, nil
	case s.now().Sub(rec.updatedAt) > lease:
		rec.updatedAt = s.now()
		return ClaimAcquired, nil
	}
	return ClaimInFlight, nil
}

func (s *InMemoryStore) CompleteEvent(_ context.Context, eventID, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[eventID] = &eventRecord{status: "completed", executionID: executionID, updatedAt: s.now()}
	return nil
}

func (s *InMemoryStore) ReleaseEvent(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.events[eventID]; ok && rec.status == "processing" {
		delete(s.events, eventID)
	}
	return nil
}

func (s *InMemoryStore) GetTenantByDomain(_ context.Context, domain string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if t.Domain == domain {
			c := *t
			return &c, nil
		}
	}
	return nil, fault.ErrNotFound
}

func (s *InMemoryStore) CreateTenant(_ context.Context, t *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CreatedAt, t.UpdatedAt = s.now(), s.now()
	c := *t
	s.tenants[t.ID] = &c
	return nil
}

func (s *InMemoryStore) GetContact(_ context.Context, tenantID, id string) (*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[memoryKey{tenantID: tenantID, contactID: id}]
	if !ok {
		return nil, fault.ErrNotFound
	}
	return clone(c), nil
}

func (s *InMemoryStore) UpsertContact(_ context.Context, c *models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = models.LeadStatusNew
	}
	c.UpdatedAt = s.now()
	s.contacts[memoryKey{tenantID: c.TenantID, contactID: c.ID}] = clone(c)
	return nil
}

func (s *InMemoryStore) UpdateContactFields(_ context.Context, tenantID, id string, fields models.ContactFields) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memoryKey{tenantID: tenantID, contactID: id}
	c, ok := s.contacts[k]
	if !ok {
		c = &models.Contact{ID: id, TenantID: tenantID, Status: models.LeadStatusNew}
		s.contacts[k] = c
	}
	for _, tag := range fields.Tags {
		if !slices.Contains(c.Tags, tag) {
			c.Tags = append(c.Tags, tag)
		}
	}
	slices.Sort(c.Tags)
	if fields.Status != "" {
		c.Status = fields.Status
	}
	if fields.Stage != "" {
		c.Stage = fields.Stage
	}
	c.UpdatedAt = s.now()
	return clone(c), nil
}

func (s *InMemoryStore) SaveChunk(_ context.Context, c *KnowledgeChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	cp := *c
	cp.Embedding = slices.Clone(c.Embedding)
	s.chunks = append(s.chunks, &cp)
	return nil
}

func (s *InMemoryStore) SearchChunks(_ context.Context, tenantID, knowledgeBaseID string, embedding []float32, limit int) ([]*KnowledgeChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type scored struct {
		chunk    *KnowledgeChunk
		distance float64
	}
	var candidates []scored
	for _, c := range s.chunks {
		if c.TenantID == tenantID && c.KnowledgeBaseID == knowledgeBaseID {
			candidates = append(candidates, scored{c, cosineDistance(c.Embedding, embedding)})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].distance < candidates[j].distance })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]*KnowledgeChunk, 0, len(candidates))
	for _, sc := range candidates {
		cp := *sc.chunk
		out = append(out, &cp)
	}
	return out, nil
}

func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := 0; i < len(a) && i < len(b); i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// clone deep-copies v through its JSON form, which is also what the
// Postgres store persists.
func clone[T any](v *T) *T {
	b, err := json.Marshal(v)
	if err != nil {
		c := *v
		return &c
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		c := *v
		return &c
	}
	return &out
}

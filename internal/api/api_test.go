package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aerostic/backend/internal/auth"
	"aerostic/backend/internal/engine"
	"aerostic/backend/internal/executors"
	"aerostic/backend/internal/logging"
	"aerostic/backend/internal/queue"
	"aerostic/backend/internal/repository"
	"aerostic/backend/internal/services"
	"aerostic/backend/internal/trigger"
	"aerostic/backend/pkg/models"
)

const testTenant = "tenant-1"

type captureSender struct {
	mu sync.Mutex
	to []string
}

func (s *captureSender) Send(_ context.Context, msg services.OutboundMessage) (*services.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.to = append(s.to, msg.To)
	return &services.SendResult{Sent: true, ID: "m1"}, nil
}

type captureQueue struct {
	mu   sync.Mutex
	jobs []*queue.Job
}

func (q *captureQueue) Enqueue(_ context.Context, name string, payload any, opts queue.Options) (*queue.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	job := &queue.Job{ID: opts.JobID, Name: name, Payload: raw}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return job, nil
}

func (q *captureQueue) Handle(string, queue.Handler) {}
func (q *captureQueue) Run(context.Context) error  { return nil }
func (q *captureQueue) Close() error                { return nil }

type knowledgeStub struct{}

func (knowledgeStub) AddChunk(_ context.Context, tenantID, kbID, content string) (*repository.KnowledgeChunk, error) {
	return &repository.KnowledgeChunk{ID: "chunk-1", TenantID: tenantID, KnowledgeBaseID: kbID, Content: content}, nil
}

type testServer struct {
	echo     *echo.Echo
	store    *repository.InMemoryStore
	sender   *captureSender
	queue    *captureQueue
	triggers *trigger.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := repository.NewInMemoryStore()
	sender := &captureSender{}
	broker := services.NewLocalProgressBroker()
	registry := executors.NewRegistry(executors.Dependencies{Messenger: sender, Memory: store})
	runner := engine.NewRunner(store, registry, broker, logging.NewNop(), engine.Options{})
	q := &captureQueue{}
	triggers, err := trigger.NewService(store, runner, q, logging.NewNop(), trigger.Options{PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(triggers.Close)

	e := echo.New()
	withTenant := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(auth.WithTenant(c.Request().Context(), testTenant)))
			return next(c)
		}
	}
	NewServer(store, triggers, logging.NewNop(), WithProgress(broker), WithKnowledge(knowledgeStub{})).Register(e, withTenant)
	return &testServer{echo: e, store: store, sender: sender, queue: q, triggers: triggers}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

const greetingWorkflow = `{
  "name": "Greeting",
  "isActive": true,
  "nodes": [
    {"id": "start", "type": "trigger", "data": {"triggerType": "new_message"}},
    {"id": "check", "type": "condition", "data": {"operator": "contains", "keyword": "hello"}},
    {"id": "hi", "type": "action", "data": {"message": "Hi {{contact.name}}"}},
    {"id": "bye", "type": "action", "data": {"message": "Sorry?"}}
  ],
  "edges": [
    {"source": "start", "target": "check"},
    {"source": "check", "target": "hi", "sourceHandle": "true"},
    {"source": "check", "target": "bye", "sourceHandle": "false"}
  ]
}`

func (s *testServer) createWorkflow(t *testing.T, body string) models.Workflow {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/workflows", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var wf models.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wf))
	return wf
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, Version, status.Version)
}

func TestWorkflowCRUD(t *testing.T) {
	s := newTestServer(t)
	wf := s.createWorkflow(t, greetingWorkflow)
	assert.NotEmpty(t, wf.ID)
	assert.Equal(t, testTenant, wf.TenantID)

	rec := s.do(t, http.MethodGet, "/api/v1/workflows", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	updated := strings.Replace(greetingWorkflow, `"Greeting"`, `"Greeting v2"`, 1)
	rec = s.do(t, http.MethodPut, "/api/v1/workflows/"+wf.ID, updated)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/v1/workflows/"+wf.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Greeting v2", got.Name)

	rec = s.do(t, http.MethodDelete, "/api/v1/workflows/"+wf.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/workflows/"+wf.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))
}

func TestCreateWorkflowRejectsInvalidGraphs(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"cycle", `{"name":"loop","nodes":[{"id":"a","type":"trigger"},{"id":"b","type":"action"}],"edges":[{"source":"a","target":"b"},{"source":"b","target":"a"}]}`},
		{"no trigger", `{"name":"orphan","nodes":[{"id":"a","type":"action"}]}`},
		{"dangling edge", `{"name":"dangling","nodes":[{"id":"a","type":"trigger"}],"edges":[{"source":"a","target":"ghost"}]}`},
		{"no name", `{"nodes":[{"id":"a","type":"trigger"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/v1/workflows", tt.body)
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
		})
	}
}

func TestExecuteWorkflowAndInspect(t *testing.T) {
	s := newTestServer(t)
	wf := s.createWorkflow(t, greetingWorkflow)

	body := `{"data":{"note":"from editor"}}`
	rec := s.do(t, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/execute", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var exec models.WorkflowExecution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exec))

	// No message body and no contact: the false branch fails to find a destination.
	assert.Equal(t, models.ExecutionFailed, exec.Status)
	require.NotNil(t, exec.Error)

	rec = s.do(t, http.MethodGet, "/api/v1/executions/"+exec.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		ID   string                         `json:"id"`
		Logs []*models.WorkflowExecutionLog `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, exec.ID, detail.ID)
	require.Len(t, detail.Logs, 3)
	assert.Equal(t, "bye", detail.Logs[2].NodeID)
	assert.Equal(t, models.LogFailed, detail.Logs[2].Status)

	rec = s.do(t, http.MethodGet, "/api/v1/workflows/"+wf.ID+"/executions?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var execs []models.WorkflowExecution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &execs))
	assert.Len(t, execs, 1)

	rec = s.do(t, http.MethodGet, "/api/v1/workflows/"+wf.ID+"/executions?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/workflows/missing/execute", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReceiveMessage(t *testing.T) {
	s := newTestServer(t)
	s.createWorkflow(t, greetingWorkflow)

	body := `{"type":"new_message","tenantId":"someone-else","contact":{"id":"c1","name":"Ana","phone":"+1555"},"message":{"body":"Hello there"}}`
	rec := s.do(t, http.MethodPost, "/api/v1/events/messages", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"matched":1}`, rec.Body.String())

	s.triggers.Close()
	assert.Equal(t, []string{"+1555"}, s.sender.to)
}

func TestBroadcastWorkflow(t *testing.T) {
	s := newTestServer(t)
	wf := s.createWorkflow(t, `{
	  "name": "Promo", "isActive": true,
	  "nodes": [{"id": "start", "type": "broadcast_trigger"}, {"id": "send", "type": "action", "data": {"message": "Sale!"}}],
	  "edges": [{"source": "start", "target": "send"}]
	}`)

	rec := s.do(t, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/broadcast", `{"recipients":[{"contactId":"c1","phone":"+1"},{"contactId":"c2","phone":"+2"}]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"dispatched":2}`, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/broadcast", `{"recipients":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.triggers.Close()
	assert.ElementsMatch(t, []string{"+1", "+2"}, s.sender.to)
}

func TestReceiveWebhook(t *testing.T) {
	s := newTestServer(t)
	wf := s.createWorkflow(t, greetingWorkflow)

	rec := s.do(t, http.MethodPost, "/automation/webhooks/"+wf.ID+"?source=shop", `{"order":42}`,
		"Idempotency-Key", "evt-9", "Authorization", "Bearer secret")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"eventId":"evt-9"}`, rec.Body.String())

	require.Len(t, s.queue.jobs, 1)
	job := s.queue.jobs[0]
	assert.Equal(t, "evt-9", job.ID)
	assert.Equal(t, trigger.JobWebhook, job.Name)

	var payload trigger.WebhookJob
	require.NoError(t, job.Decode(&payload))
	assert.Equal(t, wf.ID, payload.WorkflowID)
	assert.Equal(t, testTenant, payload.TenantID)
	assert.Equal(t, map[string]any{"order": float64(42)}, payload.Body)
	assert.Equal(t, []string{"shop"}, payload.Query["source"])
	assert.NotContains(t, payload.Headers, "Authorization")

	rec = s.do(t, http.MethodPost, "/automation/webhooks/missing", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamEventsOfFinishedExecution(t *testing.T) {
	s := newTestServer(t)
	wf := s.createWorkflow(t, greetingWorkflow)
	exec, _ := s.triggers.RunManual(context.Background(), testTenant, wf.ID, map[string]any{"contactId": "c1"})
	require.NotNil(t, exec)

	rec := s.do(t, http.MethodGet, "/api/v1/executions/"+exec.ID+"/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))
	assert.Contains(t, rec.Body.String(), "event: execution.status\n")
	assert.Contains(t, rec.Body.String(), `"status":"`+string(exec.Status)+`"`)
}

// finishingStore completes the execution right after it is read, as if the
// run ended while the stream was starting.
type finishingStore struct {
	*repository.InMemoryStore
	broker *services.LocalProgressBroker
}

func (s *finishingStore) GetExecution(ctx context.Context, tenantID, id string) (*models.WorkflowExecution, error) {
	exec, err := s.InMemoryStore.GetExecution(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	s.broker.EmitExecutionEvent(ctx, id, engine.EventExecutionStatus, map[string]any{"status": string(models.ExecutionCompleted)})
	return exec, nil
}

func TestStreamEventsSeesCompletionDuringStartup(t *testing.T) {
	ctx := context.Background()
	broker := services.NewLocalProgressBroker()
	store := &finishingStore{InMemoryStore: repository.NewInMemoryStore(), broker: broker}
	exec := &models.WorkflowExecution{WorkflowID: "wf-1", TenantID: testTenant, Status: models.ExecutionRunning}
	require.NoError(t, store.CreateExecution(ctx, exec))

	e := echo.New()
	withTenant := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(auth.WithTenant(c.Request().Context(), testTenant)))
			return next(c)
		}
	}
	NewServer(store, nil, logging.NewNop(), WithProgress(broker)).Register(e, withTenant)

	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions/"+exec.ID+"/events", nil).WithContext(reqCtx)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.NoError(t, reqCtx.Err(), "stream must end on the terminal event")
	body := rec.Body.String()
	assert.Contains(t, body, `"status":"RUNNING"`)
	assert.Contains(t, body, `"status":"COMPLETED"`)
}

func TestStreamEventsUnknownExecution(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/v1/executions/missing/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddKnowledgeChunk(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/knowledge-bases/kb-1/chunks", `{"content":"Refunds take 5 days"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kb-1"`)
	assert.Contains(t, rec.Body.String(), `"tenantId":"`+testTenant+`"`)

	rec = s.do(t, http.MethodPost, "/api/v1/knowledge-bases/kb-1/chunks", `{"content":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDocs(t *testing.T) {
	e := echo.New()
	RegisterDocs(e, "https://issuer.example", "swagger-client")

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://issuer.example/v1/authorize")

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/docs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `clientId: "swagger-client"`)
	assert.Contains(t, rec.Body.String(), "automation:write")
}

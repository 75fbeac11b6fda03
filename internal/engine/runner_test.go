package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"aerostic/backend/internal/executors"
	"aerostic/backend/internal/fault"
	"aerostic/backend/internal/logging"
	"aerostic/backend/internal/repository"
	"aerostic/backend/internal/services"
	"aerostic/backend/pkg/models"
)

const tenant = "tenant-1"

type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, msg services.OutboundMessage) (*services.SendResult, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(*services.SendResult), args.Error(1)
}

type recordedEvent struct {
	executionID string
	name        string
	payload     map[string]any
}

type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (s *recordingSink) EmitExecutionEvent(_ context.Context, executionID, event string, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{executionID, event, payload})
}

func (s *recordingSink) statuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		if e.name == EventExecutionStatus {
			out = append(out, e.payload["status"].(string))
		}
	}
	return out
}

func n(t *testing.T, id string, typ models.NodeType, data any) models.Node {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return models.Node{ID: id, Type: typ, Data: raw}
}

type fixture struct {
	store  *repository.InMemoryStore
	sender *MockSender
	sink   *recordingSink
	runner *Runner
}

func newFixture(opts Options) *fixture {
	store := repository.NewInMemoryStore()
	sender := new(MockSender)
	sink := &recordingSink{}
	registry := executors.NewRegistry(executors.Dependencies{Messenger: sender, Memory: store})
	return &fixture{
		store:  store,
		sender: sender,
		sink:   sink,
		runner: NewRunner(store, registry, sink, logging.NewNop(), opts),
	}
}

func (f *fixture) workflow(t *testing.T, nodes []models.Node, edges []models.Edge) *models.Workflow {
	t.Helper()
	wf := &models.Workflow{TenantID: tenant, Name: t.Name(), IsActive: true, Nodes: nodes, Edges: edges}
	require.NoError(t, f.store.CreateWorkflow(context.Background(), wf))
	return wf
}

func messageEvent(body string) models.TriggerEvent {
	return models.TriggerEvent{
		Type:      "new_message",
		TenantID:  tenant,
		ContactID: "contact-1",
		Message:   &models.Message{From: "+15550001", Body: body},
	}
}

func logNodeIDs(t *testing.T, store *repository.InMemoryStore, executionID string) []string {
	t.Helper()
	logs, err := store.ListLogs(context.Background(), executionID)
	require.NoError(t, err)
	ids := make([]string, 0, len(logs))
	for _, l := range logs {
		ids = append(ids, l.NodeID)
	}
	return ids
}

func TestRunnerFollowsMatchingBranchOnly(t *testing.T) {
	f := newFixture(Options{})
	wf := f.workflow(t,
		[]models.Node{
			n(t, "trigger", models.NodeTypeTrigger, models.TriggerData{TriggerType: "new_message"}),
			n(t, "check", models.NodeTypeCondition, models.ConditionData{NodeHeader: models.NodeHeader{Variable: "route"}, Operator: "contains", Keyword: "refund"}),
			n(t, "refund", models.NodeTypeAction, models.ActionData{Message: "Refund for {{trigger.message.from}}"}),
			n(t, "other", models.NodeTypeAction, models.ActionData{Message: "How can we help?"}),
		},
		[]models.Edge{
			{Source: "trigger", Target: "check"},
			{Source: "check", Target: "refund", SourceHandle: "true"},
			{Source: "check", Target: "other", SourceHandle: "false"},
		},
	)
	f.sender.On("Send", mock.Anything, mock.MatchedBy(func(m services.OutboundMessage) bool {
		return m.Payload["text"] == "Refund for +15550001" && m.To == "+15550001"
	})).Return(&services.SendResult{Sent: true, ID: "msg-1"}, nil).Once()

	exec, err := f.runner.Execute(context.Background(), Request{
		WorkflowID: wf.ID, TenantID: tenant, Source: models.TriggerSourceMessage, Event: messageEvent("I want a REFUND please"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
	assert.NotNil(t, exec.CompletedAt)
	assert.Nil(t, exec.Error)

	assert.Equal(t, []string{"trigger", "check", "refund"}, logNodeIDs(t, f.store, exec.ID))
	f.sender.AssertExpectations(t)

	stored, err := f.store.GetExecution(context.Background(), tenant, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "true", stored.Context["route"].(map[string]any)["branch"])
	nodes := stored.Context["nodes"].(map[string]any)
	assert.Contains(t, nodes, "refund")
	assert.NotContains(t, nodes, "other")

	assert.Equal(t, []string{"PENDING", "RUNNING", "COMPLETED"}, f.sink.statuses())
}

func TestRunnerVisitsBranchesDepthFirstInEdgeOrder(t *testing.T) {
	f := newFixture(Options{})
	wf := f.workflow(t,
		[]models.Node{
			n(t, "t", models.NodeTypeManual, nil),
			n(t, "a", "note", nil),
			n(t, "a1", "note", nil),
			n(t, "b", "note", nil),
		},
		[]models.Edge{
			{Source: "t", Target: "a"},
			{Source: "t", Target: "b"},
			{Source: "a", Target: "a1"},
		},
	)

	exec, err := f.runner.Execute(context.Background(), Request{WorkflowID: wf.ID, TenantID: tenant, Source: models.TriggerSourceManual})
	require.NoError(t, err)
	assert.Equal(t, []string{"t", "a", "a1", "b"}, logNodeIDs(t, f.store, exec.ID))

	logs, err := f.store.ListLogs(context.Background(), exec.ID)
	require.NoError(t, err)
	for i, l := range logs {
		assert.Equal(t, i, l.Sequence)
		assert.Equal(t, models.LogCompleted, l.Status)
	}
	assert.Equal(t, map[string]any{"status": "skipped"}, logs[1].Output)
}

func TestRunnerMemoryPersistsAcrossRuns(t *testing.T) {
	f := newFixture(Options{})
	setter := f.workflow(t,
		[]models.Node{
			n(t, "t", models.NodeTypeTrigger, nil),
			n(t, "set", models.NodeTypeMemory, models.MemoryData{Operation: models.MemorySet, Key: "stage", Value: "qualified"}),
		},
		[]models.Edge{{Source: "t", Target: "set"}},
	)
	getter := f.workflow(t,
		[]models.Node{
			n(t, "t", models.NodeTypeTrigger, nil),
			n(t, "get", models.NodeTypeMemory, models.MemoryData{NodeHeader: models.NodeHeader{Variable: "stage"}, Operation: models.MemoryGet, Key: "stage"}),
		},
		[]models.Edge{{Source: "t", Target: "get"}},
	)

	ctx := context.Background()
	_, err := f.runner.Execute(ctx, Request{WorkflowID: setter.ID, TenantID: tenant, Source: models.TriggerSourceMessage, Event: messageEvent("hi")})
	require.NoError(t, err)

	exec, err := f.runner.Execute(ctx, Request{WorkflowID: getter.ID, TenantID: tenant, Source: models.TriggerSourceMessage, Event: messageEvent("again")})
	require.NoError(t, err)

	stored, err := f.store.GetExecution(ctx, tenant, exec.ID)
	require.NoError(t, err)
	got := stored.Context["stage"].(map[string]any)
	assert.Equal(t, true, got["found"])
	assert.Equal(t, "qualified", got["value"])
	assert.Equal(t, "qualified", stored.Context["memory"].(map[string]any)["stage"])
}

func TestRunnerRejectsCycleBeforeRunning(t *testing.T) {
	f := newFixture(Options{})
	wf := f.workflow(t,
		[]models.Node{
			n(t, "t", models.NodeTypeTrigger, nil),
			n(t, "a", models.NodeTypeAction, models.ActionData{Message: "loop"}),
			n(t, "b", models.NodeTypeAction, models.ActionData{Message: "loop"}),
		},
		[]models.Edge{{Source: "t", Target: "a"}, {Source: "a", Target: "b"}, {Source: "b", Target: "a"}},
	)

	exec, err := f.runner.Execute(context.Background(), Request{WorkflowID: wf.ID, TenantID: tenant, Source: models.TriggerSourceManual})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrCycleDetected))
	assert.True(t, fault.IsFatal(err))
	assert.False(t, fault.IsRetryable(err))

	require.NotNil(t, exec)
	assert.Equal(t, models.ExecutionFailed, exec.Status)
	assert.Empty(t, logNodeIDs(t, f.store, exec.ID))
	assert.Equal(t, []string{"PENDING", "FAILED"}, f.sink.statuses())
	f.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestRunnerMissingTriggerIsFatal(t *testing.T) {
	f := newFixture(Options{})
	wf := f.workflow(t, []models.Node{n(t, "a", models.NodeTypeAction, nil)}, nil)

	exec, err := f.runner.Execute(context.Background(), Request{WorkflowID: wf.ID, TenantID: tenant, Source: models.TriggerSourceManual})
	assert.True(t, errors.Is(err, fault.ErrTriggerNotFound))
	assert.Equal(t, models.ExecutionFailed, exec.Status)
}

func TestRunnerExecutorFailureFailsRun(t *testing.T) {
	f := newFixture(Options{})
	wf := f.workflow(t,
		[]models.Node{
			n(t, "t", models.NodeTypeManual, nil),
			n(t, "send", models.NodeTypeAction, models.ActionData{Message: "hello"}),
			n(t, "after", "note", nil),
		},
		[]models.Edge{{Source: "t", Target: "send"}, {Source: "send", Target: "after"}},
	)

	exec, err := f.runner.Execute(context.Background(), Request{WorkflowID: wf.ID, TenantID: tenant, Source: models.TriggerSourceManual})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrMissingDestination))
	assert.Equal(t, fault.KindExecutor, fault.KindOf(err))
	assert.Equal(t, models.ExecutionFailed, exec.Status)
	require.NotNil(t, exec.Error)

	logs, err := f.store.ListLogs(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, models.LogFailed, logs[1].Status)
	require.NotNil(t, logs[1].Error)
	assert.Contains(t, *logs[1].Error, "no destination")
}

func TestRunnerDepthLimit(t *testing.T) {
	nodes := func(t *testing.T) ([]models.Node, []models.Edge) {
		return []models.Node{
				n(t, "t", models.NodeTypeTrigger, nil),
				n(t, "n1", "note", nil),
				n(t, "n2", "note", nil),
				n(t, "n3", "note", nil),
			}, []models.Edge{
				{Source: "t", Target: "n1"},
				{Source: "n1", Target: "n2"},
				{Source: "n2", Target: "n3"},
			}
	}

	t.Run("truncation completes by default", func(t *testing.T) {
		f := newFixture(Options{MaxDepth: 2})
		ns, es := nodes(t)
		wf := f.workflow(t, ns, es)
		exec, err := f.runner.Execute(context.Background(), Request{WorkflowID: wf.ID, TenantID: tenant, Source: models.TriggerSourceManual})
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionCompleted, exec.Status)
		assert.Equal(t, []string{"t", "n1", "n2"}, logNodeIDs(t, f.store, exec.ID))
	})

	t.Run("truncation can be reported as partial", func(t *testing.T) {
		f := newFixture(Options{MaxDepth: 2, PartialOnTruncation: true})
		ns, es := nodes(t)
		wf := f.workflow(t, ns, es)
		exec, err := f.runner.Execute(context.Background(), Request{WorkflowID: wf.ID, TenantID: tenant, Source: models.TriggerSourceManual})
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionPartial, exec.Status)
	})

	t.Run("graph within the limit is complete", func(t *testing.T) {
		f := newFixture(Options{MaxDepth: 3, PartialOnTruncation: true})
		ns, es := nodes(t)
		wf := f.workflow(t, ns, es)
		exec, err := f.runner.Execute(context.Background(), Request{WorkflowID: wf.ID, TenantID: tenant, Source: models.TriggerSourceManual})
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionCompleted, exec.Status)
	})
}

func TestRunnerInactiveAndUnknownWorkflows(t *testing.T) {
	f := newFixture(Options{})
	wf := f.workflow(t, []models.Node{n(t, "t", models.NodeTypeManual, nil)}, nil)
	wf.IsActive = false
	require.NoError(t, f.store.UpdateWorkflow(context.Background(), wf))

	_, err := f.runner.Execute(context.Background(), Request{WorkflowID: wf.ID, TenantID: tenant, Source: models.TriggerSourceMessage})
	assert.True(t, errors.Is(err, fault.ErrWorkflowInactive))
	assert.True(t, fault.IsFatal(err))
	assert.Empty(t, f.store.Executions())

	exec, err := f.runner.Execute(context.Background(), Request{WorkflowID: wf.ID, TenantID: tenant, Source: models.TriggerSourceManual, AllowInactive: true})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, exec.Status)

	_, err = f.runner.Execute(context.Background(), Request{WorkflowID: "missing", TenantID: tenant})
	assert.True(t, errors.Is(err, fault.ErrWorkflowNotFound))

	_, err = f.runner.Execute(context.Background(), Request{WorkflowID: wf.ID, TenantID: "someone-else"})
	assert.True(t, errors.Is(err, fault.ErrWorkflowNotFound))
}

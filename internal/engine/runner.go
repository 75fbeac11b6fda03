// Package engine runs workflow executions.
//
// A run moves PENDING -> RUNNING -> COMPLETED | FAILED | PARTIAL. The graph
// is walked depth-first from the trigger node with an explicit stack, so the
// traversal depth cap does not depend on the goroutine stack.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"aerostic/backend/internal/executors"
	"aerostic/backend/internal/fault"
	"aerostic/backend/internal/graph"
	"aerostic/backend/internal/logging"
	"aerostic/backend/internal/repository"
	"aerostic/backend/internal/services"
	"aerostic/backend/internal/variables"
	"aerostic/backend/pkg/models"
)

// DefaultMaxDepth bounds traversal when Options.MaxDepth is not set.
const DefaultMaxDepth = 50

// Progress event names.
const (
	EventExecutionStatus = "execution.status"
	EventNodeStarted     = "node.started"
	EventNodeCompleted   = "node.completed"
	EventNodeFailed      = "node.failed"
	EventNodeSkipped     = "node.skipped"
)

// Store is the persistence the runner needs.
type Store interface {
	repository.WorkflowStore
	repository.ExecutionStore
	repository.MemoryStore
}

// Options tunes the runner.
type Options struct {
	// MaxDepth is the deepest node level that is still executed below the
	// trigger. Deeper nodes are dropped with a warning.
	MaxDepth int
	// PartialOnTruncation marks runs that hit MaxDepth as PARTIAL instead of
	// COMPLETED.
	PartialOnTruncation bool
}

// Request asks for one run of a workflow.
type Request struct {
	WorkflowID string
	TenantID   string
	Source     models.TriggerSource
	Event      models.TriggerEvent
	// TriggerNodeID selects the entry node. When empty the first trigger
	// node matching Source is used.
	TriggerNodeID string
	// AllowInactive lets manual test runs start inactive workflows.
	AllowInactive bool
}

// Runner executes workflows.
type Runner struct {
	store    Store
	registry *executors.Registry
	progress services.ProgressSink
	logger   *logging.Logger
	opts     Options
	tracer   trace.Tracer
	metrics  *metrics
	now      func() time.Time
}

// NewRunner creates a Runner. A nil progress sink discards events.
func NewRunner(store Store, registry *executors.Registry, progress services.ProgressSink, logger *logging.Logger, opts Options) *Runner {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if progress == nil {
		progress = services.NopProgressSink{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{
		store:    store,
		registry: registry,
		progress: progress,
		logger:   logger,
		opts:     opts,
		tracer:   newTracer(),
		metrics:  newMetrics(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type frame struct {
	nodeID string
	depth  int
}

// Execute runs a workflow to a terminal state and returns the execution.
//
// Unknown or inactive workflows fail before an execution exists. Other
// authoring defects (cycles, dangling edges, no trigger) produce a FAILED
// execution that never reached RUNNING; node failures produce a FAILED
// execution with the failing node's log. In both cases the returned error is
// classified with package fault.
func (r *Runner) Execute(ctx context.Context, req Request) (*models.WorkflowExecution, error) {
	wf, err := r.store.GetWorkflow(ctx, req.TenantID, req.WorkflowID)
	if errors.Is(err, fault.ErrNotFound) {
		return nil, fault.Authoring("engine.Execute", fmt.Errorf("%w: %s", fault.ErrWorkflowNotFound, req.WorkflowID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", req.WorkflowID, err)
	}
	if !wf.IsActive && !req.AllowInactive {
		return nil, fault.Authoring("engine.Execute", fmt.Errorf("%w: %s", fault.ErrWorkflowInactive, wf.ID))
	}
	return r.run(ctx, wf, req)
}

func (r *Runner) run(ctx context.Context, wf *models.Workflow, req Request) (*models.WorkflowExecution, error) {
	exec := &models.WorkflowExecution{
		WorkflowID:    wf.ID,
		TenantID:      wf.TenantID,
		Status:        models.ExecutionPending,
		TriggerSource: req.Source,
		StartedAt:     r.now(),
	}
	doc := newContext(wf, req.Event)
	exec.Context = doc
	if err := r.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}
	doc[variables.KeyExecutionID] = exec.ID

	ctx, span := r.tracer.Start(ctx, "workflow.execute", trace.WithAttributes(
		attribute.String("workflow.id", wf.ID),
		attribute.String("execution.id", exec.ID),
		attribute.String("tenant.id", wf.TenantID),
		attribute.String("trigger.source", string(req.Source)),
	))
	defer span.End()

	logger := r.logger.With("execution_id", exec.ID, "workflow_id", wf.ID, "tenant_id", wf.TenantID)
	r.emitStatus(ctx, exec)

	trigger, err := prepare(wf, req)
	if err != nil {
		logger.Warn("Rejected workflow definition", "error", err)
		return r.finish(ctx, span, exec, err)
	}

	exec.Status = models.ExecutionRunning
	if err := r.store.UpdateExecution(ctx, exec); err != nil {
		return r.finish(ctx, span, exec, fmt.Errorf("failed to mark execution running: %w", err))
	}
	r.emitStatus(ctx, exec)

	if err := r.loadMemory(ctx, wf.TenantID, doc); err != nil {
		return r.finish(ctx, span, exec, err)
	}

	run := &executors.Run{
		ExecutionID: exec.ID,
		WorkflowID:  wf.ID,
		TenantID:    wf.TenantID,
		Context:     doc,
		Logger:      logger,
	}

	truncated := false
	seq := 0
	stack := []frame{{nodeID: trigger.ID}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.depth > r.opts.MaxDepth {
			truncated = true
			logger.Warn("Maximum traversal depth reached, not expanding further", "node_id", f.nodeID, "max_depth", r.opts.MaxDepth)
			continue
		}

		node, _ := wf.NodeByID(f.nodeID)
		result, err := r.visit(ctx, run, *node, seq)
		seq++
		if err != nil {
			return r.finish(ctx, span, exec, err)
		}

		next := nextEdges(wf.Edges, *node, result)
		for i := len(next) - 1; i >= 0; i-- {
			stack = append(stack, frame{nodeID: next[i].Target, depth: f.depth + 1})
		}
	}

	if truncated && r.opts.PartialOnTruncation {
		exec.Status = models.ExecutionPartial
	} else {
		exec.Status = models.ExecutionCompleted
	}
	return r.finish(ctx, span, exec, nil)
}

// prepare validates the graph and locates the trigger node.
func prepare(wf *models.Workflow, req Request) (*models.Node, error) {
	if err := graph.Validate(wf); err != nil {
		return nil, err
	}
	if req.TriggerNodeID != "" {
		return graph.TriggerByID(wf, req.TriggerNodeID)
	}
	return graph.FindTrigger(wf, entryTypes[req.Source]...)
}

// entryTypes lists the trigger node types each source starts from.
var entryTypes = map[models.TriggerSource][]models.NodeType{
	models.TriggerSourceWebhook:   {models.NodeTypeWebhook},
	models.TriggerSourceMessage:   {models.NodeTypeTrigger},
	models.TriggerSourceManual:    {models.NodeTypeManual},
	models.TriggerSourceBroadcast: {models.NodeTypeBroadcastTrigger},
}

// nextEdges returns the edges to follow after node. Condition nodes only
// follow edges labelled with their branch, plus unlabelled ones.
func nextEdges(edges []models.Edge, node models.Node, result map[string]any) []models.Edge {
	out := graph.Outgoing(edges, node.ID)
	if node.Type != models.NodeTypeCondition {
		return out
	}
	branch, _ := result["branch"].(string)
	filtered := out[:0]
	for _, e := range out {
		if e.SourceHandle == "" || e.SourceHandle == branch {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

// visit executes a single node, recording its log entry and merging the
// result into the run context.
func (r *Runner) visit(ctx context.Context, run *executors.Run, node models.Node, seq int) (map[string]any, error) {
	ctx, span := r.tracer.Start(ctx, "workflow.node", trace.WithAttributes(
		attribute.String("node.id", node.ID),
		attribute.String("node.type", string(node.Type)),
		attribute.Int("node.sequence", seq),
	))
	defer span.End()

	entry := &models.WorkflowExecutionLog{
		ExecutionID: run.ExecutionID,
		Sequence:    seq,
		NodeID:      node.ID,
		NodeType:    node.Type,
		Status:      models.LogStarted,
		Input:       nodeInput(node),
		CreatedAt:   r.now(),
	}
	if err := r.store.AppendLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to write log for node %s: %w", node.ID, err)
	}
	r.progress.EmitExecutionEvent(ctx, run.ExecutionID, EventNodeStarted, map[string]any{
		"nodeId": node.ID, "nodeType": string(node.Type), "sequence": seq,
	})

	start := time.Now()
	result, err := r.dispatch(ctx, run, node)
	elapsed := time.Since(start)
	entry.DurationMS = elapsed.Milliseconds()

	if err != nil {
		if fault.KindOf(err) == "" {
			err = fault.Executor(string(node.Type), node.ID, err)
		}
		msg := err.Error()
		entry.Status = models.LogFailed
		entry.Error = &msg
		if ferr := r.store.FinishLog(ctx, entry); ferr != nil {
			run.Logger.Error("Failed to finish node log", "node_id", node.ID, "error", ferr)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		r.metrics.recordNode(ctx, node.Type, models.LogFailed, elapsed)
		r.progress.EmitExecutionEvent(ctx, run.ExecutionID, EventNodeFailed, map[string]any{
			"nodeId": node.ID, "nodeType": string(node.Type), "error": msg,
		})
		run.Logger.Warn("Node failed", "node_id", node.ID, "node_type", node.Type, "error", err)
		return nil, err
	}

	run.Context.Map(variables.KeyNodes)[node.ID] = result
	if alias := node.Header().Variable; alias != "" {
		run.Context[alias] = result
	}

	entry.Status = models.LogCompleted
	entry.Output = result
	if err := r.store.FinishLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to finish log for node %s: %w", node.ID, err)
	}
	r.metrics.recordNode(ctx, node.Type, models.LogCompleted, elapsed)
	r.progress.EmitExecutionEvent(ctx, run.ExecutionID, EventNodeCompleted, map[string]any{
		"nodeId": node.ID, "nodeType": string(node.Type), "output": result, "durationMs": entry.DurationMS,
	})
	return result, nil
}

func (r *Runner) dispatch(ctx context.Context, run *executors.Run, node models.Node) (map[string]any, error) {
	exec, ok := r.registry.Lookup(node.Type)
	if !ok {
		run.Logger.Warn("Unknown node type, skipping", "node_id", node.ID, "node_type", node.Type)
		r.progress.EmitExecutionEvent(ctx, run.ExecutionID, EventNodeSkipped, map[string]any{
			"nodeId": node.ID, "nodeType": string(node.Type),
		})
		return map[string]any{"status": "skipped"}, nil
	}
	result, err := exec.Execute(ctx, node, run)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = map[string]any{}
	}
	return result, nil
}

// finish moves the execution to its terminal state. A non-nil cause marks
// it FAILED and is returned unchanged.
func (r *Runner) finish(ctx context.Context, span trace.Span, exec *models.WorkflowExecution, cause error) (*models.WorkflowExecution, error) {
	completed := r.now()
	exec.CompletedAt = &completed
	if cause != nil {
		exec.Status = models.ExecutionFailed
		msg := cause.Error()
		exec.Error = &msg
		span.RecordError(cause)
		span.SetStatus(codes.Error, msg)
	}
	span.SetAttributes(attribute.String("execution.status", string(exec.Status)))

	// The caller's context may already be done; the terminal state must still
	// be persisted.
	if err := r.store.UpdateExecution(context.WithoutCancel(ctx), exec); err != nil {
		r.logger.Error("Failed to persist execution result", "execution_id", exec.ID, "error", err)
		if cause == nil {
			cause = fmt.Errorf("failed to persist execution %s: %w", exec.ID, err)
		}
	}
	r.metrics.recordExecution(ctx, exec.Status, completed.Sub(exec.StartedAt))
	r.emitStatus(ctx, exec)
	r.logger.Info("Execution finished", "execution_id", exec.ID, "workflow_id", exec.WorkflowID, "status", exec.Status)
	return exec, cause
}

func (r *Runner) emitStatus(ctx context.Context, exec *models.WorkflowExecution) {
	payload := map[string]any{"status": string(exec.Status), "workflowId": exec.WorkflowID}
	if exec.Error != nil {
		payload["error"] = *exec.Error
	}
	r.progress.EmitExecutionEvent(ctx, exec.ID, EventExecutionStatus, payload)
}

// loadMemory materializes the contact's persisted memory into context.memory.
func (r *Runner) loadMemory(ctx context.Context, tenantID string, doc variables.Document) error {
	rows, err := r.store.ListMemory(ctx, tenantID, executors.MemoryContact(doc))
	if err != nil {
		return fmt.Errorf("failed to load memory: %w", err)
	}
	mem := doc.Map(variables.KeyMemory)
	for _, m := range rows {
		mem[m.Key] = m.Value
	}
	return nil
}

// newContext builds the initial execution context from the trigger event.
func newContext(wf *models.Workflow, event models.TriggerEvent) variables.Document {
	if event.TenantID == "" {
		event.TenantID = wf.TenantID
	}
	doc := variables.Document{
		variables.KeyTrigger:    toDocument(event),
		variables.KeyMemory:     map[string]any{},
		variables.KeyNodes:      map[string]any{},
		variables.KeyTenantID:   wf.TenantID,
		variables.KeyWorkflowID: wf.ID,
	}
	if event.Contact != nil {
		doc[variables.KeyContact] = toDocument(event.Contact)
	} else if event.ContactID != "" {
		doc[variables.KeyContact] = map[string]any{"id": event.ContactID}
	}
	return doc
}

// toDocument converts a struct to its JSON object form so templates address
// fields by their JSON names.
func toDocument(v any) map[string]any {
	out := map[string]any{}
	b, err := json.Marshal(v)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(b, &out)
	return out
}

func nodeInput(node models.Node) map[string]any {
	in := map[string]any{}
	_ = node.DecodeData(&in)
	return in
}

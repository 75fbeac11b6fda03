// Package trigger turns external events into workflow runs.
//
// Webhook deliveries are queued and processed by a job handler that claims
// the event id first, so a redelivered event starts at most one run.
// Inbound chat messages and broadcasts fan out over a bounded goroutine pool.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"aerostic/backend/internal/engine"
	"aerostic/backend/internal/fault"
	"aerostic/backend/internal/logging"
	"aerostic/backend/internal/queue"
	"aerostic/backend/internal/repository"
	"aerostic/backend/pkg/models"
)

// JobWebhook is the queue job name of webhook deliveries.
const JobWebhook = "automation.webhook"

// Event types placed in the trigger context.
const (
	EventTypeWebhook   = "webhook"
	EventTypeManual    = "manual"
	EventTypeBroadcast = "broadcast"
)

// Store is the persistence trigger ingestion needs.
type Store interface {
	repository.WorkflowStore
	repository.EventStore
}

// Runner starts one workflow run.
type Runner interface {
	Execute(ctx context.Context, req engine.Request) (*models.WorkflowExecution, error)
}

// Options tunes ingestion.
type Options struct {
	// PoolSize bounds concurrent message and broadcast runs.
	PoolSize int
	// Attempts and Backoff are used for queued webhook jobs.
	Attempts int
	Backoff  queue.Backoff
	// Lease is how long an event claim blocks other deliveries.
	Lease time.Duration
}

// Service routes external events to the runner.
type Service struct {
	store  Store
	runner Runner
	queue  queue.Queue
	pool   *ants.Pool
	logger *logging.Logger
	opts   Options
	wg     sync.WaitGroup
}

// NewService creates a Service and registers its job handlers on q.
func NewService(store Store, runner Runner, q queue.Queue, logger *logging.Logger, opts Options) (*Service, error) {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 16
	}
	if opts.Attempts <= 0 {
		opts.Attempts = queue.DefaultOptions.Attempts
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = queue.DefaultOptions.Backoff
	}
	if opts.Lease <= 0 {
		opts.Lease = 10 * time.Minute
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.With("component", "trigger")

	pool, err := ants.NewPool(opts.PoolSize, ants.WithPanicHandler(func(p any) {
		logger.Error("Dispatched run panicked", "panic", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("create dispatch pool: %w", err)
	}

	s := &Service{
		store:  store,
		runner: runner,
		queue:  q,
		pool:   pool,
		logger: logger,
		opts:   opts,
	}
	if q != nil {
		q.Handle(JobWebhook, s.HandleWebhookJob)
	}
	return s, nil
}

// Webhook is one delivery to the public webhook endpoint.
type Webhook struct {
	// EventID is the caller's idempotency key; generated when empty.
	EventID string              `json:"eventId"`
	Body    any                 `json:"body,omitempty"`
	Query   map[string][]string `json:"query,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
}

// WebhookJob is the queued payload of a webhook delivery.
type WebhookJob struct {
	Webhook
	WorkflowID string `json:"workflowId"`
	TenantID   string `json:"tenantId"`
}

// EnqueueWebhook queues a delivery for workflowID and returns its event id.
// The tenant is taken from the workflow.
func (s *Service) EnqueueWebhook(ctx context.Context, workflowID string, hook Webhook) (string, error) {
	if s.queue == nil {
		return "", errors.New("no queue configured")
	}
	wf, err := s.store.GetWorkflowByID(ctx, workflowID)
	if errors.Is(err, fault.ErrNotFound) {
		return "", fault.Authoring("trigger.EnqueueWebhook", fmt.Errorf("%w: %s", fault.ErrWorkflowNotFound, workflowID))
	}
	if err != nil {
		return "", fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
	}
	if !wf.IsActive {
		return "", fault.Authoring("trigger.EnqueueWebhook", fmt.Errorf("%w: %s", fault.ErrWorkflowInactive, wf.ID))
	}

	if hook.EventID == "" {
		hook.EventID = uuid.New().String()
	}
	job := WebhookJob{Webhook: hook, WorkflowID: wf.ID, TenantID: wf.TenantID}
	if _, err := s.queue.Enqueue(ctx, JobWebhook, job, queue.Options{
		Attempts: s.opts.Attempts,
		Backoff:  s.opts.Backoff,
		JobID:    hook.EventID,
	}); err != nil {
		return "", fault.Ingestion("trigger.EnqueueWebhook", err)
	}
	s.logger.Info("Webhook queued", "workflow_id", wf.ID, "event_id", hook.EventID)
	return hook.EventID, nil
}

// HandleWebhookJob processes a queued webhook delivery.
//
// The event id is claimed before the run starts. A delivery whose event has
// already completed is acknowledged without running. Retryable failures
// release the claim and return an error so the queue tries again; recorded
// run failures are acknowledged; definition errors are never retried.
func (s *Service) HandleWebhookJob(ctx context.Context, job *queue.Job) error {
	var p WebhookJob
	if err := job.Decode(&p); err != nil {
		return queue.Permanent(fmt.Errorf("decode webhook job %s: %w", job.ID, err))
	}
	logger := s.logger.With("event_id", p.EventID, "workflow_id", p.WorkflowID, "attempt", job.Attempt)

	claim, err := s.store.ClaimEvent(ctx, p.EventID, p.WorkflowID, s.opts.Lease)
	if err != nil {
		return fault.Ingestion("trigger.HandleWebhookJob", err)
	}
	switch claim {
	case repository.ClaimCompleted:
		logger.Info("Duplicate webhook delivery acknowledged")
		return nil
	case repository.ClaimInFlight:
		return fault.Ingestion("trigger.HandleWebhookJob", fault.ErrEventInFlight)
	}

	exec, err := s.runner.Execute(ctx, engine.Request{
		WorkflowID: p.WorkflowID,
		TenantID:   p.TenantID,
		Source:     models.TriggerSourceWebhook,
		Event: models.TriggerEvent{
			EventID:  p.EventID,
			Type:     EventTypeWebhook,
			TenantID: p.TenantID,
			Data: map[string]any{
				"body":    p.Body,
				"query":   p.Query,
				"headers": p.Headers,
			},
		},
	})

	bg := context.WithoutCancel(ctx)
	if err != nil && fault.IsRetryable(err) {
		if rerr := s.store.ReleaseEvent(bg, p.EventID); rerr != nil {
			logger.Error("Failed to release event claim", "error", rerr)
		}
		logger.Warn("Webhook run failed, will retry", "error", err)
		return err
	}

	if exec != nil {
		if cerr := s.store.CompleteEvent(bg, p.EventID, exec.ID); cerr != nil {
			logger.Error("Failed to complete event claim", "execution_id", exec.ID, "error", cerr)
		}
	} else if rerr := s.store.ReleaseEvent(bg, p.EventID); rerr != nil {
		logger.Error("Failed to release event claim", "error", rerr)
	}

	if fault.IsFatal(err) {
		logger.Error("Webhook rejected by workflow definition", "error", err)
		return queue.Permanent(err)
	}
	if err != nil {
		logger.Warn("Webhook run failed", "error", err)
		return nil
	}
	logger.Info("Webhook run finished", "execution_id", exec.ID, "status", exec.Status)
	return nil
}

// HandleMessage starts one run per trigger node, across the tenant's active
// workflows, that listens for the event type. Each run begins at its own
// trigger node. Runs are dispatched in the background; the number of runs
// is returned.
func (s *Service) HandleMessage(ctx context.Context, event models.TriggerEvent) (int, error) {
	if event.TenantID == "" {
		return 0, fault.Executor("trigger.HandleMessage", "", fault.ErrMissingTenant)
	}
	workflows, err := s.store.ListActiveWorkflows(ctx, event.TenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to list active workflows: %w", err)
	}

	matched := 0
	for _, wf := range workflows {
		for _, nodeID := range listeners(wf, event.Type) {
			req := engine.Request{
				WorkflowID:    wf.ID,
				TenantID:      wf.TenantID,
				Source:        models.TriggerSourceMessage,
				Event:         event,
				TriggerNodeID: nodeID,
			}
			if err := s.dispatch(ctx, req); err != nil {
				return matched, err
			}
			matched++
		}
	}
	s.logger.Debug("Message event dispatched", "tenant_id", event.TenantID, "type", event.Type, "matched", matched)
	return matched, nil
}

// listeners returns the ids of wf's trigger nodes configured for eventType.
func listeners(wf *models.Workflow, eventType string) []string {
	var ids []string
	for _, n := range wf.Nodes {
		if n.Type != models.NodeTypeTrigger {
			continue
		}
		var data models.TriggerData
		if err := n.DecodeData(&data); err != nil {
			continue
		}
		if data.TriggerType == eventType {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

// RunManual executes a workflow inline for testing from the editor. Inactive
// workflows are allowed.
func (s *Service) RunManual(ctx context.Context, tenantID, workflowID string, data map[string]any) (*models.WorkflowExecution, error) {
	event := models.TriggerEvent{
		Type:     EventTypeManual,
		TenantID: tenantID,
		Data:     data,
	}
	if id, ok := data["contactId"].(string); ok {
		event.ContactID = id
	}
	return s.runner.Execute(ctx, engine.Request{
		WorkflowID:    workflowID,
		TenantID:      tenantID,
		Source:        models.TriggerSourceManual,
		Event:         event,
		AllowInactive: true,
	})
}

// Recipient is one target of a broadcast.
type Recipient struct {
	ContactID string         `json:"contactId"`
	Name      string         `json:"name,omitempty"`
	Phone     string         `json:"phone,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Broadcast starts one background run of an active workflow per recipient
// and returns the number of runs dispatched.
func (s *Service) Broadcast(ctx context.Context, tenantID, workflowID string, recipients []Recipient) (int, error) {
	wf, err := s.store.GetWorkflow(ctx, tenantID, workflowID)
	if errors.Is(err, fault.ErrNotFound) {
		return 0, fault.Authoring("trigger.Broadcast", fmt.Errorf("%w: %s", fault.ErrWorkflowNotFound, workflowID))
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
	}
	if !wf.IsActive {
		return 0, fault.Authoring("trigger.Broadcast", fmt.Errorf("%w: %s", fault.ErrWorkflowInactive, wf.ID))
	}

	for i, r := range recipients {
		req := engine.Request{
			WorkflowID: wf.ID,
			TenantID:   wf.TenantID,
			Source:     models.TriggerSourceBroadcast,
			Event: models.TriggerEvent{
				Type:      EventTypeBroadcast,
				TenantID:  wf.TenantID,
				ContactID: r.ContactID,
				Contact: &models.Contact{
					ID:       r.ContactID,
					TenantID: wf.TenantID,
					Name:     r.Name,
					Phone:    r.Phone,
				},
				Data: r.Data,
			},
		}
		if err := s.dispatch(ctx, req); err != nil {
			return i, err
		}
	}
	s.logger.Info("Broadcast dispatched", "workflow_id", wf.ID, "recipients", len(recipients))
	return len(recipients), nil
}

// dispatch runs req on the pool, detached from the caller's cancellation.
func (s *Service) dispatch(ctx context.Context, req engine.Request) error {
	runCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	err := s.pool.Submit(func() {
		defer s.wg.Done()
		exec, err := s.runner.Execute(runCtx, req)
		if err != nil {
			s.logger.Warn("Dispatched run failed", "workflow_id", req.WorkflowID, "source", req.Source, "error", err)
			return
		}
		s.logger.Debug("Dispatched run finished", "workflow_id", req.WorkflowID, "execution_id", exec.ID, "status", exec.Status)
	})
	if err != nil {
		s.wg.Done()
		return fault.Ingestion("trigger.dispatch", fmt.Errorf("submit run: %w", err))
	}
	return nil
}

// Close waits for dispatched runs and releases the pool.
func (s *Service) Close() {
	s.wg.Wait()
	s.pool.Release()
}

package models

import (
	"time"
)

// ExecutionStatus represents the lifecycle state of a workflow run.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionPartial   ExecutionStatus = "PARTIAL"
)

// IsTerminal reports whether no further transition is allowed.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionPartial:
		return true
	}
	return false
}

// TriggerSource tags what started a run.
type TriggerSource string

const (
	TriggerSourceWebhook   TriggerSource = "webhook"
	TriggerSourceMessage   TriggerSource = "message"
	TriggerSourceManual    TriggerSource = "manual"
	TriggerSourceBroadcast TriggerSource = "broadcast"
)

// WorkflowExecution represents one run of a workflow.
type WorkflowExecution struct {
	ID            string          `json:"id" db:"id"`
	WorkflowID    string          `json:"workflow_id" db:"workflow_id"`
	TenantID      string          `json:"tenant_id" db:"tenant_id"`
	Status        ExecutionStatus `json:"status" db:"status"`
	TriggerSource TriggerSource   `json:"trigger_source" db:"trigger_source"`
	Context       map[string]any  `json:"context" db:"context"`
	Error         *string         `json:"error,omitempty" db:"error"`
	StartedAt     time.Time       `json:"started_at" db:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// LogStatus is the state of a single node visit.
type LogStatus string

const (
	LogStarted   LogStatus = "started"
	LogCompleted LogStatus = "completed"
	LogFailed    LogStatus = "failed"
)

// WorkflowExecutionLog records one node visit within an execution.
type WorkflowExecutionLog struct {
	ID          string         `json:"id" db:"id"`
	ExecutionID string         `json:"execution_id" db:"execution_id"`
	Sequence    int            `json:"sequence" db:"sequence"`
	NodeID      string         `json:"node_id" db:"node_id"`
	NodeType    NodeType       `json:"node_type" db:"node_type"`
	Status      LogStatus      `json:"status" db:"status"`
	Input       map[string]any `json:"input,omitempty" db:"input"`
	Output      map[string]any `json:"output,omitempty" db:"output"`
	Error       *string        `json:"error,omitempty" db:"error"`
	DurationMS  int64          `json:"duration_ms" db:"duration_ms"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
}

// TriggerEvent is the external event that starts a run. It is placed in the
// execution context under "trigger".
type TriggerEvent struct {
	// EventID identifies the external delivery; retries carry the same id.
	EventID   string         `json:"eventId,omitempty"`
	Type      string         `json:"type"`
	TenantID  string         `json:"tenantId"`
	ContactID string         `json:"contactId,omitempty"`
	Contact   *Contact       `json:"contact,omitempty"`
	Message   *Message       `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Message is an inbound chat message.
type Message struct {
	ID   string `json:"id,omitempty"`
	From string `json:"from,omitempty"`
	Type string `json:"type,omitempty"`
	Body string `json:"body"`
}

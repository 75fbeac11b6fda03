package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeType is the tag of a workflow node. The set is closed: every value has
// exactly one payload shape and one executor.
type NodeType string

const (
	NodeTypeTrigger          NodeType = "trigger"
	NodeTypeWebhook          NodeType = "webhook"
	NodeTypeManual           NodeType = "manual"
	NodeTypeBroadcastTrigger NodeType = "broadcast_trigger"
	NodeTypeAction           NodeType = "action"
	NodeTypeCondition        NodeType = "condition"
	NodeTypeAPIRequest       NodeType = "api_request"
	NodeTypeAIAgent          NodeType = "ai_agent"
	NodeTypeGeminiModel      NodeType = "gemini_model"
	NodeTypeLeadUpdate       NodeType = "lead_update"
	NodeTypeMemory           NodeType = "memory"
	NodeTypeKnowledgeQuery   NodeType = "knowledge_query"
)

// IsTrigger reports whether nodes of this type start a run.
func (t NodeType) IsTrigger() bool {
	switch t {
	case NodeTypeTrigger, NodeTypeWebhook, NodeTypeManual, NodeTypeBroadcastTrigger:
		return true
	}
	return false
}

// Workflow represents a tenant-owned automation definition.
type Workflow struct {
	ID          string    `json:"id" db:"id"`
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	Nodes       []Node    `json:"nodes" db:"nodes"`
	Edges       []Edge    `json:"edges" db:"edges"`
	IsActive    bool      `json:"isActive" db:"is_active"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Node is one step of a workflow graph. Data holds the raw payload whose
// shape is selected by Type; use DecodeData to read it.
type Node struct {
	ID       string          `json:"id"`
	Type     NodeType        `json:"type"`
	Position *Position       `json:"position,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Position is the editor canvas location of a node. The engine ignores it.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge is a directed connection between two nodes. SourceHandle labels the
// branch for condition nodes ("true" / "false"); empty means unconditional.
type Edge struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// NodeByID returns the node with the given id.
func (w *Workflow) NodeByID(id string) (*Node, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}

// DecodeData unmarshals the node payload into v. An empty payload leaves v
// at its zero value.
func (n Node) DecodeData(v any) error {
	if len(n.Data) == 0 || string(n.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(n.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s node %s data: %w", n.Type, n.ID, err)
	}
	return nil
}

// Header returns the fields every payload may carry regardless of type.
func (n Node) Header() NodeHeader {
	var h NodeHeader
	_ = n.DecodeData(&h)
	return h
}

// NodeHeader holds the payload fields shared by every node type.
type NodeHeader struct {
	Label string `json:"label,omitempty"`
	// Variable, when set, also exposes the node result at the top level of
	// the execution context under this name.
	Variable string `json:"variable,omitempty"`
}

// TriggerData configures trigger, webhook, manual and broadcast_trigger nodes.
type TriggerData struct {
	NodeHeader
	// TriggerType is the event type the node reacts to, e.g. "new_message".
	TriggerType string `json:"triggerType,omitempty"`
}

// ActionData configures an outbound chat message.
type ActionData struct {
	NodeHeader
	Message     string `json:"message"`
	To          string `json:"to,omitempty"`
	MessageType string `json:"messageType,omitempty"`
}

// ConditionData configures a keyword test.
type ConditionData struct {
	NodeHeader
	Input    string `json:"input,omitempty"`
	Operator string `json:"operator"`
	Keyword  string `json:"keyword,omitempty"`
	Value    string `json:"value,omitempty"`
}

// APIRequestData configures an outbound HTTP call.
type APIRequestData struct {
	NodeHeader
	Method          string            `json:"method,omitempty"`
	URL             string            `json:"url"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            string            `json:"body,omitempty"`
	ContinueOnError bool              `json:"continueOnError,omitempty"`
	TimeoutSeconds  int               `json:"timeoutSeconds,omitempty"`
}

// AIAgentData configures ai_agent and gemini_model nodes.
type AIAgentData struct {
	NodeHeader
	SystemPrompt string `json:"systemPrompt,omitempty"`
	UserPrompt   string `json:"userPrompt,omitempty"`
	Model        string `json:"model,omitempty"`
}

// LeadUpdateData configures contact field updates.
type LeadUpdateData struct {
	NodeHeader
	Tags   []string `json:"tags,omitempty"`
	Status string   `json:"status,omitempty"`
	Stage  string   `json:"stage,omitempty"`
}

// MemoryOperation selects what a memory node does.
type MemoryOperation string

const (
	MemorySet   MemoryOperation = "SET"
	MemoryGet   MemoryOperation = "GET"
	MemoryClear MemoryOperation = "CLEAR"
)

// MemoryData configures a memory node.
type MemoryData struct {
	NodeHeader
	Operation MemoryOperation `json:"operation"`
	Key       string          `json:"key"`
	Value     any             `json:"value,omitempty"`
}

// KnowledgeQueryData configures a knowledge base lookup.
type KnowledgeQueryData struct {
	NodeHeader
	KnowledgeBaseID string `json:"knowledgeBaseId"`
	Query           string `json:"query,omitempty"`
	Limit           int    `json:"limit,omitempty"`
}

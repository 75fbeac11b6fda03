package services

import (
	"context"

	"aerostic/backend/pkg/models"
)

// MLClient is an interface for communicating with the ML sidecar.
type MLClient interface {
	// GetEmbedding returns the embedding for a given text.
	GetEmbedding(ctx context.Context, text string) ([]float32, error)
}

// OutboundMessage is a chat message handed to the messaging transport.
type OutboundMessage struct {
	TenantID string         `json:"tenantId"`
	To       string         `json:"to"`
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload"`
}

// SendResult is the transport's acknowledgement.
type SendResult struct {
	Sent bool   `json:"sent"`
	ID   string `json:"id"`
}

// MessageSender delivers outbound chat messages.
type MessageSender interface {
	Send(ctx context.Context, msg OutboundMessage) (*SendResult, error)
}

// GenerateRequest is a single-turn text generation request.
type GenerateRequest struct {
	TenantID     string
	SystemPrompt string
	UserPrompt   string
	Model        string
	// Provider optionally pins the backend ("openai", "gemini").
	Provider string
}

// TextGenerator produces text from prompts. Implementations return
// fault.ErrAINotConfigured when no backend is available.
type TextGenerator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// KnowledgeBase searches a tenant knowledge base.
type KnowledgeBase interface {
	FindRelevantChunks(ctx context.Context, tenantID, knowledgeBaseID, query string, limit int) ([]string, error)
}

// ContactStore persists lead fields on contacts.
type ContactStore interface {
	Update(ctx context.Context, tenantID, contactID string, fields models.ContactFields) (*models.Contact, error)
}

// ProgressSink receives live execution events for UI updates. Emit must not
// block the run and never fails it.
type ProgressSink interface {
	EmitExecutionEvent(ctx context.Context, executionID, event string, payload map[string]any)
}

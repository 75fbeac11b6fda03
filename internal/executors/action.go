package executors

import (
	"context"
	"fmt"

	"aerostic/backend/internal/fault"
	"aerostic/backend/internal/services"
	"aerostic/backend/internal/variables"
	"aerostic/backend/pkg/models"
)

// ActionExecutor sends a chat message through the messaging transport.
type ActionExecutor struct {
	sender services.MessageSender
}

// Execute resolves the message and its destination and sends it.
func (e *ActionExecutor) Execute(ctx context.Context, node models.Node, run *Run) (map[string]any, error) {
	var data models.ActionData
	if err := node.DecodeData(&data); err != nil {
		return nil, fault.Executor("action", node.ID, err)
	}

	to := destination(data, run.Context)
	if to == "" {
		return nil, fault.Executor("action", node.ID, fault.ErrMissingDestination)
	}
	if e.sender == nil {
		return nil, fault.Executor("action", node.ID, fmt.Errorf("messaging transport is not configured"))
	}

	text := variables.Resolve(data.Message, run.Context)
	msgType := data.MessageType
	if msgType == "" {
		msgType = "text"
	}

	res, err := e.sender.Send(ctx, services.OutboundMessage{
		TenantID: tenantID(run),
		To:       to,
		Type:     msgType,
		Payload:  map[string]any{"text": text},
	})
	if err != nil {
		return nil, fault.Executor("action", node.ID, fmt.Errorf("failed to send message: %w", err))
	}

	return map[string]any{
		"sent":      res.Sent,
		"messageId": res.ID,
		"to":        to,
		"message":   text,
	}, nil
}

// destination picks the explicit recipient, then the contact phone, then the
// sender of the triggering message.
func destination(data models.ActionData, doc variables.Document) string {
	if to := variables.Resolve(data.To, doc); to != "" && !variables.HasTokens(to) {
		return to
	}
	for _, path := range []string{"contact.phone", "trigger.contact.phone", "trigger.message.from"} {
		if v := doc.GetString(path); v != "" {
			return v
		}
	}
	return ""
}

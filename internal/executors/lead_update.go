package executors

import (
	"context"
	"fmt"

	"aerostic/backend/internal/fault"
	"aerostic/backend/internal/services"
	"aerostic/backend/internal/variables"
	"aerostic/backend/pkg/models"
)

// LeadUpdateExecutor writes lead fields to the contact of the run.
type LeadUpdateExecutor struct {
	contacts services.ContactStore
}

// Execute updates tags, status and stage. Runs without a contact are skipped.
func (e *LeadUpdateExecutor) Execute(ctx context.Context, node models.Node, run *Run) (map[string]any, error) {
	var data models.LeadUpdateData
	if err := node.DecodeData(&data); err != nil {
		return nil, fault.Executor("lead_update", node.ID, err)
	}

	id := contactID(run.Context)
	if id == "" {
		logger(run).Warn("No contact in context, skipping lead update", "node_id", node.ID)
		return map[string]any{"status": "skipped", "reason": "no contact"}, nil
	}
	if e.contacts == nil {
		return nil, fault.Executor("lead_update", node.ID, fmt.Errorf("contact store is not configured"))
	}

	fields := models.ContactFields{
		Status: models.LeadStatus(variables.Resolve(data.Status, run.Context)),
		Stage:  variables.Resolve(data.Stage, run.Context),
	}
	for _, tag := range data.Tags {
		if t := variables.Resolve(tag, run.Context); t != "" {
			fields.Tags = append(fields.Tags, t)
		}
	}
	if fields.IsEmpty() {
		return map[string]any{"status": "skipped", "reason": "no fields"}, nil
	}

	contact, err := e.contacts.Update(ctx, tenantID(run), id, fields)
	if err != nil {
		return nil, fault.Executor("lead_update", node.ID, fmt.Errorf("failed to update contact %s: %w", id, err))
	}

	current := run.Context.Map(variables.KeyContact)
	current["id"] = contact.ID
	current["tags"] = contact.Tags
	current["status"] = string(contact.Status)
	current["stage"] = contact.Stage

	return map[string]any{
		"status":     "updated",
		"contactId":  contact.ID,
		"tags":       contact.Tags,
		"leadStatus": string(contact.Status),
		"stage":      contact.Stage,
	}, nil
}

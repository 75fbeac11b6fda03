package executors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"aerostic/backend/internal/fault"
	"aerostic/backend/internal/repository"
	"aerostic/backend/internal/variables"
	"aerostic/backend/pkg/models"
)

// GlobalContact scopes memory of runs that have no contact.
const GlobalContact = "global"

// MemoryExecutor reads and writes per-contact workflow memory.
type MemoryExecutor struct {
	store repository.MemoryStore
}

// Execute performs SET, GET or CLEAR. Writes are mirrored into context.memory
// so later nodes of the same run see them.
func (e *MemoryExecutor) Execute(ctx context.Context, node models.Node, run *Run) (map[string]any, error) {
	var data models.MemoryData
	if err := node.DecodeData(&data); err != nil {
		return nil, fault.Executor("memory", node.ID, err)
	}

	tenant := tenantID(run)
	if tenant == "" {
		return nil, fault.Executor("memory", node.ID, fault.ErrMissingTenant)
	}
	if e.store == nil {
		return nil, fault.Executor("memory", node.ID, fmt.Errorf("memory store is not configured"))
	}
	key := variables.Resolve(data.Key, run.Context)
	if key == "" {
		return nil, fault.Executor("memory", node.ID, fmt.Errorf("memory key is required"))
	}
	contact := MemoryContact(run.Context)
	mirror := run.Context.Map(variables.KeyMemory)

	switch models.MemoryOperation(strings.ToUpper(string(data.Operation))) {
	case models.MemorySet:
		value := variables.ResolveValue(data.Value, run.Context)
		err := e.store.UpsertMemory(ctx, &models.WorkflowMemory{
			TenantID:  tenant,
			ContactID: contact,
			Key:       key,
			Value:     value,
		})
		if err != nil {
			return nil, fault.Executor("memory", node.ID, fmt.Errorf("failed to set %s: %w", key, err))
		}
		mirror[key] = value
		return map[string]any{"operation": string(models.MemorySet), "key": key, "value": value}, nil

	case models.MemoryGet:
		m, err := e.store.GetMemory(ctx, tenant, contact, key)
		if errors.Is(err, fault.ErrNotFound) {
			return map[string]any{"key": key, "value": nil, "found": false}, nil
		}
		if err != nil {
			return nil, fault.Executor("memory", node.ID, fmt.Errorf("failed to get %s: %w", key, err))
		}
		mirror[key] = m.Value
		return map[string]any{"key": key, "value": m.Value, "found": true}, nil

	case models.MemoryClear:
		if err := e.store.DeleteMemory(ctx, tenant, contact, key); err != nil {
			return nil, fault.Executor("memory", node.ID, fmt.Errorf("failed to clear %s: %w", key, err))
		}
		delete(mirror, key)
		return map[string]any{"operation": string(models.MemoryClear), "key": key, "cleared": true}, nil
	}

	return nil, fault.Executor("memory", node.ID, fmt.Errorf("unsupported memory operation %q", data.Operation))
}

// MemoryContact returns the contact memory is scoped to for a run.
func MemoryContact(doc variables.Document) string {
	if id := contactID(doc); id != "" {
		return id
	}
	return GlobalContact
}

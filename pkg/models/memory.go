package models

import "time"

// WorkflowMemory is a tenant and contact scoped key/value slot that outlives
// any single execution.
type WorkflowMemory struct {
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	ContactID string    `json:"contact_id" db:"contact_id"`
	Key       string    `json:"key" db:"key"`
	Value     any       `json:"value" db:"value"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

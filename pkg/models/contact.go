// Package models defines the domain models for the automation service
package models

import "time"

// LeadStatus represents where a contact sits in the sales funnel
type LeadStatus string

const (
	LeadStatusNew       LeadStatus = "new"
	LeadStatusContacted LeadStatus = "contacted"
	LeadStatusQualified LeadStatus = "qualified"
	LeadStatusConverted LeadStatus = "converted"
	LeadStatusLost      LeadStatus = "lost"
)

// Contact represents a tenant's chat contact
type Contact struct {
	ID        string     `json:"id" db:"id"`
	TenantID  string     `json:"tenant_id,omitempty" db:"tenant_id"`
	Name      string     `json:"name,omitempty" db:"name"`
	Phone     string     `json:"phone,omitempty" db:"phone"`
	Tags      []string   `json:"tags,omitempty" db:"tags"`
	Status    LeadStatus `json:"status,omitempty" db:"status"`
	Stage     string     `json:"stage,omitempty" db:"stage"`
	UpdatedAt time.Time  `json:"updated_at,omitempty" db:"updated_at"`
}

// ContactFields is a partial contact update. Empty fields are left untouched.
type ContactFields struct {
	Tags   []string   `json:"tags,omitempty"`
	Status LeadStatus `json:"status,omitempty"`
	Stage  string     `json:"stage,omitempty"`
}

// IsEmpty reports whether the update carries no fields.
func (f ContactFields) IsEmpty() bool {
	return len(f.Tags) == 0 && f.Status == "" && f.Stage == ""
}

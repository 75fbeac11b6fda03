package services

import (
	"context"

	"aerostic/backend/internal/logging"
	"aerostic/backend/internal/repository"
	"aerostic/backend/pkg/models"
)

// ContactService applies lead updates coming from workflows.
type ContactService struct {
	store  repository.ContactStore
	logger *logging.Logger
}

// NewContactService creates a new ContactService.
func NewContactService(store repository.ContactStore, logger *logging.Logger) *ContactService {
	return &ContactService{store: store, logger: logger}
}

// Update merges fields into the contact and returns its new state.
func (s *ContactService) Update(ctx context.Context, tenantID, contactID string, fields models.ContactFields) (*models.Contact, error) {
	contact, err := s.store.UpdateContactFields(ctx, tenantID, contactID, fields)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Contact updated", "tenant_id", tenantID, "contact_id", contactID, "status", contact.Status, "stage", contact.Stage)
	return contact, nil
}

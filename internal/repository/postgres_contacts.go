package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"aerostic/backend/pkg/models"
)

const contactColumns = "id, tenant_id, name, phone, tags, status, stage, updated_at"

// GetContact retrieves a tenant's contact.
func (s *PostgresStore) GetContact(ctx context.Context, tenantID, id string) (*models.Contact, error) {
	row := s.db.QueryRow(ctx, "SELECT "+contactColumns+" FROM contacts WHERE tenant_id = $1 AND id = $2", tenantID, id)
	return scanContact(row)
}

// UpsertContact creates or replaces a contact.
func (s *PostgresStore) UpsertContact(ctx context.Context, c *models.Contact) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = models.LeadStatusNew
	}
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	row := s.db.QueryRow(ctx,
		`INSERT INTO contacts (id, tenant_id, name, phone, tags, status, stage, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (tenant_id, id) DO UPDATE SET name = EXCLUDED.name, phone = EXCLUDED.phone, tags = EXCLUDED.tags,
		   status = EXCLUDED.status, stage = EXCLUDED.stage, updated_at = EXCLUDED.updated_at
		 RETURNING updated_at`,
		c.ID, c.TenantID, c.Name, c.Phone, tags, c.Status, c.Stage)
	return row.Scan(&c.UpdatedAt)
}

// UpdateContactFields applies a partial lead update in one statement.
func (s *PostgresStore) UpdateContactFields(ctx context.Context, tenantID, id string, fields models.ContactFields) (*models.Contact, error) {
	tags := fields.Tags
	if tags == nil {
		tags = []string{}
	}
	row := s.db.QueryRow(ctx,
		`INSERT INTO contacts (id, tenant_id, tags, status, stage, updated_at)
		 VALUES ($1, $2, $3, COALESCE(NULLIF($4::text, ''), 'new'), $5::text, now())
		 ON CONFLICT (tenant_id, id) DO UPDATE SET
		   tags = ARRAY(SELECT DISTINCT t FROM unnest(contacts.tags || EXCLUDED.tags) AS t ORDER BY t),
		   status = COALESCE(NULLIF($4::text, ''), contacts.status),
		   stage = COALESCE(NULLIF($5::text, ''), contacts.stage),
		   updated_at = now()
		 RETURNING `+contactColumns,
		id, tenantID, tags, string(fields.Status), fields.Stage)
	return scanContact(row)
}

func scanContact(row pgx.Row) (*models.Contact, error) {
	var c models.Contact
	if err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Phone, &c.Tags, &c.Status, &c.Stage, &c.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// SaveChunk stores an embedded knowledge passage.
func (s *PostgresStore) SaveChunk(ctx context.Context, c *KnowledgeChunk) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := s.db.Exec(ctx,
		"INSERT INTO knowledge_chunks (id, tenant_id, knowledge_base_id, content, embedding) VALUES ($1, $2, $3, $4, $5)",
		c.ID, c.TenantID, c.KnowledgeBaseID, c.Content, pgvector.NewVector(c.Embedding))
	if err != nil {
		return fmt.Errorf("failed to save knowledge chunk: %w", err)
	}
	return nil
}

// SearchChunks orders a tenant knowledge base's chunks by cosine distance.
func (s *PostgresStore) SearchChunks(ctx context.Context, tenantID, knowledgeBaseID string, embedding []float32, limit int) ([]*KnowledgeChunk, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, tenant_id, knowledge_base_id, content FROM knowledge_chunks
		 WHERE tenant_id = $1 AND knowledge_base_id = $2
		 ORDER BY embedding <=> $3 LIMIT $4`,
		tenantID, knowledgeBaseID, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []*KnowledgeChunk
	for rows.Next() {
		var c KnowledgeChunk
		if err := rows.Scan(&c.ID, &c.TenantID, &c.KnowledgeBaseID, &c.Content); err != nil {
			return nil, err
		}
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

package services

import (
	"context"
	"fmt"

	"aerostic/backend/internal/repository"
)

// KnowledgeService embeds text through the ML sidecar and searches stored
// knowledge chunks by vector similarity.
type KnowledgeService struct {
	store    repository.KnowledgeStore
	mlClient MLClient
}

// NewKnowledgeService creates a new KnowledgeService.
func NewKnowledgeService(store repository.KnowledgeStore, mlClient MLClient) *KnowledgeService {
	return &KnowledgeService{
		store:    store,
		mlClient: mlClient,
	}
}

// AddChunk embeds content and stores it in one of the tenant's knowledge
// bases.
func (s *KnowledgeService) AddChunk(ctx context.Context, tenantID, knowledgeBaseID, content string) (*repository.KnowledgeChunk, error) {
	embedding, err := s.mlClient.GetEmbedding(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("failed to embed chunk: %w", err)
	}

	chunk := &repository.KnowledgeChunk{
		TenantID:        tenantID,
		KnowledgeBaseID: knowledgeBaseID,
		Content:         content,
		Embedding:       embedding,
	}
	if err := s.store.SaveChunk(ctx, chunk); err != nil {
		return nil, err
	}
	return chunk, nil
}

// FindRelevantChunks returns the content of the limit chunks of the tenant's
// knowledge base closest to query.
func (s *KnowledgeService) FindRelevantChunks(ctx context.Context, tenantID, knowledgeBaseID, query string, limit int) ([]string, error) {
	embedding, err := s.mlClient.GetEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	chunks, err := s.store.SearchChunks(ctx, tenantID, knowledgeBaseID, embedding, limit)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.Content)
	}
	return out, nil
}

package executors

import (
	"context"
	"fmt"
	"strings"

	"aerostic/backend/internal/fault"
	"aerostic/backend/internal/services"
	"aerostic/backend/internal/variables"
	"aerostic/backend/pkg/models"
)

const defaultKnowledgeLimit = 3

// KnowledgeQueryExecutor looks up the passages of a knowledge base most
// relevant to a query.
type KnowledgeQueryExecutor struct {
	kb services.KnowledgeBase
}

// Execute returns the matching chunks and their newline-joined text, ready
// to be placed into a prompt.
func (e *KnowledgeQueryExecutor) Execute(ctx context.Context, node models.Node, run *Run) (map[string]any, error) {
	var data models.KnowledgeQueryData
	if err := node.DecodeData(&data); err != nil {
		return nil, fault.Executor("knowledge_query", node.ID, err)
	}

	kbID := variables.Resolve(data.KnowledgeBaseID, run.Context)
	if kbID == "" || variables.HasTokens(kbID) {
		return nil, fault.Executor("knowledge_query", node.ID, fault.ErrMissingKnowledgeBase)
	}
	if e.kb == nil {
		return nil, fault.Executor("knowledge_query", node.ID, fmt.Errorf("knowledge base search is not configured"))
	}

	limit := data.Limit
	if limit <= 0 {
		limit = defaultKnowledgeLimit
	}

	resolved := defaultInput(data.Query, run.Context)
	chunks, err := e.kb.FindRelevantChunks(ctx, tenantID(run), kbID, resolved, limit)
	if err != nil {
		return nil, fault.Executor("knowledge_query", node.ID, fmt.Errorf("failed to query knowledge base %s: %w", kbID, err))
	}
	if chunks == nil {
		chunks = []string{}
	}

	return map[string]any{
		"query":   resolved,
		"chunks":  chunks,
		"count":   len(chunks),
		"context": strings.Join(chunks, "\n"),
	}, nil
}

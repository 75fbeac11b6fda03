package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"aerostic/backend/internal/fault"
	"aerostic/backend/pkg/models"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	store := NewPostgresStore(pool)
	require.NoError(t, store.Migrate(ctx))

	tenant := &models.Tenant{Name: "Acme", Domain: "acme.test"}
	require.NoError(t, store.CreateTenant(ctx, tenant))

	wf := &models.Workflow{
		TenantID: tenant.ID,
		Name:     "Keyword router",
		IsActive: true,
		Nodes: []models.Node{
			{ID: "t", Type: models.NodeTypeTrigger, Data: []byte(`{"triggerType":"new_message"}`)},
			{ID: "a", Type: models.NodeTypeAction, Data: []byte(`{"message":"hi"}`)},
		},
		Edges: []models.Edge{{Source: "t", Target: "a"}},
	}

	t.Run("workflow CRUD", func(t *testing.T) {
		require.NoError(t, store.CreateWorkflow(ctx, wf))

		got, err := store.GetWorkflow(ctx, tenant.ID, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, wf.Name, got.Name)
		require.Len(t, got.Nodes, 2)
		assert.JSONEq(t, `{"triggerType":"new_message"}`, string(got.Nodes[0].Data))

		_, err = store.GetWorkflow(ctx, "other-tenant", wf.ID)
		assert.True(t, errors.Is(err, fault.ErrNotFound))

		active, err := store.ListActiveWorkflows(ctx, tenant.ID)
		require.NoError(t, err)
		assert.Len(t, active, 1)

		wf.Description = "updated"
		require.NoError(t, store.UpdateWorkflow(ctx, wf))
		byID, err := store.GetWorkflowByID(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, "updated", byID.Description)
	})

	t.Run("execution and logs", func(t *testing.T) {
		exec := &models.WorkflowExecution{
			WorkflowID:    wf.ID,
			TenantID:      tenant.ID,
			Status:        models.ExecutionPending,
			TriggerSource: models.TriggerSourceManual,
			Context:       map[string]any{"trigger": map[string]any{"type": "manual"}},
			StartedAt:     time.Now().UTC(),
		}
		require.NoError(t, store.CreateExecution(ctx, exec))

		entry := &models.WorkflowExecutionLog{ExecutionID: exec.ID, Sequence: 0, NodeID: "t", NodeType: models.NodeTypeTrigger, Status: models.LogStarted}
		require.NoError(t, store.AppendLog(ctx, entry))
		entry.Status = models.LogCompleted
		entry.Output = map[string]any{"ok": true}
		entry.DurationMS = 3
		require.NoError(t, store.FinishLog(ctx, entry))

		done := time.Now().UTC()
		exec.Status = models.ExecutionCompleted
		exec.CompletedAt = &done
		require.NoError(t, store.UpdateExecution(ctx, exec))

		got, err := store.GetExecution(ctx, tenant.ID, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionCompleted, got.Status)
		assert.NotNil(t, got.CompletedAt)

		logs, err := store.ListLogs(ctx, exec.ID)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, models.LogCompleted, logs[0].Status)
		assert.Equal(t, true, logs[0].Output["ok"])

		list, err := store.ListExecutions(ctx, tenant.ID, wf.ID, 10)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("memory upsert", func(t *testing.T) {
		m := &models.WorkflowMemory{TenantID: tenant.ID, ContactID: "c1", Key: "stage", Value: "new"}
		require.NoError(t, store.UpsertMemory(ctx, m))
		m.Value = "qualified"
		require.NoError(t, store.UpsertMemory(ctx, m))

		got, err := store.GetMemory(ctx, tenant.ID, "c1", "stage")
		require.NoError(t, err)
		assert.Equal(t, "qualified", got.Value)

		all, err := store.ListMemory(ctx, tenant.ID, "c1")
		require.NoError(t, err)
		assert.Len(t, all, 1)

		require.NoError(t, store.DeleteMemory(ctx, tenant.ID, "c1", "stage"))
		_, err = store.GetMemory(ctx, tenant.ID, "c1", "stage")
		assert.True(t, errors.Is(err, fault.ErrNotFound))
	})

	t.Run("event claims", func(t *testing.T) {
		res, err := store.ClaimEvent(ctx, "evt-1", wf.ID, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, ClaimAcquired, res)

		res, err = store.ClaimEvent(ctx, "evt-1", wf.ID, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, ClaimInFlight, res)

		require.NoError(t, store.CompleteEvent(ctx, "evt-1", ""))
		res, err = store.ClaimEvent(ctx, "evt-1", wf.ID, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, ClaimCompleted, res)

		res, err = store.ClaimEvent(ctx, "evt-2", wf.ID, time.Minute)
		require.NoError(t, err)
		require.Equal(t, ClaimAcquired, res)
		require.NoError(t, store.ReleaseEvent(ctx, "evt-2"))
		res, err = store.ClaimEvent(ctx, "evt-2", wf.ID, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, ClaimAcquired, res)
	})

	t.Run("knowledge chunks are tenant scoped", func(t *testing.T) {
		embedding := make([]float32, 384)
		embedding[0] = 1
		require.NoError(t, store.SaveChunk(ctx, &KnowledgeChunk{
			TenantID: tenant.ID, KnowledgeBaseID: "kb-1", Content: "pricing", Embedding: embedding,
		}))

		chunks, err := store.SearchChunks(ctx, tenant.ID, "kb-1", embedding, 3)
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, tenant.ID, chunks[0].TenantID)

		chunks, err = store.SearchChunks(ctx, "other-tenant", "kb-1", embedding, 3)
		require.NoError(t, err)
		assert.Empty(t, chunks)
	})

	t.Run("delete workflow", func(t *testing.T) {
		require.NoError(t, store.DeleteWorkflow(ctx, tenant.ID, wf.ID))
		assert.True(t, errors.Is(store.DeleteWorkflow(ctx, tenant.ID, wf.ID), fault.ErrNotFound))
	})
}

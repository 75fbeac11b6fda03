package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"aerostic/backend/internal/fault"
	"aerostic/backend/internal/logging"
	"aerostic/backend/internal/repository"
	"aerostic/backend/pkg/models"
)

type MockMLClient struct {
	mock.Mock
}

func (m *MockMLClient) GetEmbedding(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

type stubGenerator string

func (s stubGenerator) Generate(context.Context, GenerateRequest) (string, error) {
	return string(s), nil
}

func TestHTTPMessageSender(t *testing.T) {
	var received OutboundMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_, _ = w.Write([]byte(`{"sent":true,"id":"wamid.1"}`))
	}))
	defer srv.Close()

	sender := NewHTTPMessageSender(srv.URL+"/", "secret", srv.Client())
	res, err := sender.Send(context.Background(), OutboundMessage{TenantID: "t1", To: "+1555", Type: "text", Payload: map[string]any{"text": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, &SendResult{Sent: true, ID: "wamid.1"}, res)
	assert.Equal(t, "+1555", received.To)
	assert.Equal(t, "hi", received.Payload["text"])
}

func TestHTTPMessageSenderRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPMessageSender(srv.URL, "", srv.Client()).Send(context.Background(), OutboundMessage{To: "+1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestHTTPMLClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embedding", r.URL.Path)
		_, _ = w.Write([]byte(`[0.1, 0.2, 0.3]`))
	}))
	defer srv.Close()

	emb, err := NewHTTPMLClient(srv.URL).GetEmbedding(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, emb)
}

func TestKnowledgeService(t *testing.T) {
	ctx := context.Background()
	store := repository.NewInMemoryStore()
	ml := new(MockMLClient)
	ml.On("GetEmbedding", mock.Anything, "Refunds take 5 days").Return([]float32{1, 0}, nil)
	ml.On("GetEmbedding", mock.Anything, "Shipping is free").Return([]float32{0, 1}, nil)
	ml.On("GetEmbedding", mock.Anything, "how long do refunds take").Return([]float32{0.9, 0.1}, nil)

	svc := NewKnowledgeService(store, ml)
	_, err := svc.AddChunk(ctx, "t1", "kb-1", "Refunds take 5 days")
	require.NoError(t, err)
	_, err = svc.AddChunk(ctx, "t1", "kb-1", "Shipping is free")
	require.NoError(t, err)

	chunks, err := svc.FindRelevantChunks(ctx, "t1", "kb-1", "how long do refunds take", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"Refunds take 5 days"}, chunks)

	chunks, err = svc.FindRelevantChunks(ctx, "t1", "other-kb", "how long do refunds take", 3)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	ml.AssertExpectations(t)
}

func TestKnowledgeServiceIsolatesTenants(t *testing.T) {
	ctx := context.Background()
	ml := new(MockMLClient)
	ml.On("GetEmbedding", mock.Anything, mock.Anything).Return([]float32{1, 0}, nil)
	svc := NewKnowledgeService(repository.NewInMemoryStore(), ml)

	chunk, err := svc.AddChunk(ctx, "tenant-a", "kb-1", "tenant A secret pricing")
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", chunk.TenantID)

	chunks, err := svc.FindRelevantChunks(ctx, "tenant-b", "kb-1", "pricing", 3)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	chunks, err = svc.FindRelevantChunks(ctx, "tenant-a", "kb-1", "pricing", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant A secret pricing"}, chunks)
}

func TestKnowledgeServiceEmbeddingFailure(t *testing.T) {
	ml := new(MockMLClient)
	ml.On("GetEmbedding", mock.Anything, mock.Anything).Return(nil, errors.New("sidecar down"))
	_, err := NewKnowledgeService(repository.NewInMemoryStore(), ml).FindRelevantChunks(context.Background(), "t1", "kb", "q", 3)
	assert.ErrorContains(t, err, "sidecar down")
}

func TestGeneratorRouter(t *testing.T) {
	r := NewGeneratorRouter()
	assert.False(t, r.Configured())

	_, err := r.Generate(context.Background(), GenerateRequest{UserPrompt: "hi"})
	assert.True(t, errors.Is(err, fault.ErrAINotConfigured))

	r.Register(ProviderOpenAI, stubGenerator("from openai"))
	r.Register(ProviderGemini, stubGenerator("from gemini"))

	out, err := r.Generate(context.Background(), GenerateRequest{UserPrompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "from openai", out)

	out, err = r.Generate(context.Background(), GenerateRequest{UserPrompt: "hi", Provider: "Gemini"})
	require.NoError(t, err)
	assert.Equal(t, "from gemini", out)
}

func TestContactService(t *testing.T) {
	store := repository.NewInMemoryStore()
	svc := NewContactService(store, logging.NewNop())
	ctx := context.Background()

	c, err := svc.Update(ctx, "t1", "c1", models.ContactFields{Tags: []string{"vip"}})
	require.NoError(t, err)
	assert.Equal(t, models.LeadStatusNew, c.Status)

	c, err = svc.Update(ctx, "t1", "c1", models.ContactFields{Tags: []string{"vip", "buyer"}, Stage: "demo"})
	require.NoError(t, err)
	assert.Equal(t, []string{"buyer", "vip"}, c.Tags)
	assert.Equal(t, "demo", c.Stage)
}

func TestRedisProgressSink(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sink := NewRedisProgressSink(client, "", logging.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, stop, err := sink.Subscribe(ctx, "exec-1")
	require.NoError(t, err)
	defer stop()

	sink.EmitExecutionEvent(ctx, "exec-1", "node.started", map[string]any{"nodeId": "a"})

	select {
	case ev := <-events:
		assert.Equal(t, "exec-1", ev.ExecutionID)
		assert.Equal(t, "node.started", ev.Event)
		assert.Equal(t, "a", ev.Payload["nodeId"])
	case <-time.After(2 * time.Second):
		t.Fatal("no progress event received")
	}
}

func TestLocalProgressBroker(t *testing.T) {
	b := NewLocalProgressBroker()
	events, stop, err := b.Subscribe(context.Background(), "exec-1")
	require.NoError(t, err)

	b.EmitExecutionEvent(context.Background(), "exec-2", "ignored", nil)
	b.EmitExecutionEvent(context.Background(), "exec-1", "execution.status", map[string]any{"status": "RUNNING"})

	ev := <-events
	assert.Equal(t, "execution.status", ev.Event)

	stop()
	stop()
	_, open := <-events
	assert.False(t, open)
}

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"google.golang.org/genai"

	"aerostic/backend/internal/fault"
)

// Provider names accepted in GenerateRequest.Provider.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// OpenAIGenerator generates text with the OpenAI chat completions API or any
// compatible endpoint.
type OpenAIGenerator struct {
	client       openai.Client
	defaultModel string
}

// NewOpenAIGenerator creates a generator. baseURL may be empty.
func NewOpenAIGenerator(apiKey, baseURL, defaultModel string, opts ...option.RequestOption) *OpenAIGenerator {
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}
	clientOpts = append(clientOpts, opts...)
	return &OpenAIGenerator{client: openai.NewClient(clientOpts...), defaultModel: defaultModel}
}

// Generate runs a single-turn chat completion.
func (g *OpenAIGenerator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = g.defaultModel
	}
	var messages []openai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.UserPrompt))

	completion, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("openai completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("openai returned no choices")
	}
	return completion.Choices[0].Message.Content, nil
}

// GeminiGenerator generates text with the Gemini API.
type GeminiGenerator struct {
	client       *genai.Client
	defaultModel string
}

// NewGeminiGenerator creates a generator backed by the Gemini developer API.
func NewGeminiGenerator(ctx context.Context, apiKey, defaultModel string) (*GeminiGenerator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiGenerator{client: client, defaultModel: defaultModel}, nil
}

// Generate runs a single GenerateContent call.
func (g *GeminiGenerator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = g.defaultModel
	}
	var config *genai.GenerateContentConfig
	if req.SystemPrompt != "" {
		config = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(req.SystemPrompt, genai.RoleUser),
		}
	}
	contents := []*genai.Content{genai.NewContentFromText(req.UserPrompt, genai.RoleUser)}

	resp, err := g.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini generation failed: %w", err)
	}
	return resp.Text(), nil
}

// GeneratorRouter picks a backend per request. Requests pinned to a provider
// go to that provider; others go to the default.
type GeneratorRouter struct {
	backends        map[string]TextGenerator
	defaultProvider string
}

// NewGeneratorRouter creates an empty router.
func NewGeneratorRouter() *GeneratorRouter {
	return &GeneratorRouter{backends: make(map[string]TextGenerator)}
}

// Register adds a backend. The first backend registered becomes the default.
func (r *GeneratorRouter) Register(provider string, g TextGenerator) {
	provider = strings.ToLower(provider)
	r.backends[provider] = g
	if r.defaultProvider == "" {
		r.defaultProvider = provider
	}
}

// Configured reports whether any backend is registered.
func (r *GeneratorRouter) Configured() bool {
	return len(r.backends) > 0
}

// Generate forwards the request. It returns fault.ErrAINotConfigured when no
// suitable backend exists.
func (r *GeneratorRouter) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	provider := strings.ToLower(req.Provider)
	if provider == "" {
		provider = r.defaultProvider
	}
	g, ok := r.backends[provider]
	if !ok {
		return "", fmt.Errorf("%w: %s", fault.ErrAINotConfigured, provider)
	}
	return g.Generate(ctx, req)
}

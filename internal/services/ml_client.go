package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPMLClient is an HTTP implementation of the MLClient interface.
type HTTPMLClient struct {
	url    string
	client *http.Client
}

// NewHTTPMLClient creates a new HTTPMLClient for the sidecar at url.
func NewHTTPMLClient(url string) *HTTPMLClient {
	return &HTTPMLClient{url: strings.TrimRight(url, "/"), client: newHTTPClient()}
}

// GetEmbedding returns the embedding for a given text.
func (c *HTTPMLClient) GetEmbedding(ctx context.Context, text string) ([]float32, error) {
	requestBody, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/embedding", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get embedding: status code %d", resp.StatusCode)
	}

	var embedding []float32
	if err := json.NewDecoder(resp.Body).Decode(&embedding); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}

	return embedding, nil
}

// newHTTPClient returns a client whose requests are traced.
func newHTTPClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

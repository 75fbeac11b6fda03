package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"aerostic/backend/internal/fault"
	"aerostic/backend/internal/variables"
	"aerostic/backend/pkg/models"
)

const maxResponseBytes = 1 << 20

// APIRequestExecutor performs outbound HTTP calls.
type APIRequestExecutor struct {
	client  *http.Client
	timeout time.Duration
}

// NewAPIRequestExecutor creates an executor using client, or a traced default
// client when nil.
func NewAPIRequestExecutor(client *http.Client, timeout time.Duration) *APIRequestExecutor {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &APIRequestExecutor{client: client, timeout: timeout}
}

// Execute sends the configured request and returns status, headers and body.
// The body is decoded as JSON when possible.
func (e *APIRequestExecutor) Execute(ctx context.Context, node models.Node, run *Run) (map[string]any, error) {
	var data models.APIRequestData
	if err := node.DecodeData(&data); err != nil {
		return nil, fault.Executor("api_request", node.ID, err)
	}

	method := strings.ToUpper(data.Method)
	if method == "" {
		method = http.MethodGet
	}
	url := variables.Resolve(data.URL, run.Context)
	if url == "" {
		return nil, fault.Executor("api_request", node.ID, fmt.Errorf("url is required"))
	}

	timeout := e.timeout
	if data.TimeoutSeconds > 0 {
		timeout = time.Duration(data.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	resolvedBody := variables.Resolve(data.Body, run.Context)
	if resolvedBody != "" && method != http.MethodGet && method != http.MethodHead {
		body = strings.NewReader(resolvedBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fault.Executor("api_request", node.ID, fmt.Errorf("failed to create request: %w", err))
	}
	for k, v := range variables.ResolveMap(data.Headers, run.Context) {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" && json.Valid([]byte(resolvedBody)) {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if data.ContinueOnError {
			return map[string]any{"ok": false, "status": 0, "error": err.Error()}, nil
		}
		return nil, fault.Executor("api_request", node.ID, fmt.Errorf("%w: %v", fault.ErrRequestFailed, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fault.Executor("api_request", node.ID, fmt.Errorf("failed to read response: %w", err))
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	result := map[string]any{
		"ok":      ok,
		"status":  resp.StatusCode,
		"headers": flattenHeaders(resp.Header),
		"body":    decodeBody(raw),
	}
	if !ok && !data.ContinueOnError {
		return nil, fault.Executor("api_request", node.ID,
			fmt.Errorf("%w: %s %s returned status %d", fault.ErrRequestFailed, method, url, resp.StatusCode))
	}
	return result, nil
}

func decodeBody(raw []byte) any {
	var v any
	if len(raw) > 0 && json.Unmarshal(raw, &v) == nil {
		return v
	}
	return string(raw)
}

func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

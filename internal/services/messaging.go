package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"aerostic/backend/internal/logging"
)

// HTTPMessageSender posts outbound messages to the messaging gateway.
type HTTPMessageSender struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPMessageSender creates a sender for the gateway at url.
func NewHTTPMessageSender(url, token string, client *http.Client) *HTTPMessageSender {
	if client == nil {
		client = newHTTPClient()
	}
	return &HTTPMessageSender{url: strings.TrimRight(url, "/"), token: token, client: client}
}

// Send posts msg to <url>/messages and returns the gateway acknowledgement.
func (s *HTTPMessageSender) Send(ctx context.Context, msg OutboundMessage) (*SendResult, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("messaging gateway returned status %d", resp.StatusCode)
	}

	var result SendResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return &result, nil
}

// LogMessageSender only logs outbound messages. It backs local runs where no
// gateway is configured.
type LogMessageSender struct {
	logger *logging.Logger
}

// NewLogMessageSender creates a LogMessageSender.
func NewLogMessageSender(logger *logging.Logger) *LogMessageSender {
	return &LogMessageSender{logger: logger}
}

// Send logs msg and reports it as sent.
func (s *LogMessageSender) Send(_ context.Context, msg OutboundMessage) (*SendResult, error) {
	id := uuid.New().String()
	s.logger.Info("Outbound message", "id", id, "tenant_id", msg.TenantID, "to", msg.To, "type", msg.Type, "payload", msg.Payload)
	return &SendResult{Sent: true, ID: id}, nil
}

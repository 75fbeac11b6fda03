package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"aerostic/backend/internal/trigger"
	"aerostic/backend/pkg/models"
)

const maxWebhookBody = 1 << 20

// headers never copied into the trigger context.
var sensitiveHeaders = []string{"Authorization", "Cookie", "Proxy-Authorization"}

// ReceiveWebhook queues a delivery for the workflow and answers 202 with the
// event id. Retried deliveries should repeat the Idempotency-Key or
// X-Event-Id header so they are processed once.
// (POST /automation/webhooks/:workflowId)
func (s *Server) ReceiveWebhook(c echo.Context) error {
	req := c.Request()
	raw, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		return problem(c, http.StatusBadRequest, "Bad Request", "failed to read body: "+err.Error())
	}

	headers := req.Header.Clone()
	for _, h := range sensitiveHeaders {
		headers.Del(h)
	}
	hook := trigger.Webhook{
		EventID: firstNonEmpty(req.Header.Get("Idempotency-Key"), req.Header.Get("X-Event-Id")),
		Body:    decodeBody(raw),
		Query:   c.QueryParams(),
		Headers: headers,
	}

	eventID, err := s.triggers.EnqueueWebhook(req.Context(), c.Param("workflowId"), hook)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"eventId": eventID})
}

// decodeBody returns JSON bodies as decoded values and anything else as text.
func decodeBody(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	return string(raw)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// ReceiveMessage starts the runs of every workflow listening for the event
// type. The tenant always comes from the caller's credentials.
// (POST /api/v1/events/messages)
func (s *Server) ReceiveMessage(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	var event models.TriggerEvent
	if err := c.Bind(&event); err != nil {
		return problem(c, http.StatusBadRequest, "Bad Request", "Invalid request body: "+err.Error())
	}
	if event.Type == "" {
		event.Type = "new_message"
	}
	event.TenantID = tenantID

	matched, err := s.triggers.HandleMessage(c.Request().Context(), event)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]int{"matched": matched})
}

// StreamExecutionEvents streams live progress of one execution as
// Server-Sent Events until the run reaches a terminal state or the client
// disconnects.
// (GET /api/v1/executions/:id/events)
func (s *Server) StreamExecutionEvents(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	if s.progress == nil {
		return problem(c, http.StatusNotImplemented, "Not Implemented", "live progress is not configured")
	}
	ctx := c.Request().Context()

	// Subscribe before reading the current status so no transition is lost.
	events, stop, err := s.progress.Subscribe(ctx, c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	defer stop()

	exec, err := s.store.GetExecution(ctx, tenantID, c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	current := map[string]any{"status": string(exec.Status), "workflowId": exec.WorkflowID}
	if err := writeSSE(res, "execution.status", current); err != nil {
		return nil
	}
	if exec.Status.IsTerminal() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeSSE(res, ev.Event, ev.Payload); err != nil {
				return nil
			}
			if status, _ := ev.Payload["status"].(string); status != "" && models.ExecutionStatus(status).IsTerminal() {
				return nil
			}
		}
	}
}

func writeSSE(res *echo.Response, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	res.Flush()
	return nil
}

// ChunkRequest is one piece of knowledge base content.
type ChunkRequest struct {
	Content string `json:"content"`
}

// AddKnowledgeChunk embeds and stores content in a knowledge base
// (POST /api/v1/knowledge-bases/:id/chunks)
func (s *Server) AddKnowledgeChunk(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	if s.knowledge == nil {
		return problem(c, http.StatusNotImplemented, "Not Implemented", "knowledge base is not configured")
	}
	var req ChunkRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "Bad Request", "Invalid request body: "+err.Error())
	}
	if strings.TrimSpace(req.Content) == "" {
		return problem(c, http.StatusBadRequest, "Bad Request", "content is required")
	}
	chunk, err := s.knowledge.AddChunk(c.Request().Context(), tenantID, c.Param("id"), req.Content)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, chunk)
}

package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/massgen-ai/massgen/pkg/config"
)

const defaultResponsesBaseURL = "https://api.openai.com/v1"

// ResponsesBackend streams turns through the OpenAI Responses API. The
// endpoint has no streaming support in the client library pinned here, so
// the SSE wire format is consumed directly.
type ResponsesBackend struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
	retry      retryConfig
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewResponsesBackend builds an adapter from backend configuration.
func NewResponsesBackend(cfg config.BackendConfig, logger *slog.Logger) *ResponsesBackend {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultResponsesBaseURL
	}
	return &ResponsesBackend{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		httpClient: &http.Client{},
		retry:      defaultRetryConfig(cfg.MaxRetries),
		limiter:    newLimiter(cfg.RequestsPerSecond),
		logger:     logger.With("component", "backend", "style", config.BackendStyleOpenAIResponses),
	}
}

// Wire types for the Responses API.

type responsesItem struct {
	Type      string `json:"type,omitempty"`
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

type responsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type responsesRequest struct {
	Model           string          `json:"model"`
	Input           []responsesItem `json:"input"`
	Instructions    string          `json:"instructions,omitempty"`
	Tools           []responsesTool `json:"tools,omitempty"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
	Stream          bool            `json:"stream"`
}

type responsesOutputItem struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type responsesError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type responsesResponse struct {
	Status            string          `json:"status"`
	Error             *responsesError `json:"error"`
	IncompleteDetails *struct {
		Reason string `json:"reason"`
	} `json:"incomplete_details"`
}

type responsesStreamEvent struct {
	Type     string               `json:"type"`
	Delta    string               `json:"delta"`
	ItemID   string               `json:"item_id"`
	Item     *responsesOutputItem `json:"item"`
	Response *responsesResponse   `json:"response"`
	Message  string               `json:"message"`
}

// responsesHTTPError carries a non-2xx status so the retry loop can
// distinguish throttling from permanent failures.
type responsesHTTPError struct {
	Status int
	Body   string
}

func (e *responsesHTTPError) Error() string {
	return fmt.Sprintf("responses api: status %d: %s", e.Status, e.Body)
}

// StreamTurn implements Backend.
func (b *ResponsesBackend) StreamTurn(ctx context.Context, req TurnRequest) (<-chan Event, error) {
	payload, err := json.Marshal(b.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal responses request: %w", err)
	}
	ch := make(chan Event, eventBufferSize)
	go func() {
		defer close(ch)
		em := newEmitter(ctx, ch)
		runTurn(ctx, b.logger, b.retry, b.limiter, em, func() error {
			return b.streamOnce(ctx, payload, em)
		})
	}()
	return ch, nil
}

func (b *ResponsesBackend) streamOnce(ctx context.Context, payload []byte, em *emitter) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/responses", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create responses request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		herr := &responsesHTTPError{Status: resp.StatusCode, Body: string(body)}
		if transientStatus(resp.StatusCode) {
			return markTransient(herr)
		}
		return herr
	}

	scanner := bufio.NewScanner(resp.Body)
	// Large buffer for SSE payloads; a single data line can carry a whole
	// accumulated tool call.
	scanner.Buffer(make([]byte, 0, 16*1024*1024), 16*1024*1024)

	// Function-call items are keyed by item id in argument deltas but by
	// call id everywhere downstream.
	callIDs := make(map[string]string)
	sawToolCall := false
	var jsonBuf strings.Builder

	handle := func(data string) (bool, error) {
		var ev responsesStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			// Unparseable keepalives and unknown payloads are skipped.
			return false, nil
		}
		return b.handleStreamEvent(ctx, ev, em, callIDs, &sawToolCall)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			// Continuation of a JSON payload split across lines.
			if jsonBuf.Len() > 0 {
				jsonBuf.WriteString(line)
				if isCompleteJSON(jsonBuf.String()) {
					done, err := handle(jsonBuf.String())
					jsonBuf.Reset()
					if done || err != nil {
						return err
					}
				}
			}
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		if isCompleteJSON(data) {
			done, err := handle(data)
			if done || err != nil {
				return err
			}
			continue
		}
		jsonBuf.Reset()
		jsonBuf.WriteString(data)
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return markTransient(err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// The stream ended without a terminal response event.
	reason := StopReasonStop
	if sawToolCall {
		reason = StopReasonToolUse
	}
	em.endTurn(reason)
	return nil
}

// handleStreamEvent dispatches one parsed event. done reports that the
// terminal TurnEnd was emitted.
func (b *ResponsesBackend) handleStreamEvent(ctx context.Context, ev responsesStreamEvent, em *emitter, callIDs map[string]string, sawToolCall *bool) (bool, error) {
	switch ev.Type {
	case "response.output_text.delta":
		if ev.Delta == "" {
			return false, nil
		}
		if !em.send(TextDelta{Text: ev.Delta}) {
			return false, ctx.Err()
		}
	case "response.output_item.added":
		if ev.Item == nil || ev.Item.Type != "function_call" {
			return false, nil
		}
		callIDs[ev.Item.ID] = ev.Item.CallID
		*sawToolCall = true
		if !em.send(ToolCallStart{ID: ev.Item.CallID, Name: ev.Item.Name}) {
			return false, ctx.Err()
		}
		if ev.Item.Arguments != "" {
			if !em.send(ToolCallArgDelta{ID: ev.Item.CallID, Fragment: ev.Item.Arguments}) {
				return false, ctx.Err()
			}
		}
	case "response.function_call_arguments.delta":
		callID, ok := callIDs[ev.ItemID]
		if !ok || ev.Delta == "" {
			return false, nil
		}
		if !em.send(ToolCallArgDelta{ID: callID, Fragment: ev.Delta}) {
			return false, ctx.Err()
		}
	case "response.output_item.done":
		if ev.Item == nil || ev.Item.Type != "function_call" {
			return false, nil
		}
		if !em.send(ToolCallEnd{ID: ev.Item.CallID}) {
			return false, ctx.Err()
		}
	case "response.completed":
		reason := StopReasonStop
		if *sawToolCall {
			reason = StopReasonToolUse
		}
		em.endTurn(reason)
		return true, nil
	case "response.incomplete":
		reason := StopReasonStop
		if ev.Response != nil && ev.Response.IncompleteDetails != nil && ev.Response.IncompleteDetails.Reason == "max_output_tokens" {
			reason = StopReasonLengthLimit
		} else if *sawToolCall {
			reason = StopReasonToolUse
		}
		em.endTurn(reason)
		return true, nil
	case "response.failed":
		if ev.Response != nil && ev.Response.Error != nil {
			return false, fmt.Errorf("responses api: %s: %s", ev.Response.Error.Code, ev.Response.Error.Message)
		}
		return false, fmt.Errorf("responses api: response failed")
	case "error":
		return false, fmt.Errorf("responses api: %s", ev.Message)
	}
	return false, nil
}

func (b *ResponsesBackend) buildRequest(req TurnRequest) responsesRequest {
	input := make([]responsesItem, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			input = append(input, responsesItem{Role: "user", Content: m.Content})
		case RoleAssistant:
			if m.Content != "" {
				input = append(input, responsesItem{Role: "assistant", Content: m.Content})
			}
			for _, call := range m.ToolCalls {
				input = append(input, responsesItem{
					Type:      "function_call",
					CallID:    call.ID,
					Name:      call.Name,
					Arguments: call.Arguments,
				})
			}
		case RoleTool:
			input = append(input, responsesItem{
				Type:   "function_call_output",
				CallID: m.ToolCallID,
				Output: m.Content,
			})
		}
	}
	out := responsesRequest{
		Model:           b.model,
		Input:           input,
		Instructions:    req.SystemPrompt,
		MaxOutputTokens: effectiveMaxTokens(req.MaxTokens, b.maxTokens),
		Stream:          true,
	}
	for _, def := range req.Tools {
		params := def.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object"}`)
		}
		out.Tools = append(out.Tools, responsesTool{
			Type:        "function",
			Name:        def.Name,
			Description: def.Description,
			Parameters:  params,
		})
	}
	return out
}

// isCompleteJSON checks whether a string has balanced braces/brackets,
// indicating it is a complete JSON value.
func isCompleteJSON(s string) bool {
	depth := 0
	inString := false
	escape := false
	for _, ch := range s {
		if escape {
			escape = false
			continue
		}
		if ch == '\\' && inString {
			escape = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		}
	}
	return depth == 0 && !inString
}

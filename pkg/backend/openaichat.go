package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/massgen-ai/massgen/pkg/config"
	"github.com/massgen-ai/massgen/pkg/models"
)

// openaiStreamer is the slice of the go-openai client the adapter needs.
type openaiStreamer interface {
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// OpenAIChatBackend streams turns through the OpenAI Chat Completions API
// or any compatible endpoint reachable via base_url.
type OpenAIChatBackend struct {
	client    openaiStreamer
	model     string
	maxTokens int
	retry     retryConfig
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewOpenAIChatBackend builds an adapter from backend configuration.
func NewOpenAIChatBackend(cfg config.BackendConfig, logger *slog.Logger) *OpenAIChatBackend {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIChatBackend{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		retry:     defaultRetryConfig(cfg.MaxRetries),
		limiter:   newLimiter(cfg.RequestsPerSecond),
		logger:    logger.With("component", "backend", "style", config.BackendStyleOpenAIChat),
	}
}

// StreamTurn implements Backend.
func (b *OpenAIChatBackend) StreamTurn(ctx context.Context, req TurnRequest) (<-chan Event, error) {
	chatReq := b.buildRequest(req)
	ch := make(chan Event, eventBufferSize)
	go func() {
		defer close(ch)
		em := newEmitter(ctx, ch)
		runTurn(ctx, b.logger, b.retry, b.limiter, em, func() error {
			return b.streamOnce(ctx, chatReq, em)
		})
	}()
	return ch, nil
}

// pendingToolCall accumulates one streamed tool call. OpenAI interleaves
// id, name, and argument fragments across chunks keyed by index; the start
// event is held back until both id and name have arrived.
type pendingToolCall struct {
	id      string
	name    string
	started bool
	argBuf  string
}

func (b *OpenAIChatBackend) streamOnce(ctx context.Context, chatReq openai.ChatCompletionRequest, em *emitter) error {
	stream, err := b.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return classifyOpenAIErr(err)
	}
	defer stream.Close()

	calls := make(map[int]*pendingToolCall)
	var order []int
	finish := ""
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return classifyOpenAIErr(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			finish = string(choice.FinishReason)
		}
		if choice.Delta.Content != "" {
			if !em.send(TextDelta{Text: choice.Delta.Content}) {
				return ctx.Err()
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			pc := calls[idx]
			if pc == nil {
				pc = &pendingToolCall{}
				calls[idx] = pc
				order = append(order, idx)
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.argBuf += tc.Function.Arguments
			if !pc.started && pc.id != "" && pc.name != "" {
				pc.started = true
				if !em.send(ToolCallStart{ID: pc.id, Name: pc.name}) {
					return ctx.Err()
				}
			}
			if pc.started && pc.argBuf != "" {
				fragment := pc.argBuf
				pc.argBuf = ""
				if !em.send(ToolCallArgDelta{ID: pc.id, Fragment: fragment}) {
					return ctx.Err()
				}
			}
		}
	}
	for _, idx := range order {
		if pc := calls[idx]; pc.started {
			if !em.send(ToolCallEnd{ID: pc.id}) {
				return ctx.Err()
			}
		}
	}
	em.endTurn(mapOpenAIFinish(finish))
	return nil
}

func (b *OpenAIChatBackend) buildRequest(req TurnRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: m.Content,
			})
		case RoleAssistant:
			msg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: m.Content,
			}
			for _, call := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: call.Arguments,
					},
				})
			}
			messages = append(messages, msg)
		case RoleTool:
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		}
	}
	return openai.ChatCompletionRequest{
		Model:     b.model,
		Messages:  messages,
		Tools:     encodeOpenAITools(req.Tools),
		MaxTokens: effectiveMaxTokens(req.MaxTokens, b.maxTokens),
	}
}

func encodeOpenAITools(defs []models.ToolDefinition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		var params map[string]any
		if len(def.Parameters) > 0 {
			if err := json.Unmarshal(def.Parameters, &params); err != nil {
				params = map[string]any{"type": "object"}
			}
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

func mapOpenAIFinish(reason string) StopReason {
	switch reason {
	case "tool_calls", "function_call":
		return StopReasonToolUse
	case "length":
		return StopReasonLengthLimit
	default:
		return StopReasonStop
	}
}

func classifyOpenAIErr(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && transientStatus(apiErr.HTTPStatusCode) {
		return markTransient(err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && transientStatus(reqErr.HTTPStatusCode) {
		return markTransient(err)
	}
	return err
}

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"golang.org/x/time/rate"

	"github.com/massgen-ai/massgen/pkg/config"
	"github.com/massgen-ai/massgen/pkg/models"
)

// anthropicMessages is the slice of the SDK message service the adapter
// needs, kept narrow so tests can stub it.
type anthropicMessages interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicBackend streams turns through the Anthropic Messages API.
type AnthropicBackend struct {
	messages  anthropicMessages
	model     string
	maxTokens int
	retry     retryConfig
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewAnthropicBackend builds an adapter from backend configuration.
func NewAnthropicBackend(cfg config.BackendConfig, logger *slog.Logger) *AnthropicBackend {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := sdk.NewClient(opts...)
	return &AnthropicBackend{
		messages:  &client.Messages,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		retry:     defaultRetryConfig(cfg.MaxRetries),
		limiter:   newLimiter(cfg.RequestsPerSecond),
		logger:    logger.With("component", "backend", "style", config.BackendStyleAnthropic),
	}
}

// StreamTurn implements Backend.
func (b *AnthropicBackend) StreamTurn(ctx context.Context, req TurnRequest) (<-chan Event, error) {
	params, err := b.buildParams(req)
	if err != nil {
		return nil, err
	}
	ch := make(chan Event, eventBufferSize)
	go func() {
		defer close(ch)
		em := newEmitter(ctx, ch)
		runTurn(ctx, b.logger, b.retry, b.limiter, em, func() error {
			return b.streamOnce(ctx, *params, em)
		})
	}()
	return ch, nil
}

func (b *AnthropicBackend) streamOnce(ctx context.Context, params sdk.MessageNewParams, em *emitter) error {
	stream := b.messages.NewStreaming(ctx, params)
	defer stream.Close()
	if err := stream.Err(); err != nil {
		return classifyAnthropicErr(err)
	}

	// Tool-use block IDs by content block index, so argument deltas and
	// block stops can be attributed to the right call.
	toolIDs := make(map[int64]string)
	stopReason := ""
	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if block, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				toolIDs[ev.Index] = block.ID
				if !em.send(ToolCallStart{ID: block.ID, Name: block.Name}) {
					return ctx.Err()
				}
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				if !em.send(TextDelta{Text: delta.Text}) {
					return ctx.Err()
				}
			case sdk.InputJSONDelta:
				id, ok := toolIDs[ev.Index]
				if !ok || delta.PartialJSON == "" {
					continue
				}
				if !em.send(ToolCallArgDelta{ID: id, Fragment: delta.PartialJSON}) {
					return ctx.Err()
				}
			}
		case sdk.ContentBlockStopEvent:
			id, ok := toolIDs[ev.Index]
			if !ok {
				continue
			}
			delete(toolIDs, ev.Index)
			if !em.send(ToolCallEnd{ID: id}) {
				return ctx.Err()
			}
		case sdk.MessageDeltaEvent:
			stopReason = string(ev.Delta.StopReason)
		case sdk.MessageStopEvent:
			em.endTurn(mapAnthropicStop(stopReason))
			return nil
		}
	}
	if err := stream.Err(); err != nil {
		return classifyAnthropicErr(err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("anthropic stream ended without message_stop")
}

func (b *AnthropicBackend) buildParams(req TurnRequest) (*sdk.MessageNewParams, error) {
	msgs, err := encodeAnthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := &sdk.MessageNewParams{
		MaxTokens: int64(effectiveMaxTokens(req.MaxTokens, b.maxTokens)),
		Messages:  msgs,
		Model:     sdk.Model(b.model),
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if tools, err := encodeAnthropicTools(req.Tools); err != nil {
		return nil, err
	} else if len(tools) > 0 {
		params.Tools = tools
	}
	return params, nil
}

// encodeAnthropicMessages translates the canonical conversation. Tool
// results become tool_result blocks inside user messages; consecutive
// results collapse into one user message, matching how the API expects
// them after an assistant tool_use turn.
func encodeAnthropicMessages(msgs []Message) ([]sdk.MessageParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var pendingResults []sdk.ContentBlockParamUnion
	flushResults := func() {
		if len(pendingResults) > 0 {
			conversation = append(conversation, sdk.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			flushResults()
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case RoleAssistant:
			flushResults()
			var blocks []sdk.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(call.ID, json.RawMessage(call.Arguments), call.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		case RoleTool:
			pendingResults = append(pendingResults, sdk.NewToolResultBlock(m.ToolCallID, m.Content, m.ToolErr))
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	flushResults()
	return conversation, nil
}

func encodeAnthropicTools(defs []models.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema, err := anthropicInputSchema(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		tools = append(tools, u)
	}
	return tools, nil
}

func anthropicInputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func mapAnthropicStop(reason string) StopReason {
	switch reason {
	case "tool_use":
		return StopReasonToolUse
	case "max_tokens":
		return StopReasonLengthLimit
	default:
		return StopReasonStop
	}
}

func classifyAnthropicErr(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) && transientStatus(apiErr.StatusCode) {
		return markTransient(err)
	}
	return err
}

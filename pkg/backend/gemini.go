package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/massgen-ai/massgen/pkg/config"
	"github.com/massgen-ai/massgen/pkg/models"
)

// GeminiBackend streams turns through the Gemini API.
type GeminiBackend struct {
	client    *genai.Client
	model     string
	maxTokens int
	retry     retryConfig
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewGeminiBackend builds an adapter from backend configuration.
func NewGeminiBackend(cfg config.BackendConfig, logger *slog.Logger) (*GeminiBackend, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiBackend{
		client:    client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		retry:     defaultRetryConfig(cfg.MaxRetries),
		limiter:   newLimiter(cfg.RequestsPerSecond),
		logger:    logger.With("component", "backend", "style", config.BackendStyleGemini),
	}, nil
}

// StreamTurn implements Backend.
func (b *GeminiBackend) StreamTurn(ctx context.Context, req TurnRequest) (<-chan Event, error) {
	contents := encodeGeminiMessages(req.Messages)
	genCfg := b.buildConfig(req)
	ch := make(chan Event, eventBufferSize)
	go func() {
		defer close(ch)
		em := newEmitter(ctx, ch)
		runTurn(ctx, b.logger, b.retry, b.limiter, em, func() error {
			return b.streamOnce(ctx, contents, genCfg, em)
		})
	}()
	return ch, nil
}

func (b *GeminiBackend) streamOnce(ctx context.Context, contents []*genai.Content, genCfg *genai.GenerateContentConfig, em *emitter) error {
	sawToolCall := false
	var finish genai.FinishReason
	for resp, err := range b.client.Models.GenerateContentStream(ctx, b.model, contents, genCfg) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err != nil {
			return classifyGeminiErr(err)
		}
		if resp == nil {
			continue
		}
		for _, cand := range resp.Candidates {
			if cand == nil || cand.Content == nil {
				continue
			}
			if cand.FinishReason != "" {
				finish = cand.FinishReason
			}
			for _, part := range cand.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					if !em.send(TextDelta{Text: part.Text}) {
						return ctx.Err()
					}
				}
				if part.FunctionCall == nil {
					continue
				}
				// Gemini delivers calls whole and without IDs, so one is
				// minted and the args arrive as a single fragment.
				args, jerr := json.Marshal(part.FunctionCall.Args)
				if jerr != nil {
					args = []byte("{}")
				}
				id := newGeminiCallID(part.FunctionCall.Name)
				sawToolCall = true
				if !em.send(ToolCallStart{ID: id, Name: part.FunctionCall.Name}) {
					return ctx.Err()
				}
				if !em.send(ToolCallArgDelta{ID: id, Fragment: string(args)}) {
					return ctx.Err()
				}
				if !em.send(ToolCallEnd{ID: id}) {
					return ctx.Err()
				}
			}
		}
	}
	reason := StopReasonStop
	switch {
	case sawToolCall:
		reason = StopReasonToolUse
	case finish == genai.FinishReasonMaxTokens:
		reason = StopReasonLengthLimit
	}
	em.endTurn(reason)
	return nil
}

func (b *GeminiBackend) buildConfig(req TurnRequest) *genai.GenerateContentConfig {
	genCfg := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		genCfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
		}
	}
	genCfg.MaxOutputTokens = int32(effectiveMaxTokens(req.MaxTokens, b.maxTokens))
	if tools := encodeGeminiTools(req.Tools); tools != nil {
		genCfg.Tools = tools
	}
	return genCfg
}

func encodeGeminiMessages(msgs []Message) []*genai.Content {
	var contents []*genai.Content
	for _, m := range msgs {
		content := &genai.Content{}
		switch m.Role {
		case RoleAssistant:
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}
		if m.Content != "" && m.Role != RoleTool {
			content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
		}
		for _, call := range m.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
				args = make(map[string]any)
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: call.Name, Args: args},
			})
		}
		if m.Role == RoleTool {
			var response map[string]any
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"result": m.Content, "error": m.ToolErr}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     toolNameForCall(m.ToolCallID, msgs),
					Response: response,
				},
			})
		}
		if len(content.Parts) > 0 {
			contents = append(contents, content)
		}
	}
	return contents
}

// toolNameForCall recovers the tool name for a call ID from the assistant
// message that issued it. Gemini keys function responses by name, not ID.
func toolNameForCall(callID string, msgs []Message) string {
	for _, m := range msgs {
		for _, call := range m.ToolCalls {
			if call.ID == callID {
				return call.Name
			}
		}
	}
	return ""
}

func encodeGeminiTools(defs []models.ToolDefinition) []*genai.Tool {
	if len(defs) == 0 {
		return nil
	}
	declarations := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, def := range defs {
		var schemaMap map[string]any
		if len(def.Parameters) > 0 {
			if err := json.Unmarshal(def.Parameters, &schemaMap); err != nil {
				schemaMap = nil
			}
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  toGeminiSchema(schemaMap),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGeminiSchema converts a JSON Schema map to Gemini's Schema type.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	return schema
}

// newGeminiCallID mints a call ID, since Gemini does not provide one.
func newGeminiCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}

// classifyGeminiErr classifies by message text: the genai SDK does not
// expose a stable typed status for every failure path.
func classifyGeminiErr(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "resource exhausted"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "500"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "unavailable"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "connection reset"):
		return markTransient(err)
	}
	return err
}

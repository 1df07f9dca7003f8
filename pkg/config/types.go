package config

import (
	"time"

	"github.com/massgen-ai/massgen/pkg/models"
)

// SessionConfig controls one coordination session's behavior.
type SessionConfig struct {
	// PlanningMode defers side-effecting external tools during coordination;
	// the winner may execute them during final presentation.
	PlanningMode bool `yaml:"planning_mode"`

	// PlanningModeInstruction is injected into every agent's system prompt
	// when planning mode is enabled.
	PlanningModeInstruction string `yaml:"planning_mode_instruction"`

	// SessionTimeout is the wall-clock budget for the whole session.
	// Expiry cancels all runners and forces fallback winner selection.
	SessionTimeout time.Duration `yaml:"session_timeout"`

	// TurnTimeout bounds one backend turn.
	TurnTimeout time.Duration `yaml:"turn_timeout"`

	// ToolTimeout bounds one external tool invocation.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// MaxAttemptsPerAgent bounds how many answers one agent may publish.
	MaxAttemptsPerAgent int `yaml:"max_attempts_per_agent"`

	// MaxConsecutiveBackendFailures marks a runner Failed after this many
	// permanent backend errors in a row.
	MaxConsecutiveBackendFailures int `yaml:"max_consecutive_backend_failures"`

	// WorkspaceRoot is where per-session directories are created.
	WorkspaceRoot string `yaml:"workspace_root"`
}

// AgentConfig describes one participating agent.
type AgentConfig struct {
	// AgentID is the stable identity used in labels, votes, and events.
	AgentID string `yaml:"agent_id"`

	// BackendRef names an entry in the backends map.
	BackendRef string `yaml:"backend_ref"`

	// SystemPrompt is the agent's base system prompt.
	SystemPrompt string `yaml:"system_prompt"`

	// Tools lists external tool names this agent may call, matched against
	// the normalized names exposed by the configured tool servers. Empty
	// means all discovered tools.
	Tools []string `yaml:"tools,omitempty"`
}

// BackendConfig describes one LLM backend binding.
type BackendConfig struct {
	Style   BackendStyle `yaml:"style"`
	Model   string       `yaml:"model"`
	APIKey  string       `yaml:"api_key"`
	BaseURL string       `yaml:"base_url,omitempty"`

	// MaxTokens caps generation length per turn.
	MaxTokens int `yaml:"max_tokens"`

	// MaxRetries bounds internal retry of transient failures.
	MaxRetries int `yaml:"max_retries"`

	// RequestsPerSecond throttles request starts; zero disables throttling.
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
}

// ToolServerConfig describes one external MCP tool server.
type ToolServerConfig struct {
	Transport TransportType `yaml:"transport"`

	// Command and Args launch a stdio server.
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
	Env     []string `yaml:"env,omitempty"`

	// URL locates an http or sse server.
	URL string `yaml:"url,omitempty"`

	// BearerToken authenticates http and sse transports.
	BearerToken string `yaml:"bearer_token,omitempty"`

	// VerifySSL disables TLS verification when explicitly false.
	VerifySSL *bool `yaml:"verify_ssl,omitempty"`

	// Timeout is the HTTP client timeout in seconds; zero uses no timeout.
	Timeout int `yaml:"timeout,omitempty"`

	// SideEffects classifies individual tools by name. Tools not listed get
	// DefaultSideEffect.
	SideEffects map[string]models.SideEffectClass `yaml:"side_effects,omitempty"`

	// DefaultSideEffect applies to tools absent from SideEffects.
	// Defaults to side_effecting: unknown tools are assumed unsafe to replay.
	DefaultSideEffect models.SideEffectClass `yaml:"default_side_effect,omitempty"`
}

// ClassifyTool returns the side-effect class for a tool name on this server.
func (c *ToolServerConfig) ClassifyTool(name string) models.SideEffectClass {
	if cls, ok := c.SideEffects[name]; ok {
		return cls
	}
	if c.DefaultSideEffect != "" {
		return c.DefaultSideEffect
	}
	return models.SideEffectSideEffecting
}

// MaskPattern is one custom masking rule applied on top of the built-in
// credential patterns.
type MaskPattern struct {
	// Pattern is an RE2 regular expression.
	Pattern string `yaml:"pattern"`

	// Replacement substitutes matches; empty uses the standard marker.
	Replacement string `yaml:"replacement,omitempty"`
}

// MaskingConfig controls credential masking of tool results and journal
// payloads.
type MaskingConfig struct {
	Enabled bool `yaml:"enabled"`

	// CustomPatterns extends the built-in credential patterns.
	CustomPatterns []MaskPattern `yaml:"custom_patterns,omitempty"`
}

// StoreConfig selects and locates the session store.
type StoreConfig struct {
	Driver StoreDriver `yaml:"driver"`
	DSN    string      `yaml:"dsn"`
}

// APIConfig controls the observation HTTP/WebSocket server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`

	// AllowedWSOrigins lists additional WebSocket origin patterns beyond
	// same-host defaults.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins,omitempty"`
}

// TelemetryConfig controls trace export. Empty endpoint disables tracing.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// RetentionConfig controls cleanup of old sessions and snapshots.
type RetentionConfig struct {
	// SessionRetention is how long ended sessions (directories and store
	// rows) are kept.
	SessionRetention time.Duration `yaml:"session_retention"`

	// CleanupInterval is how often the cleanup loop runs in serve mode.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

package backend

import (
	"fmt"
	"log/slog"

	"github.com/massgen-ai/massgen/pkg/config"
)

// New builds the adapter for one backend configuration.
func New(cfg config.BackendConfig, logger *slog.Logger) (Backend, error) {
	switch cfg.Style {
	case config.BackendStyleAnthropic:
		return NewAnthropicBackend(cfg, logger), nil
	case config.BackendStyleOpenAIChat:
		return NewOpenAIChatBackend(cfg, logger), nil
	case config.BackendStyleOpenAIResponses:
		return NewResponsesBackend(cfg, logger), nil
	case config.BackendStyleGemini:
		return NewGeminiBackend(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported backend style: %s", cfg.Style)
	}
}

// Registry resolves backend references to built adapters. Adapters are
// shared between agents that reference the same backend, so one rate
// limiter covers them all.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry builds every configured backend up front so bad credentials
// or styles fail at startup, not mid-session.
func NewRegistry(cfgs map[string]config.BackendConfig, logger *slog.Logger) (*Registry, error) {
	backends := make(map[string]Backend, len(cfgs))
	for name, cfg := range cfgs {
		b, err := New(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", name, err)
		}
		backends[name] = b
	}
	return &Registry{backends: backends}, nil
}

// Resolve returns the adapter registered under name.
func (r *Registry) Resolve(name string) (Backend, error) {
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend reference: %s", name)
	}
	return b, nil
}

// Register adds or replaces an adapter. Tests use it to install scripted
// backends.
func (r *Registry) Register(name string, b Backend) {
	if r.backends == nil {
		r.backends = make(map[string]Backend)
	}
	r.backends[name] = b
}

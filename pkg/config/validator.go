package config

import "fmt"

// Validator validates configuration comprehensively with clear error messages
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast, stops at first error)
func (v *Validator) ValidateAll() error {
	// Backends and tool servers before agents, so cross-references are
	// checked against validated entries.
	if err := v.validateSession(); err != nil {
		return fmt.Errorf("session validation failed: %w", err)
	}
	if err := v.validateBackends(); err != nil {
		return fmt.Errorf("backend validation failed: %w", err)
	}
	if err := v.validateToolServers(); err != nil {
		return fmt.Errorf("tool server validation failed: %w", err)
	}
	if err := v.validateAgents(); err != nil {
		return fmt.Errorf("agent validation failed: %w", err)
	}
	if err := v.validateStore(); err != nil {
		return fmt.Errorf("store validation failed: %w", err)
	}
	if err := v.validateAPI(); err != nil {
		return fmt.Errorf("api validation failed: %w", err)
	}
	return nil
}

func (v *Validator) validateSession() error {
	s := v.cfg.Session
	if s == nil {
		return NewValidationError("session", "session", "", ErrMissingRequiredField)
	}
	if s.SessionTimeout <= 0 {
		return NewValidationError("session", "session", "session_timeout", fmt.Errorf("must be positive"))
	}
	if s.TurnTimeout <= 0 {
		return NewValidationError("session", "session", "turn_timeout", fmt.Errorf("must be positive"))
	}
	if s.ToolTimeout <= 0 {
		return NewValidationError("session", "session", "tool_timeout", fmt.Errorf("must be positive"))
	}
	if s.MaxAttemptsPerAgent < 1 {
		return NewValidationError("session", "session", "max_attempts_per_agent", fmt.Errorf("must be at least 1"))
	}
	if s.MaxConsecutiveBackendFailures < 1 {
		return NewValidationError("session", "session", "max_consecutive_backend_failures", fmt.Errorf("must be at least 1"))
	}
	if s.WorkspaceRoot == "" {
		return NewValidationError("session", "session", "workspace_root", ErrMissingRequiredField)
	}
	return nil
}

func (v *Validator) validateAgents() error {
	if len(v.cfg.Agents) < 2 {
		return NewValidationError("agents", "agents", "", fmt.Errorf("at least two agents required for coordination"))
	}

	seen := make(map[string]bool, len(v.cfg.Agents))
	for _, agent := range v.cfg.Agents {
		if agent.AgentID == "" {
			return NewValidationError("agent", agent.AgentID, "agent_id", ErrMissingRequiredField)
		}
		if seen[agent.AgentID] {
			return NewValidationError("agent", agent.AgentID, "agent_id", fmt.Errorf("duplicate agent_id"))
		}
		seen[agent.AgentID] = true

		if agent.BackendRef == "" {
			return NewValidationError("agent", agent.AgentID, "backend_ref", ErrMissingRequiredField)
		}
		if !v.cfg.BackendRegistry.Has(agent.BackendRef) {
			return NewValidationError("agent", agent.AgentID, "backend_ref",
				fmt.Errorf("%w: backend '%s' not found", ErrInvalidReference, agent.BackendRef))
		}
	}
	return nil
}

func (v *Validator) validateBackends() error {
	for ref, b := range v.cfg.BackendRegistry.GetAll() {
		if !b.Style.IsValid() {
			return NewValidationError("backend", ref, "style", fmt.Errorf("%w: %s", ErrInvalidValue, b.Style))
		}
		if b.Model == "" {
			return NewValidationError("backend", ref, "model", ErrMissingRequiredField)
		}
		if b.MaxTokens < 1 {
			return NewValidationError("backend", ref, "max_tokens", fmt.Errorf("must be at least 1"))
		}
		if b.MaxRetries < 0 {
			return NewValidationError("backend", ref, "max_retries", fmt.Errorf("must not be negative"))
		}
		if b.RequestsPerSecond < 0 {
			return NewValidationError("backend", ref, "requests_per_second", fmt.Errorf("must not be negative"))
		}
	}
	return nil
}

func (v *Validator) validateToolServers() error {
	for id, s := range v.cfg.ToolServerRegistry.GetAll() {
		if !s.Transport.IsValid() {
			return NewValidationError("tool_server", id, "transport", fmt.Errorf("%w: %s", ErrInvalidValue, s.Transport))
		}
		switch s.Transport {
		case TransportTypeStdio:
			if s.Command == "" {
				return NewValidationError("tool_server", id, "command", ErrMissingRequiredField)
			}
		case TransportTypeHTTP, TransportTypeSSE:
			if s.URL == "" {
				return NewValidationError("tool_server", id, "url", ErrMissingRequiredField)
			}
		}
		for tool, cls := range s.SideEffects {
			if !cls.IsValid() {
				return NewValidationError("tool_server", id, "side_effects",
					fmt.Errorf("%w: tool '%s' class '%s'", ErrInvalidValue, tool, cls))
			}
		}
		if s.DefaultSideEffect != "" && !s.DefaultSideEffect.IsValid() {
			return NewValidationError("tool_server", id, "default_side_effect",
				fmt.Errorf("%w: %s", ErrInvalidValue, s.DefaultSideEffect))
		}
	}
	return nil
}

func (v *Validator) validateStore() error {
	s := v.cfg.Store
	if s == nil {
		return nil
	}
	if !s.Driver.IsValid() {
		return NewValidationError("store", string(s.Driver), "driver", fmt.Errorf("%w: %s", ErrInvalidValue, s.Driver))
	}
	if s.DSN == "" {
		return NewValidationError("store", string(s.Driver), "dsn", ErrMissingRequiredField)
	}
	return nil
}

func (v *Validator) validateAPI() error {
	a := v.cfg.API
	if a == nil || !a.Enabled {
		return nil
	}
	if a.Addr == "" {
		return NewValidationError("api", "api", "addr", ErrMissingRequiredField)
	}
	return nil
}

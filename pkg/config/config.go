package config

import "sort"

// Config is the umbrella configuration object returned by Initialize() and
// used throughout the application.
type Config struct {
	configPath string // configuration file path (for reference)

	Session   *SessionConfig
	Agents    []AgentConfig
	Store     *StoreConfig
	API       *APIConfig
	Telemetry *TelemetryConfig
	Retention *RetentionConfig
	Masking   *MaskingConfig

	BackendRegistry    *BackendRegistry
	ToolServerRegistry *ToolServerRegistry
}

// Stats contains statistics about loaded configuration
type Stats struct {
	Agents      int
	Backends    int
	ToolServers int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{Agents: len(c.Agents)}
	if c.BackendRegistry != nil {
		s.Backends = c.BackendRegistry.Len()
	}
	if c.ToolServerRegistry != nil {
		s.ToolServers = c.ToolServerRegistry.Len()
	}
	return s
}

// ConfigPath returns the configuration file path
func (c *Config) ConfigPath() string {
	return c.configPath
}

// GetBackend retrieves a backend configuration by ref name.
func (c *Config) GetBackend(ref string) (*BackendConfig, error) {
	return c.BackendRegistry.Get(ref)
}

// GetToolServer retrieves a tool server configuration by ID.
func (c *Config) GetToolServer(serverID string) (*ToolServerConfig, error) {
	return c.ToolServerRegistry.Get(serverID)
}

// AllToolServerIDs returns a sorted list of all configured tool server IDs.
func (c *Config) AllToolServerIDs() []string {
	return c.ToolServerRegistry.ServerIDs()
}

// BackendRegistry holds backend configurations keyed by ref name.
type BackendRegistry struct {
	backends map[string]*BackendConfig
}

// NewBackendRegistry creates a registry from the parsed backends map.
func NewBackendRegistry(backends map[string]*BackendConfig) *BackendRegistry {
	if backends == nil {
		backends = make(map[string]*BackendConfig)
	}
	return &BackendRegistry{backends: backends}
}

// Get returns the backend config for ref, or ErrBackendNotFound.
func (r *BackendRegistry) Get(ref string) (*BackendConfig, error) {
	b, ok := r.backends[ref]
	if !ok {
		return nil, NewValidationError("backend", ref, "", ErrBackendNotFound)
	}
	return b, nil
}

// Has reports whether ref is registered.
func (r *BackendRegistry) Has(ref string) bool {
	_, ok := r.backends[ref]
	return ok
}

// Len returns the number of registered backends.
func (r *BackendRegistry) Len() int {
	return len(r.backends)
}

// Refs returns all backend ref names, sorted.
func (r *BackendRegistry) Refs() []string {
	refs := make([]string, 0, len(r.backends))
	for ref := range r.backends {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// GetAll returns the underlying map (read-only by convention).
func (r *BackendRegistry) GetAll() map[string]*BackendConfig {
	return r.backends
}

// ToolServerRegistry holds MCP tool server configurations keyed by server ID.
type ToolServerRegistry struct {
	servers map[string]*ToolServerConfig
}

// NewToolServerRegistry creates a registry from the parsed tool server map.
func NewToolServerRegistry(servers map[string]*ToolServerConfig) *ToolServerRegistry {
	if servers == nil {
		servers = make(map[string]*ToolServerConfig)
	}
	return &ToolServerRegistry{servers: servers}
}

// Get returns the server config for serverID, or ErrToolServerNotFound.
func (r *ToolServerRegistry) Get(serverID string) (*ToolServerConfig, error) {
	s, ok := r.servers[serverID]
	if !ok {
		return nil, NewValidationError("tool_server", serverID, "", ErrToolServerNotFound)
	}
	return s, nil
}

// Has reports whether serverID is registered.
func (r *ToolServerRegistry) Has(serverID string) bool {
	_, ok := r.servers[serverID]
	return ok
}

// Len returns the number of registered tool servers.
func (r *ToolServerRegistry) Len() int {
	return len(r.servers)
}

// ServerIDs returns all server IDs, sorted.
func (r *ToolServerRegistry) ServerIDs() []string {
	ids := make([]string, 0, len(r.servers))
	for id := range r.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetAll returns the underlying map (read-only by convention).
func (r *ToolServerRegistry) GetAll() map[string]*ToolServerConfig {
	return r.servers
}

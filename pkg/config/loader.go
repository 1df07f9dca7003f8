package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// MassgenYAMLConfig represents the complete massgen.yaml file structure
type MassgenYAMLConfig struct {
	Session     *SessionConfig               `yaml:"session"`
	Agents      []AgentConfig                `yaml:"agents"`
	Backends    map[string]BackendConfig     `yaml:"backends"`
	ToolServers map[string]ToolServerConfig  `yaml:"tool_servers"`
	Store       *StoreConfig                 `yaml:"store"`
	API         *APIConfig                   `yaml:"api"`
	Telemetry   *TelemetryConfig             `yaml:"telemetry"`
	Retention   *RetentionConfig             `yaml:"retention"`
	Masking     *MaskingConfig               `yaml:"masking"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read massgen.yaml
//  2. Expand ${VAR} environment references
//  3. Parse YAML into structs
//  4. Merge user values over built-in defaults
//  5. Build in-memory registries
//  6. Validate all configuration
func Initialize(ctx context.Context, configPath string) (*Config, error) {
	log := slog.With("config_path", configPath)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"agents", stats.Agents,
		"backends", stats.Backends,
		"tool_servers", stats.ToolServers)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configPath string) (*Config, error) {
	raw, err := loadMassgenYAML(configPath)
	if err != nil {
		return nil, NewLoadError(configPath, err)
	}

	// Session, store, API, telemetry, and retention sections merge user
	// values over built-in defaults; non-zero user fields win.
	session := DefaultSessionConfig()
	if raw.Session != nil {
		if err := mergo.Merge(session, raw.Session, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge session config: %w", err)
		}
	}

	store := DefaultStoreConfig()
	if raw.Store != nil {
		if err := mergo.Merge(store, raw.Store, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge store config: %w", err)
		}
	}

	apiCfg := DefaultAPIConfig()
	if raw.API != nil {
		if err := mergo.Merge(apiCfg, raw.API, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge api config: %w", err)
		}
	}

	telemetry := DefaultTelemetryConfig()
	if raw.Telemetry != nil {
		if err := mergo.Merge(telemetry, raw.Telemetry, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge telemetry config: %w", err)
		}
	}

	retention := DefaultRetentionConfig()
	if raw.Retention != nil {
		if err := mergo.Merge(retention, raw.Retention, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge retention config: %w", err)
		}
	}

	masking := DefaultMaskingConfig()
	if raw.Masking != nil {
		if err := mergo.Merge(masking, raw.Masking, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge masking config: %w", err)
		}
	}

	// Backends get per-entry defaults under user values.
	backends := make(map[string]*BackendConfig, len(raw.Backends))
	for ref, b := range raw.Backends {
		merged := *DefaultBackendConfig()
		userCopy := b
		if err := mergo.Merge(&merged, &userCopy, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge backend %q: %w", ref, err)
		}
		backends[ref] = &merged
	}

	toolServers := make(map[string]*ToolServerConfig, len(raw.ToolServers))
	for id, s := range raw.ToolServers {
		serverCopy := s
		toolServers[id] = &serverCopy
	}

	return &Config{
		configPath:         configPath,
		Session:            session,
		Agents:             raw.Agents,
		Store:              store,
		API:                apiCfg,
		Telemetry:          telemetry,
		Retention:          retention,
		Masking:            masking,
		BackendRegistry:    NewBackendRegistry(backends),
		ToolServerRegistry: NewToolServerRegistry(toolServers),
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}

func loadMassgenYAML(path string) (*MassgenYAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	data = ExpandEnv(data)

	config := MassgenYAMLConfig{
		Backends:    make(map[string]BackendConfig),
		ToolServers: make(map[string]ToolServerConfig),
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return &config, nil
}

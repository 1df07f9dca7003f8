package config

import "time"

// DefaultPlanningInstruction is injected when planning mode is enabled and
// the YAML provides no instruction of its own.
const DefaultPlanningInstruction = "Planning mode is active: tools that change external state are " +
	"deferred during coordination. Describe intended side-effecting calls; the winning agent may " +
	"execute them during final presentation."

// DefaultSessionConfig returns the built-in session defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		PlanningMode:                  false,
		PlanningModeInstruction:       DefaultPlanningInstruction,
		SessionTimeout:                15 * time.Minute,
		TurnTimeout:                   3 * time.Minute,
		ToolTimeout:                   30 * time.Second,
		MaxAttemptsPerAgent:           5,
		MaxConsecutiveBackendFailures: 3,
		WorkspaceRoot:                 "./massgen-sessions",
	}
}

// DefaultBackendConfig returns per-backend defaults merged under user values.
func DefaultBackendConfig() *BackendConfig {
	return &BackendConfig{
		MaxTokens:  8192,
		MaxRetries: 3,
	}
}

// DefaultStoreConfig returns the built-in store defaults (embedded SQLite).
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		Driver: StoreDriverSQLite,
		DSN:    "./massgen.db",
	}
}

// DefaultAPIConfig returns the built-in observation API defaults.
func DefaultAPIConfig() *APIConfig {
	return &APIConfig{
		Enabled: false,
		Addr:    ":8080",
	}
}

// DefaultTelemetryConfig returns telemetry defaults (tracing disabled).
func DefaultTelemetryConfig() *TelemetryConfig {
	return &TelemetryConfig{}
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		SessionRetention: 30 * 24 * time.Hour,
		CleanupInterval:  12 * time.Hour,
	}
}

// DefaultMaskingConfig returns masking defaults (disabled; opt-in like the
// rest of the data-handling features).
func DefaultMaskingConfig() *MaskingConfig {
	return &MaskingConfig{}
}

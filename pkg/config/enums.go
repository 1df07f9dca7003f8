package config

// BackendStyle defines the provider wire shape a backend adapter speaks
type BackendStyle string

const (
	// BackendStyleAnthropic is the Anthropic Messages API
	BackendStyleAnthropic BackendStyle = "anthropic"
	// BackendStyleOpenAIChat is the OpenAI Chat Completions API and compatibles
	BackendStyleOpenAIChat BackendStyle = "openai_chat"
	// BackendStyleOpenAIResponses is the OpenAI Responses API
	BackendStyleOpenAIResponses BackendStyle = "openai_responses"
	// BackendStyleGemini is the Google Gemini API
	BackendStyleGemini BackendStyle = "gemini"
)

// IsValid checks if the backend style is valid
func (s BackendStyle) IsValid() bool {
	switch s {
	case BackendStyleAnthropic,
		BackendStyleOpenAIChat,
		BackendStyleOpenAIResponses,
		BackendStyleGemini:
		return true
	default:
		return false
	}
}

// TransportType defines MCP tool server transport types
type TransportType string

const (
	// TransportTypeStdio uses subprocess communication via stdin/stdout
	TransportTypeStdio TransportType = "stdio"
	// TransportTypeHTTP uses streamable HTTP JSON-RPC
	TransportTypeHTTP TransportType = "http"
	// TransportTypeSSE uses Server-Sent Events
	TransportTypeSSE TransportType = "sse"
)

// IsValid checks if the transport type is valid
func (t TransportType) IsValid() bool {
	return t == TransportTypeStdio || t == TransportTypeHTTP || t == TransportTypeSSE
}

// StoreDriver defines supported session store drivers
type StoreDriver string

const (
	// StoreDriverSQLite is the embedded modernc SQLite driver
	StoreDriverSQLite StoreDriver = "sqlite"
	// StoreDriverPostgres is PostgreSQL via pgx
	StoreDriverPostgres StoreDriver = "postgres"
)

// IsValid checks if the store driver is valid
func (d StoreDriver) IsValid() bool {
	return d == StoreDriverSQLite || d == StoreDriverPostgres
}

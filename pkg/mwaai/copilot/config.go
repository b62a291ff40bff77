// Package copilot – config.go defines all configuration structures
// for the mwaai assistant.
package copilot

import (
	"github.com/jholhewres/mwaai/pkg/mwaai/channels/cloudapi"
	"github.com/jholhewres/mwaai/pkg/mwaai/channels/whatsapp"
	"github.com/jholhewres/mwaai/pkg/mwaai/copilot/memory"
	"github.com/jholhewres/mwaai/pkg/mwaai/database"
	"github.com/jholhewres/mwaai/pkg/mwaai/gateway"
	"github.com/jholhewres/mwaai/pkg/mwaai/media"
	"github.com/jholhewres/mwaai/pkg/mwaai/scheduler"
)

// Config holds all assistant configuration.
type Config struct {
	// Name is the assistant name used in the system prompt.
	Name string `yaml:"name"`

	// Model is the main chat model (e.g. "gpt-4.1").
	Model string `yaml:"model"`

	// API configures the LLM provider endpoint.
	API APIConfig `yaml:"api"`

	// Fallback configures model fallback with retry and backoff.
	Fallback FallbackConfig `yaml:"fallback"`

	// Instructions are appended to the built-in system prompt.
	Instructions string `yaml:"instructions"`

	// Agent configures the dialogue loop (step cap, timeouts).
	Agent AgentConfig `yaml:"agent"`

	// Storage selects where timezones, conversations and processed
	// message ids live.
	Storage StorageConfig `yaml:"storage"`

	// Database configures the shared SQL database.
	Database database.HubConfig `yaml:"database"`

	// Scheduler configures scheduled message delivery.
	Scheduler scheduler.Config `yaml:"scheduler"`

	// Channels configures the WhatsApp transports.
	Channels ChannelsConfig `yaml:"channels"`

	// Media configures attachment summarization.
	Media media.Config `yaml:"media"`

	// Memory configures the long-term similarity store.
	Memory MemoryConfig `yaml:"memory"`

	// Gateway configures the HTTP server (webhook, health, metrics).
	Gateway gateway.Config `yaml:"gateway"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig configures the LLM provider endpoint and credentials.
type APIConfig struct {
	// BaseURL is the API base URL (OpenAI-compatible endpoint).
	BaseURL string `yaml:"base_url"`

	// APIKey is the authentication key for the provider.
	// Can also be set via the OPENAI_API_KEY environment variable.
	APIKey string `yaml:"api_key"`
}

// FallbackConfig configures retries and fallback models.
type FallbackConfig struct {
	// Models is the ordered list of fallback models to try on failure.
	Models []string `yaml:"models"`

	// MaxRetries per model before moving to next (default: 2).
	MaxRetries int `yaml:"max_retries"`

	// InitialBackoffMs is the initial retry delay in ms (default: 1000).
	InitialBackoffMs int `yaml:"initial_backoff_ms"`

	// MaxBackoffMs caps the backoff (default: 30000).
	MaxBackoffMs int `yaml:"max_backoff_ms"`

	// RetryOnStatusCodes lists HTTP codes that trigger retry.
	RetryOnStatusCodes []int `yaml:"retry_on_status_codes"`
}

// Effective returns a copy with default values filled in for zero fields.
func (f FallbackConfig) Effective() FallbackConfig {
	out := f
	if out.MaxRetries == 0 {
		out.MaxRetries = 2
	}
	if out.InitialBackoffMs == 0 {
		out.InitialBackoffMs = 1000
	}
	if out.MaxBackoffMs == 0 {
		out.MaxBackoffMs = 30000
	}
	if len(out.RetryOnStatusCodes) == 0 {
		out.RetryOnStatusCodes = []int{429, 500, 502, 503, 521, 522, 523, 524, 529}
	}
	return out
}

// Storage backends.
const (
	StorageDatabase = "database"
	StorageFile     = "file"
)

// StorageConfig selects the store backend.
type StorageConfig struct {
	// Backend is "database" (the shared SQL database) or "file" (JSON
	// files under Dir).
	Backend string `yaml:"backend"`

	// Dir is the root of the file backend.
	Dir string `yaml:"dir"`
}

// ChannelsConfig holds configuration for all channels.
type ChannelsConfig struct {
	// CloudAPI is the WhatsApp Cloud API (webhook) channel.
	CloudAPI cloudapi.Config `yaml:"cloudapi"`

	// WhatsApp is the linked-device channel.
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
}

// MemoryConfig configures the similarity store.
type MemoryConfig struct {
	// Enabled turns the remember-and-recall tool's store on.
	Enabled bool `yaml:"enabled"`

	// Embedding configures the embedding provider.
	Embedding memory.EmbeddingConfig `yaml:"embedding"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`
}

// DefaultConfig returns the default assistant configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:  "mwaai",
		Model: "gpt-4.1",
		API: APIConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		Agent: DefaultAgentConfig(),
		Storage: StorageConfig{
			Backend: StorageDatabase,
			Dir:     "./data",
		},
		Database:  database.DefaultHubConfig(),
		Scheduler: scheduler.DefaultConfig(),
		Channels: ChannelsConfig{
			CloudAPI: cloudapi.DefaultConfig(),
			WhatsApp: whatsapp.DefaultConfig(),
		},
		Media: media.DefaultConfig(),
		Memory: MemoryConfig{
			Enabled:   true,
			Embedding: memory.DefaultEmbeddingConfig(),
		},
		Gateway: gateway.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

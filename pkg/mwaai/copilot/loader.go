// Package copilot – loader.go handles loading configuration from YAML files
// with credentials taken from the OS keyring, environment variables and
// .env files.
package copilot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable patterns in config values:
//   - ${VAR_NAME}          - simple variable
//   - ${VAR_NAME:-default} - default value if not set
//   - ${VAR_NAME:?error}   - error message if not set
//   - $VAR_NAME            - bare variable
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadConfigFromFile reads and parses a YAML configuration file.
// Loads .env files first and expands environment variables.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// LoadDefaultConfig returns the defaults with secrets taken from the
// environment. Used when no config file exists.
func LoadDefaultConfig() *Config {
	loadEnvFiles()
	cfg := DefaultConfig()
	resolveSecrets(cfg)
	return cfg
}

// ParseConfig parses YAML bytes into a Config.
// Starts with defaults and overlays values from the YAML.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// SaveConfigToFile writes a Config as YAML to path. Secrets that match an
// environment variable are written as references to it.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.API.APIKey = sanitizeSecret(cfg.API.APIKey, "OPENAI_API_KEY")
	sanitized.Channels.CloudAPI.Token = sanitizeSecret(cfg.Channels.CloudAPI.Token, "WHATSAPP_TOKEN")
	sanitized.Channels.CloudAPI.VerifyToken = sanitizeSecret(cfg.Channels.CloudAPI.VerifyToken, "WHATSAPP_VERIFY_TOKEN")

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"mwaai.yaml",
		"mwaai.yml",
		"configs/config.yaml",
		"configs/mwaai.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ---------- Internal ----------

// loadEnvFiles loads .env files. Existing env vars are not overwritten.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR}, ${VAR:-default}, ${VAR:?error} and $VAR
// references. Unset plain references are kept as is; an unset ${VAR:?msg}
// is an error.
func expandEnvVars(input string) (string, error) {
	var missing error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		m := envVarPattern.FindStringSubmatch(match)
		varName, modifier, value, bareVar := m[1], m[2], m[3], m[4]

		if bareVar != "" {
			if val, ok := os.LookupEnv(bareVar); ok {
				return val
			}
			return match
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			if missing == nil {
				missing = fmt.Errorf("config error: %s - %s", varName, value)
			}
		}
		return match
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}

// resolveSecrets fills in config secrets that are empty or unexpanded
// references, first from the OS keyring and then from the environment.
func resolveSecrets(cfg *Config) {
	fill := func(dst *string, secret string, envs ...string) {
		if *dst != "" && !IsEnvReference(*dst) {
			return
		}
		if v := GetKeyring(secret); v != "" {
			*dst = v
			return
		}
		for _, env := range envs {
			if v := os.Getenv(env); v != "" {
				*dst = v
				return
			}
		}
	}

	fill(&cfg.API.APIKey, SecretAPIKey, "MWAAI_API_KEY", "OPENAI_API_KEY", "OPENAI_TOKEN")
	fill(&cfg.Memory.Embedding.APIKey, SecretAPIKey, "MWAAI_EMBEDDING_API_KEY", "OPENAI_API_KEY", "OPENAI_TOKEN")
	fill(&cfg.Channels.CloudAPI.Token, SecretWhatsAppToken, "WHATSAPP_TOKEN")
	fill(&cfg.Channels.CloudAPI.VerifyToken, SecretVerifyToken, "WHATSAPP_VERIFY_TOKEN", "VERIFY_TOKEN")
	fill(&cfg.Database.PostgreSQL.Password, SecretDBPassword, "MWAAI_DB_PASSWORD")
}

// resolveRelativePaths resolves relative paths against the directory
// holding the config file.
func resolveRelativePaths(cfg *Config, configPath string) {
	configDir := filepath.Dir(configPath)

	cfg.Storage.Dir = resolvePathFromConfig(cfg.Storage.Dir, configDir)
	cfg.Database.SQLite.Path = resolvePathFromConfig(cfg.Database.SQLite.Path, configDir)
	cfg.Scheduler.Path = resolvePathFromConfig(cfg.Scheduler.Path, configDir)
	cfg.Media.ArchiveDir = resolvePathFromConfig(cfg.Media.ArchiveDir, configDir)
	cfg.Channels.WhatsApp.DatabasePath = resolvePathFromConfig(cfg.Channels.WhatsApp.DatabasePath, configDir)
}

// resolvePathFromConfig converts a path to absolute, resolving relative paths
// against the config file's directory. Expands ~ to home directory.
func resolvePathFromConfig(path, configDir string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// sanitizeSecret replaces a secret with a reference to envVar when the
// variable holds the same value.
func sanitizeSecret(value, envVar string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	if os.Getenv(envVar) == value {
		return "${" + envVar + "}"
	}
	return value
}

// IsEnvReference checks if a string is an environment variable reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "$")
}

// checkFilePermissions warns if config file is group or world readable.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}

package database

import (
	"time"
)

// HubConfig represents the database configuration.
type HubConfig struct {
	// Backend is the database backend type (default: "sqlite")
	Backend BackendType `yaml:"backend"`

	// SQLite configuration
	SQLite SQLiteConfig `yaml:"sqlite"`

	// PostgreSQL configuration
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
}

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	// Path to the database file (default: "./data/mwaai.db")
	Path string `yaml:"path"`

	// Journal mode (default: WAL)
	JournalMode string `yaml:"journal_mode"`

	// Busy timeout in milliseconds (default: 5000)
	BusyTimeout int `yaml:"busy_timeout"`
}

// PostgreSQLConfig holds PostgreSQL configuration.
type PostgreSQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`

	// Password for authentication (supports ${ENV_VAR} expansion)
	Password string `yaml:"password"`

	// SSL mode: disable, require, verify-ca, verify-full
	SSLMode string `yaml:"ssl_mode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// Vector search (pgvector)
	Vector VectorConfig `yaml:"vector"`
}

// VectorConfig configures pgvector.
type VectorConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Dimensions int    `yaml:"dimensions"`
	IndexType  string `yaml:"index_type"`
}

// DefaultHubConfig returns the default configuration (SQLite).
func DefaultHubConfig() HubConfig {
	return HubConfig{
		Backend: BackendSQLite,
		SQLite: SQLiteConfig{
			Path:        "./data/mwaai.db",
			JournalMode: "WAL",
			BusyTimeout: 5000,
		},
		PostgreSQL: PostgreSQLConfig{
			Host:            "localhost",
			Port:            5432,
			SSLMode:         "require",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
			Vector: VectorConfig{
				Enabled:    true,
				Dimensions: 1536,
				IndexType:  "hnsw",
			},
		},
	}
}

// Effective returns a copy with default values filled in for zero fields.
func (c HubConfig) Effective() HubConfig {
	out := c

	if out.Backend == "" {
		out.Backend = BackendSQLite
	}
	if out.SQLite.Path == "" {
		out.SQLite.Path = "./data/mwaai.db"
	}
	if out.SQLite.JournalMode == "" {
		out.SQLite.JournalMode = "WAL"
	}
	if out.SQLite.BusyTimeout == 0 {
		out.SQLite.BusyTimeout = 5000
	}
	return out
}

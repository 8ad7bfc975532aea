package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds process configuration.
type Config struct {
	DataDir          string
	LogLevel         string
	Tier             string
	TokenStore       string // memory | sqlite | redis
	RedisAddr        string
	UsageStore       string // memory | sqlite | postgres
	DatabaseURL      string
	WebhookSecret    string
	WebhookAddr      string
	NetworkPolicy    string // path to a YAML network policy; empty means offline
	PolicyTemplates  string // path to extra YAML templates
	PolicyTemplate   string // id[@version] of the active template
	OTLPEndpoint     string
	TelemetryEnabled bool
	Flags            Flags
}

// Flags are the runtime feature toggles. Operations receive a Flags value
// captured at the start of a request and never re-read it mid-flight.
type Flags struct {
	WebhooksEnabled   bool
	AuditPurgeEnabled bool
	ExecutionEnabled  bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	dataDir := os.Getenv("STEWARD_DATA_DIR")
	if dataDir == "" {
		dataDir = filepath.Join(".", ".steward")
	}

	return &Config{
		DataDir:          dataDir,
		LogLevel:         envOr("STEWARD_LOG_LEVEL", "INFO"),
		Tier:             envOr("STEWARD_TIER", "free"),
		TokenStore:       strings.ToLower(envOr("STEWARD_TOKEN_STORE", "memory")),
		RedisAddr:        envOr("STEWARD_REDIS_ADDR", "localhost:6379"),
		UsageStore:       strings.ToLower(envOr("STEWARD_USAGE_STORE", "memory")),
		DatabaseURL:      envOr("STEWARD_DATABASE_URL", "postgres://steward@localhost:5432/steward?sslmode=disable"),
		WebhookSecret:    os.Getenv("STEWARD_WEBHOOK_SECRET"),
		WebhookAddr:      envOr("STEWARD_WEBHOOK_ADDR", "127.0.0.1:8787"),
		NetworkPolicy:    os.Getenv("STEWARD_NETWORK_POLICY"),
		PolicyTemplates:  os.Getenv("STEWARD_POLICY_TEMPLATES"),
		PolicyTemplate:   envOr("STEWARD_POLICY_TEMPLATE", "conservative"),
		OTLPEndpoint:     envOr("STEWARD_OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: os.Getenv("STEWARD_TELEMETRY") == "true",
		Flags: Flags{
			WebhooksEnabled:   os.Getenv("STEWARD_WEBHOOKS_ENABLED") == "true",
			AuditPurgeEnabled: os.Getenv("STEWARD_AUDIT_PURGE_ENABLED") == "true",
			ExecutionEnabled:  os.Getenv("STEWARD_EXECUTION_ENABLED") != "false",
		},
	}
}

// LoadDotEnv loads a .env file into the process environment. Variables
// already set are not overridden. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// Validate rejects unknown backend names.
func (c *Config) Validate() error {
	switch c.TokenStore {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("config: unknown token store %q", c.TokenStore)
	}
	switch c.UsageStore {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown usage store %q", c.UsageStore)
	}
	return nil
}

// TemplateRef splits PolicyTemplate into id and version. An empty version
// selects the latest registered one.
func (c *Config) TemplateRef() (id, version string) {
	id, version, _ = strings.Cut(c.PolicyTemplate, "@")
	return id, version
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

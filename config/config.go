package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/outfold/dispatch/services/roles"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig
	Providers   ProvidersConfig
	Dispatch    DispatchConfig
	Telemetry   TelemetryConfig
	Auth        AuthConfig
	RolesFile   string
	LogLevel    string
	Environment string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// ProvidersConfig holds per-backend construction inputs. Credential values
// are resolved here; adapters only ever see the final strings.
type ProvidersConfig struct {
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
}

// ProviderConfig holds one backend's construction inputs
type ProviderConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// DispatchConfig holds the orchestrator retry policy
type DispatchConfig struct {
	MaxRetries     int
	AttemptTimeout time.Duration
	BaseBackoff    time.Duration
}

// TelemetryConfig holds the usage sink configuration. An empty DatabaseURL
// means usage records go to the structured log only.
type TelemetryConfig struct {
	DatabaseURL string
}

// AuthConfig holds the gateway's bearer-token settings. An empty secret
// disables authentication (development mode).
type AuthConfig struct {
	JWTSecret string
}

// New creates a new Config instance by loading environment variables
func New() (*Config, error) {
	// Load .env if present; real deployments set the environment directly.
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		RolesFile:   getEnv("ROLES_FILE", "roles.yaml"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Providers: ProvidersConfig{
			OpenAI: ProviderConfig{
				APIKey:  getEnv("OPENAI_API_KEY", ""),
				BaseURL: getEnv("OPENAI_BASE_URL", ""),
				Timeout: getEnvAsDuration("OPENAI_TIMEOUT", 60*time.Second),
			},
			Anthropic: ProviderConfig{
				APIKey:  getEnv("ANTHROPIC_API_KEY", ""),
				BaseURL: getEnv("ANTHROPIC_BASE_URL", ""),
				Timeout: getEnvAsDuration("ANTHROPIC_TIMEOUT", 60*time.Second),
			},
		},
		Dispatch: DispatchConfig{
			MaxRetries:     getEnvAsInt("DISPATCH_MAX_RETRIES", 2),
			AttemptTimeout: getEnvAsDuration("DISPATCH_ATTEMPT_TIMEOUT", 60*time.Second),
			BaseBackoff:    getEnvAsDuration("DISPATCH_BASE_BACKOFF", 250*time.Millisecond),
		},
		Telemetry: TelemetryConfig{
			DatabaseURL: getEnv("TELEMETRY_DATABASE_URL", ""),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if c.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}
	if c.RolesFile == "" {
		return fmt.Errorf("roles file path is required")
	}
	if c.IsProduction() {
		if c.Providers.OpenAI.APIKey == "" && c.Providers.Anthropic.APIKey == "" {
			return fmt.Errorf("at least one provider must be configured in production")
		}
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("JWT secret is required in production")
		}
	}
	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// roleManifest is the on-disk shape of the roles file.
type roleManifest struct {
	Roles []roles.Config `yaml:"roles"`
}

// LoadRoles reads the YAML role manifest into the role table consumed by
// the resolver. Duplicate role names are rejected here so the resolver can
// assume a clean table.
func LoadRoles(path string) (map[string]roles.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roles file %s: %w", path, err)
	}
	return ParseRoles(data)
}

// ParseRoles parses a YAML role manifest.
func ParseRoles(data []byte) (map[string]roles.Config, error) {
	var manifest roleManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse roles manifest: %w", err)
	}
	if len(manifest.Roles) == 0 {
		return nil, fmt.Errorf("roles manifest defines no roles")
	}

	table := make(map[string]roles.Config, len(manifest.Roles))
	for _, rc := range manifest.Roles {
		if rc.Role == "" {
			return nil, fmt.Errorf("roles manifest contains an entry without a role name")
		}
		if _, exists := table[rc.Role]; exists {
			return nil, fmt.Errorf("role %q defined twice in roles manifest", rc.Role)
		}
		table[rc.Role] = rc
	}
	return table, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// Package config provides unified configuration for the sandbox session
// service.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (ANALYZER_ prefix, plus the DAYTONA_
//     variables understood by the Daytona SDKs)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import "time"

// Config holds all configuration for the service.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Sandbox       SandboxConfig       `yaml:"sandbox"`
	Storage       StorageConfig       `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`             // default: 8080
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // default: 30s
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // default: 10m, covers a cold acquire plus execution
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 30s
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`   // default: 64 MiB
}

// SandboxConfig holds the session manager and provider settings.
type SandboxConfig struct {
	Provider        string            `yaml:"provider"` // "daytona", "docker" or "kubernetes", default: "daytona"
	Language        string            `yaml:"language"` // default: "python"
	WorkspaceDir    string            `yaml:"workspace_dir"`
	DefaultPackages []string          `yaml:"default_packages"`
	LabelKey        string            `yaml:"label_key"` // default: "id"
	Labels          map[string]string `yaml:"labels"`    // extra labels on every sandbox

	ResumeTimeout        time.Duration `yaml:"resume_timeout"`  // default: 60s
	ResumeAttempts       int           `yaml:"resume_attempts"` // default: 2
	CreateTimeout        time.Duration `yaml:"create_timeout"`  // default: 60s
	AcquireTimeout       time.Duration `yaml:"acquire_timeout"` // default: 3m
	PollInterval         time.Duration `yaml:"poll_interval"`   // default: 500ms
	MaxConcurrentCreates int           `yaml:"max_concurrent_creates"`

	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"breaker"`

	Daytona    DaytonaConfig    `yaml:"daytona"`
	Docker     DockerConfig     `yaml:"docker"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
}

// RetryConfig bounds retries of transient provider failures.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`  // default: 3
	InitialDelay time.Duration `yaml:"initial_delay"` // default: 200ms
	MaxDelay     time.Duration `yaml:"max_delay"`     // default: 5s
}

// BreakerConfig configures the circuit breaker in front of the provider.
type BreakerConfig struct {
	ConsecutiveFailures int           `yaml:"consecutive_failures"` // default: 5
	OpenTimeout         time.Duration `yaml:"open_timeout"`         // default: 30s
}

// DaytonaConfig holds Daytona control plane settings.
type DaytonaConfig struct {
	APIURL           string        `yaml:"api_url"` // default: "https://app.daytona.io/api"
	APIKey           string        `yaml:"api_key"`
	APIKeyFile       string        `yaml:"api_key_file"` // _file variant for api_key
	Target           string        `yaml:"target"`
	OrganizationID   string        `yaml:"organization_id"`
	Snapshot         string        `yaml:"snapshot"`
	AutoStopInterval int           `yaml:"auto_stop_interval"` // minutes, 0 keeps the Daytona default
	RequestTimeout   time.Duration `yaml:"request_timeout"`    // default: 2m
}

// DockerConfig holds local Docker provider settings.
type DockerConfig struct {
	Host     string `yaml:"host"`  // empty uses DOCKER_HOST
	Image    string `yaml:"image"` // default: "python:3.12-slim"
	Network  string `yaml:"network"`
	MemoryMB int64  `yaml:"memory_mb"` // default: 2048
}

// KubernetesConfig holds agent-sandbox provider settings.
type KubernetesConfig struct {
	Namespace  string `yaml:"namespace"` // default: "default"
	Template   string `yaml:"template"`  // SandboxTemplate name, required for kubernetes
	ServerPort int    `yaml:"server_port"`
}

// StorageConfig holds session ledger settings.
type StorageConfig struct {
	Type     string         `yaml:"type"`     // "memory" or "postgres", default: "memory"
	MaxSize  int            `yaml:"max_size"` // for memory store, default: 10000
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	DSNFile        string `yaml:"dsn_file"`         // _file variant for dsn
	MaxConns       int32  `yaml:"max_conns"`        // default: 25
	MigrateOnStart bool   `yaml:"migrate_on_start"` // default: false
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	Type      string          `yaml:"type"`     // "none", "apikey" or "jwt", default: "none"
	APIKeys   []APIKeyConfig  `yaml:"api_keys"` // API key entries for type=apikey
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// APIKeyConfig describes a single API key entry.
type APIKeyConfig struct {
	Key         string   `yaml:"key" json:"key"`
	KeyFile     string   `yaml:"key_file" json:"key_file"` // _file variant for key
	Subject     string   `yaml:"subject" json:"subject"`
	TenantID    string   `yaml:"tenant_id" json:"tenant_id"`
	ServiceTier string   `yaml:"service_tier" json:"service_tier"`
	Scopes      []string `yaml:"scopes" json:"scopes"`
}

// JWTConfig holds bearer token validation settings.
type JWTConfig struct {
	Secret        string `yaml:"secret"`
	SecretFile    string `yaml:"secret_file"` // _file variant for secret
	PublicKeyFile string `yaml:"public_key_file"`
	JWKSURL       string `yaml:"jwks_url"`
	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`
	TenantClaim   string `yaml:"tenant_claim"`
	TierClaim     string `yaml:"tier_claim"`
	ScopesClaim   string `yaml:"scopes_claim"`
}

// RateLimitConfig holds per-tier request limits.
type RateLimitConfig struct {
	Enabled    bool                `yaml:"enabled"`
	DefaultRPM int                 `yaml:"default_rpm"` // default: 120
	Tiers      map[string]TierRate `yaml:"tiers"`
}

// TierRate is the request budget of one service tier.
type TierRate struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// TracingConfig holds OpenTelemetry export settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"` // host:port of the OTLP collector
	Protocol    string  `yaml:"protocol"` // "grpc" or "http", default: "grpc"
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`  // default: 1.0
	ServiceName string  `yaml:"service_name"` // default: "finance-analyzer"
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // TRACE, DEBUG, INFO, WARN or ERROR, default: INFO
	Format string `yaml:"format"` // "text" or "json", default: "text"
	Debug  string `yaml:"debug"`  // comma-separated debug categories
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    64 << 20,
		},
		Sandbox: SandboxConfig{
			Provider:       "daytona",
			Language:       "python",
			WorkspaceDir:   "/home/daytona",
			LabelKey:       "id",
			ResumeTimeout:  60 * time.Second,
			ResumeAttempts: 2,
			CreateTimeout:  60 * time.Second,
			AcquireTimeout: 3 * time.Minute,
			PollInterval:   500 * time.Millisecond,

			MaxConcurrentCreates: 4,
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 200 * time.Millisecond,
				MaxDelay:     5 * time.Second,
			},
			Breaker: BreakerConfig{
				ConsecutiveFailures: 5,
				OpenTimeout:         30 * time.Second,
			},
			Daytona: DaytonaConfig{
				APIURL:         "https://app.daytona.io/api",
				RequestTimeout: 2 * time.Minute,
			},
			Docker: DockerConfig{
				Image:    "python:3.12-slim",
				MemoryMB: 2048,
			},
			Kubernetes: KubernetesConfig{
				Namespace:  "default",
				ServerPort: 8080,
			},
		},
		Storage: StorageConfig{
			Type:    "memory",
			MaxSize: 10000,
			Postgres: PostgresConfig{
				MaxConns: 25,
			},
		},
		Auth: AuthConfig{
			Type: "none",
			RateLimit: RateLimitConfig{
				DefaultRPM: 120,
			},
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
			Tracing: TracingConfig{
				Protocol:    "grpc",
				SampleRate:  1.0,
				ServiceName: "finance-analyzer",
			},
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}

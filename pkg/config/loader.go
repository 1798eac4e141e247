package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, ANALYZER_CONFIG env, ./config.yaml, /etc/finance-analyzer/config.yaml)
//  3. Environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. ANALYZER_CONFIG environment variable
// 3. ./config.yaml in the current directory
// 4. /etc/finance-analyzer/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("ANALYZER_CONFIG"); envPath != "" {
		return envPath
	}
	for _, path := range []string{"config.yaml", "/etc/finance-analyzer/config.yaml"} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides maps environment variables to config fields. Malformed
// numbers and durations are reported rather than silently ignored.
func applyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	var errs []string
	num := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", name, err))
				return
			}
			*dst = d
		}
	}

	num("ANALYZER_PORT", &cfg.Server.Port)

	str("ANALYZER_SANDBOX_PROVIDER", &cfg.Sandbox.Provider)
	str("ANALYZER_SANDBOX_LANGUAGE", &cfg.Sandbox.Language)
	str("ANALYZER_WORKSPACE_DIR", &cfg.Sandbox.WorkspaceDir)
	dur("ANALYZER_RESUME_TIMEOUT", &cfg.Sandbox.ResumeTimeout)
	dur("ANALYZER_CREATE_TIMEOUT", &cfg.Sandbox.CreateTimeout)
	dur("ANALYZER_ACQUIRE_TIMEOUT", &cfg.Sandbox.AcquireTimeout)
	if v := os.Getenv("ANALYZER_DEFAULT_PACKAGES"); v != "" {
		cfg.Sandbox.DefaultPackages = splitList(v)
	}

	// Names shared with the Daytona SDKs so one .env serves both.
	str("DAYTONA_API_KEY", &cfg.Sandbox.Daytona.APIKey)
	str("DAYTONA_API_URL", &cfg.Sandbox.Daytona.APIURL)
	str("DAYTONA_TARGET", &cfg.Sandbox.Daytona.Target)
	str("DAYTONA_ORGANIZATION_ID", &cfg.Sandbox.Daytona.OrganizationID)
	str("ANALYZER_DAYTONA_SNAPSHOT", &cfg.Sandbox.Daytona.Snapshot)

	str("ANALYZER_DOCKER_IMAGE", &cfg.Sandbox.Docker.Image)
	str("ANALYZER_K8S_NAMESPACE", &cfg.Sandbox.Kubernetes.Namespace)
	str("ANALYZER_K8S_TEMPLATE", &cfg.Sandbox.Kubernetes.Template)

	str("ANALYZER_STORAGE", &cfg.Storage.Type)
	num("ANALYZER_STORAGE_SIZE", &cfg.Storage.MaxSize)
	str("ANALYZER_POSTGRES_DSN", &cfg.Storage.Postgres.DSN)

	str("ANALYZER_AUTH_TYPE", &cfg.Auth.Type)
	str("ANALYZER_JWT_SECRET", &cfg.Auth.JWT.Secret)
	str("ANALYZER_JWKS_URL", &cfg.Auth.JWT.JWKSURL)

	// ANALYZER_API_KEYS: JSON array of API key configs.
	if v := os.Getenv("ANALYZER_API_KEYS"); v != "" {
		keys, err := parseAPIKeysJSON(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("ANALYZER_API_KEYS: %v", err))
		} else if len(keys) > 0 {
			cfg.Auth.APIKeys = keys
		}
	}

	str("ANALYZER_LOG_LEVEL", &cfg.Logging.Level)
	str("ANALYZER_LOG_FORMAT", &cfg.Logging.Format)
	str("ANALYZER_DEBUG", &cfg.Logging.Debug)

	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Observability.Tracing.Endpoint)
	str("OTEL_SERVICE_NAME", &cfg.Observability.Tracing.ServiceName)

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseAPIKeysJSON parses a JSON array of API key configurations.
func parseAPIKeysJSON(jsonStr string) ([]APIKeyConfig, error) {
	var keys []APIKeyConfig
	if err := json.Unmarshal([]byte(jsonStr), &keys); err != nil {
		return nil, fmt.Errorf("parsing API keys JSON: %w", err)
	}
	return keys, nil
}

// resolveFileReferences reads _file fields and populates the corresponding
// value fields. An explicit value always wins over its file.
func resolveFileReferences(cfg *Config) error {
	refs := []struct {
		name string
		file string
		dst  *string
	}{
		{"sandbox.daytona.api_key_file", cfg.Sandbox.Daytona.APIKeyFile, &cfg.Sandbox.Daytona.APIKey},
		{"storage.postgres.dsn_file", cfg.Storage.Postgres.DSNFile, &cfg.Storage.Postgres.DSN},
		{"auth.jwt.secret_file", cfg.Auth.JWT.SecretFile, &cfg.Auth.JWT.Secret},
	}
	for i := range cfg.Auth.APIKeys {
		refs = append(refs, struct {
			name string
			file string
			dst  *string
		}{fmt.Sprintf("auth.api_keys[%d].key_file", i), cfg.Auth.APIKeys[i].KeyFile, &cfg.Auth.APIKeys[i].Key})
	}

	for _, r := range refs {
		if r.file == "" || *r.dst != "" {
			continue
		}
		val, err := readSecretFile(r.file)
		if err != nil {
			return fmt.Errorf("%s: %w", r.name, err)
		}
		*r.dst = val
	}
	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the configuration for required fields and valid values.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}

	switch c.Sandbox.Provider {
	case "daytona":
		if c.Sandbox.Daytona.APIKey == "" && c.Sandbox.Daytona.APIKeyFile == "" {
			errs = append(errs, fmt.Errorf("sandbox.daytona.api_key or DAYTONA_API_KEY is required when sandbox.provider is \"daytona\""))
		}
		if c.Sandbox.Daytona.APIURL == "" {
			errs = append(errs, fmt.Errorf("sandbox.daytona.api_url is required"))
		}
	case "docker":
		if c.Sandbox.Docker.Image == "" {
			errs = append(errs, fmt.Errorf("sandbox.docker.image is required when sandbox.provider is \"docker\""))
		}
	case "kubernetes":
		if c.Sandbox.Kubernetes.Template == "" {
			errs = append(errs, fmt.Errorf("sandbox.kubernetes.template is required when sandbox.provider is \"kubernetes\""))
		}
	default:
		errs = append(errs, fmt.Errorf("sandbox.provider must be \"daytona\", \"docker\", or \"kubernetes\", got %q", c.Sandbox.Provider))
	}

	for name, d := range map[string]int64{
		"sandbox.resume_timeout":  int64(c.Sandbox.ResumeTimeout),
		"sandbox.create_timeout":  int64(c.Sandbox.CreateTimeout),
		"sandbox.acquire_timeout": int64(c.Sandbox.AcquireTimeout),
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.Sandbox.AcquireTimeout > 0 && c.Sandbox.ResumeTimeout > c.Sandbox.AcquireTimeout {
		errs = append(errs, fmt.Errorf("sandbox.resume_timeout (%s) exceeds sandbox.acquire_timeout (%s)",
			c.Sandbox.ResumeTimeout, c.Sandbox.AcquireTimeout))
	}
	if c.Sandbox.LabelKey == "" {
		errs = append(errs, fmt.Errorf("sandbox.label_key is required"))
	}

	switch c.Storage.Type {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.type must be \"memory\" or \"postgres\", got %q", c.Storage.Type))
	}
	if c.Storage.Type == "postgres" && c.Storage.Postgres.DSN == "" && c.Storage.Postgres.DSNFile == "" {
		errs = append(errs, fmt.Errorf("storage.postgres.dsn or storage.postgres.dsn_file is required when storage.type is \"postgres\""))
	}

	switch c.Auth.Type {
	case "none":
	case "apikey":
		if len(c.Auth.APIKeys) == 0 {
			errs = append(errs, fmt.Errorf("auth.api_keys must not be empty when auth.type is \"apikey\""))
		}
	case "jwt":
		j := c.Auth.JWT
		if j.Secret == "" && j.SecretFile == "" && j.PublicKeyFile == "" && j.JWKSURL == "" {
			errs = append(errs, fmt.Errorf("auth.jwt needs a secret, public_key_file or jwks_url when auth.type is \"jwt\""))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.type must be \"none\", \"apikey\", or \"jwt\", got %q", c.Auth.Type))
	}

	if c.Observability.Tracing.Enabled {
		switch c.Observability.Tracing.Protocol {
		case "grpc", "http", "":
		default:
			errs = append(errs, fmt.Errorf("observability.tracing.protocol must be \"grpc\" or \"http\", got %q", c.Observability.Tracing.Protocol))
		}
		if c.Observability.Tracing.Endpoint == "" {
			errs = append(errs, fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled"))
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json", "":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Ernesto385291/finance-analyzer/pkg/auth"
	"github.com/Ernesto385291/finance-analyzer/pkg/auth/apikey"
	"github.com/Ernesto385291/finance-analyzer/pkg/auth/jwt"
	"github.com/Ernesto385291/finance-analyzer/pkg/auth/noop"
	"github.com/Ernesto385291/finance-analyzer/pkg/config"
	"github.com/Ernesto385291/finance-analyzer/pkg/sandbox"
	"github.com/Ernesto385291/finance-analyzer/pkg/sandbox/daytona"
	"github.com/Ernesto385291/finance-analyzer/pkg/sandbox/docker"
	"github.com/Ernesto385291/finance-analyzer/pkg/sandbox/kubernetes"
	"github.com/Ernesto385291/finance-analyzer/pkg/storage"
	"github.com/Ernesto385291/finance-analyzer/pkg/storage/memory"
	"github.com/Ernesto385291/finance-analyzer/pkg/storage/postgres"
)

// buildProvider creates the configured sandbox provider. The returned
// func releases provider resources and is never nil.
func buildProvider(cfg config.SandboxConfig) (sandbox.Provider, func(), error) {
	nop := func() {}
	switch cfg.Provider {
	case "", "daytona":
		p, err := daytona.New(daytona.Config{
			APIURL:           cfg.Daytona.APIURL,
			APIKey:           cfg.Daytona.APIKey,
			OrganizationID:   cfg.Daytona.OrganizationID,
			Target:           cfg.Daytona.Target,
			Snapshot:         cfg.Daytona.Snapshot,
			AutoStopInterval: cfg.Daytona.AutoStopInterval,
			WorkDir:          cfg.WorkspaceDir,
			RequestTimeout:   cfg.Daytona.RequestTimeout,
		})
		if err != nil {
			return nil, nop, err
		}
		return p, nop, nil

	case "docker":
		p, err := docker.New(docker.Config{
			Host:     cfg.Docker.Host,
			Image:    cfg.Docker.Image,
			Network:  cfg.Docker.Network,
			MemoryMB: cfg.Docker.MemoryMB,
			WorkDir:  cfg.WorkspaceDir,
		})
		if err != nil {
			return nil, nop, err
		}
		return p, func() { _ = p.Close() }, nil

	case "kubernetes":
		p, err := kubernetes.NewFromEnvironment(kubernetes.Config{
			Namespace:  cfg.Kubernetes.Namespace,
			Template:   cfg.Kubernetes.Template,
			ServerPort: cfg.Kubernetes.ServerPort,
		})
		if err != nil {
			return nil, nop, err
		}
		return p, nop, nil

	default:
		return nil, nop, fmt.Errorf("unknown sandbox provider %q", cfg.Provider)
	}
}

// sandboxConfig maps the file configuration onto the session manager.
func sandboxConfig(cfg config.SandboxConfig) sandbox.Config {
	return sandbox.Config{
		LabelKey:             cfg.LabelKey,
		Labels:               cfg.Labels,
		Language:             cfg.Language,
		WorkspaceDir:         cfg.WorkspaceDir,
		DefaultPackages:      cfg.DefaultPackages,
		ResumeTimeout:        cfg.ResumeTimeout,
		ResumeAttempts:       cfg.ResumeAttempts,
		CreateTimeout:        cfg.CreateTimeout,
		AcquireTimeout:       cfg.AcquireTimeout,
		PollInterval:         cfg.PollInterval,
		MaxConcurrentCreates: cfg.MaxConcurrentCreates,
		Retry: sandbox.RetryConfig{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
		},
		Breaker: sandbox.BreakerConfig{
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
			OpenTimeout:         cfg.Breaker.OpenTimeout,
		},
	}
}

func buildStore(ctx context.Context, cfg config.StorageConfig) (storage.SessionStore, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.New(cfg.MaxSize), nil
	case "postgres":
		return postgres.New(ctx, postgres.Config{
			DSN:            cfg.Postgres.DSN,
			MaxConns:       cfg.Postgres.MaxConns,
			MigrateOnStart: cfg.Postgres.MigrateOnStart,
		})
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// buildAuthChain returns the authenticator chain for cfg. Requests no
// authenticator claims are rejected unless auth is disabled.
func buildAuthChain(cfg config.AuthConfig) (*auth.Chain, error) {
	switch cfg.Type {
	case "", "none":
		return auth.NewChain(auth.Yes, noop.Authenticator{}), nil

	case "apikey":
		keys := make([]apikey.Key, 0, len(cfg.APIKeys))
		for _, k := range cfg.APIKeys {
			keys = append(keys, apikey.Key{
				Key: k.Key,
				Identity: auth.Identity{
					Subject:     k.Subject,
					Tenant:      k.TenantID,
					ServiceTier: k.ServiceTier,
					Scopes:      k.Scopes,
				},
			})
		}
		return auth.NewChain(auth.No, apikey.New(keys)), nil

	case "jwt":
		jc := jwt.Config{
			Secret:      []byte(cfg.JWT.Secret),
			JWKSURL:     cfg.JWT.JWKSURL,
			Issuer:      cfg.JWT.Issuer,
			Audience:    cfg.JWT.Audience,
			TenantClaim: cfg.JWT.TenantClaim,
			TierClaim:   cfg.JWT.TierClaim,
			ScopesClaim: cfg.JWT.ScopesClaim,
		}
		if cfg.JWT.PublicKeyFile != "" {
			pem, err := os.ReadFile(cfg.JWT.PublicKeyFile)
			if err != nil {
				return nil, fmt.Errorf("reading JWT public key: %w", err)
			}
			jc.PublicKeyPEM = pem
		}
		a, err := jwt.New(jc)
		if err != nil {
			return nil, err
		}
		return auth.NewChain(auth.No, a), nil

	default:
		return nil, fmt.Errorf("unknown auth type %q", cfg.Type)
	}
}

func buildLimiter(cfg config.RateLimitConfig) *auth.TierLimiter {
	tiers := make(map[string]auth.TierConfig, len(cfg.Tiers))
	for name, t := range cfg.Tiers {
		tiers[name] = auth.TierConfig{RequestsPerMinute: t.RequestsPerMinute}
	}
	return auth.NewTierLimiter(tiers, cfg.DefaultRPM)
}

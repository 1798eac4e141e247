package main

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Ernesto385291/finance-analyzer/pkg/auth"
	"github.com/Ernesto385291/finance-analyzer/pkg/config"
	"github.com/Ernesto385291/finance-analyzer/pkg/storage/memory"
)

func TestBuildProviderDaytonaRequiresKey(t *testing.T) {
	if _, _, err := buildProvider(config.SandboxConfig{Provider: "daytona"}); err == nil {
		t.Fatal("expected error without API key")
	}

	p, closeFn, err := buildProvider(config.SandboxConfig{
		Provider: "daytona",
		Daytona:  config.DaytonaConfig{APIKey: "dtn_test"},
	})
	if err != nil {
		t.Fatalf("buildProvider: %v", err)
	}
	defer closeFn()
	if p.Name() != "daytona" {
		t.Errorf("Name() = %q", p.Name())
	}
}

func TestBuildProviderUnknown(t *testing.T) {
	_, closeFn, err := buildProvider(config.SandboxConfig{Provider: "firecracker"})
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
	closeFn()
}

func TestSandboxConfigMapping(t *testing.T) {
	cfg := config.Defaults().Sandbox
	cfg.Labels = map[string]string{"team": "fin"}
	cfg.Retry.MaxAttempts = 7
	cfg.Breaker.OpenTimeout = time.Minute

	got := sandboxConfig(cfg)
	if got.LabelKey != cfg.LabelKey || got.WorkspaceDir != cfg.WorkspaceDir || got.Language != cfg.Language {
		t.Errorf("identity fields = %+v", got)
	}
	if got.Labels["team"] != "fin" {
		t.Errorf("Labels = %v", got.Labels)
	}
	if got.Retry.MaxAttempts != 7 || got.Breaker.OpenTimeout != time.Minute {
		t.Errorf("retry/breaker = %+v %+v", got.Retry, got.Breaker)
	}
	if got.ResumeTimeout != cfg.ResumeTimeout || got.AcquireTimeout != cfg.AcquireTimeout {
		t.Errorf("timeouts = %+v", got)
	}
}

func TestBuildStore(t *testing.T) {
	s, err := buildStore(context.Background(), config.StorageConfig{Type: "memory", MaxSize: 10})
	if err != nil {
		t.Fatalf("buildStore: %v", err)
	}
	if _, ok := s.(*memory.Store); !ok {
		t.Errorf("store = %T, want *memory.Store", s)
	}
	if _, err := buildStore(context.Background(), config.StorageConfig{Type: "redis"}); err == nil {
		t.Error("expected error for unknown storage type")
	}
}

func TestBuildAuthChainNone(t *testing.T) {
	chain, err := buildAuthChain(config.AuthConfig{Type: "none"})
	if err != nil {
		t.Fatalf("buildAuthChain: %v", err)
	}
	res := chain.Authenticate(context.Background(), httptest.NewRequest("GET", "/v1/sessions", nil))
	if res.Decision != auth.Yes {
		t.Errorf("decision = %v, want Yes", res.Decision)
	}
}

func TestBuildAuthChainAPIKey(t *testing.T) {
	chain, err := buildAuthChain(config.AuthConfig{
		Type: "apikey",
		APIKeys: []config.APIKeyConfig{
			{Key: "fa-secret", Subject: "analyst", TenantID: "acme", ServiceTier: "pro"},
		},
	})
	if err != nil {
		t.Fatalf("buildAuthChain: %v", err)
	}

	r := httptest.NewRequest("GET", "/v1/sessions", nil)
	r.Header.Set("Authorization", "Bearer fa-secret")
	res := chain.Authenticate(context.Background(), r)
	if res.Decision != auth.Yes || res.Identity.Tenant != "acme" || res.Identity.Tier() != "pro" {
		t.Errorf("result = %+v", res)
	}

	anon := chain.Authenticate(context.Background(), httptest.NewRequest("GET", "/v1/sessions", nil))
	if anon.Decision != auth.No {
		t.Errorf("anonymous decision = %v, want No", anon.Decision)
	}
}

func TestBuildAuthChainJWTMissingKeyFile(t *testing.T) {
	_, err := buildAuthChain(config.AuthConfig{
		Type: "jwt",
		JWT:  config.JWTConfig{PublicKeyFile: t.TempDir() + "/missing.pem"},
	})
	if err == nil {
		t.Fatal("expected error for missing public key file")
	}
}

func TestBuildLimiter(t *testing.T) {
	l := buildLimiter(config.RateLimitConfig{
		DefaultRPM: 1,
		Tiers:      map[string]config.TierRate{"pro": {RequestsPerMinute: 0}},
	})
	defer l.Close()

	pro := &auth.Identity{Subject: "a", ServiceTier: "pro"}
	for i := 0; i < 5; i++ {
		if err := l.Allow(context.Background(), pro); err != nil {
			t.Fatalf("unlimited tier rejected on request %d: %v", i, err)
		}
	}

	basic := &auth.Identity{Subject: "b"}
	if err := l.Allow(context.Background(), basic); err != nil {
		t.Fatalf("first default-tier request: %v", err)
	}
	if err := l.Allow(context.Background(), basic); err == nil {
		t.Error("second default-tier request within the minute was allowed")
	}
}

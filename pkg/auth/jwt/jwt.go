// Package jwt authenticates service tokens issued to the analyzer's
// callers. Tokens are signed either with a shared HMAC secret (HS256) or
// with an RSA key (RS256). RSA keys come from a PEM file or from a JWKS
// endpoint selected by the token's kid header.
package jwt

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/Ernesto385291/finance-analyzer/pkg/auth"
	"github.com/Ernesto385291/finance-analyzer/pkg/debug"
)

// Config holds the JWT authenticator configuration.
type Config struct {
	// Secret verifies HS256 tokens. Optional if PublicKeyPEM is set.
	Secret []byte

	// PublicKeyPEM verifies RS256 tokens. Optional if Secret is set.
	PublicKeyPEM []byte

	// JWKSURL serves RSA keys for RS256 tokens carrying a kid header.
	JWKSURL string

	// CacheTTL controls how long JWKS keys are cached. Default: 1h.
	CacheTTL time.Duration

	// HTTPClient fetches the JWKS. Default: http.DefaultClient.
	HTTPClient *http.Client

	// Issuer is the expected iss claim. Not checked when empty.
	Issuer string

	// Audience is the expected aud claim. Not checked when empty.
	Audience string

	// TenantClaim names the claim carrying the tenant. Default: "tenant_id".
	TenantClaim string

	// TierClaim names the claim carrying the service tier. Default: "tier".
	TierClaim string

	// ScopesClaim names the claim carrying scopes, either a space-separated
	// string or an array. Default: "scope".
	ScopesClaim string

	// Leeway tolerates clock skew on exp and nbf. Default: 30s.
	Leeway time.Duration
}

func (c *Config) applyDefaults() {
	if c.TenantClaim == "" {
		c.TenantClaim = "tenant_id"
	}
	if c.TierClaim == "" {
		c.TierClaim = "tier"
	}
	if c.ScopesClaim == "" {
		c.ScopesClaim = "scope"
	}
	if c.Leeway == 0 {
		c.Leeway = 30 * time.Second
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Hour
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// Authenticator validates bearer JWTs.
type Authenticator struct {
	cfg     Config
	rsaKey  *rsa.PublicKey
	jwks    *jwksCache
	methods []string
}

// New creates an authenticator. At least one verification key is required.
func New(cfg Config) (*Authenticator, error) {
	cfg.applyDefaults()
	a := &Authenticator{cfg: cfg}

	if len(cfg.Secret) > 0 {
		a.methods = append(a.methods, jwtlib.SigningMethodHS256.Alg())
	}
	if len(cfg.PublicKeyPEM) > 0 {
		key, err := jwtlib.ParseRSAPublicKeyFromPEM(cfg.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parsing RSA public key: %w", err)
		}
		a.rsaKey = key
	}
	if cfg.JWKSURL != "" {
		a.jwks = &jwksCache{
			keys:   make(map[string]*rsa.PublicKey),
			ttl:    cfg.CacheTTL,
			url:    cfg.JWKSURL,
			client: cfg.HTTPClient,
		}
	}
	if a.rsaKey != nil || a.jwks != nil {
		a.methods = append(a.methods, jwtlib.SigningMethodRS256.Alg())
	}
	if len(a.methods) == 0 {
		return nil, errors.New("jwt: a secret, a public key or a JWKS URL is required")
	}
	return a, nil
}

// Authenticate abstains without a bearer JWT, votes No for an invalid one,
// and Yes with the identity taken from its claims.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) auth.Result {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return auth.Result{Decision: auth.Abstain}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if strings.Count(raw, ".") != 2 {
		return auth.Result{Decision: auth.Abstain}
	}

	claims := jwtlib.MapClaims{}
	token, err := jwtlib.ParseWithClaims(raw, claims, func(t *jwtlib.Token) (any, error) {
		return a.key(ctx, t)
	}, a.parserOptions()...)
	if err != nil || !token.Valid {
		debug.Log("auth", "JWT rejected", "error", err)
		return auth.Result{Decision: auth.No, Err: fmt.Errorf("invalid JWT: %w", err)}
	}

	subject, _ := claims.GetSubject()
	if subject == "" {
		return auth.Result{Decision: auth.No, Err: errors.New("JWT missing sub claim")}
	}

	return auth.Result{
		Decision: auth.Yes,
		Identity: &auth.Identity{
			Subject:     subject,
			Tenant:      claimString(claims, a.cfg.TenantClaim),
			ServiceTier: claimString(claims, a.cfg.TierClaim),
			Scopes:      claimScopes(claims, a.cfg.ScopesClaim),
		},
	}
}

func (a *Authenticator) key(ctx context.Context, token *jwtlib.Token) (any, error) {
	switch token.Method.(type) {
	case *jwtlib.SigningMethodHMAC:
		if len(a.cfg.Secret) == 0 {
			return nil, errors.New("HMAC tokens are not accepted")
		}
		return a.cfg.Secret, nil
	case *jwtlib.SigningMethodRSA:
		if kid, _ := token.Header["kid"].(string); kid != "" && a.jwks != nil {
			return a.jwks.key(ctx, kid)
		}
		if a.rsaKey == nil {
			return nil, errors.New("RSA tokens are not accepted")
		}
		return a.rsaKey, nil
	default:
		return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
	}
}

func (a *Authenticator) parserOptions() []jwtlib.ParserOption {
	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods(a.methods),
		jwtlib.WithLeeway(a.cfg.Leeway),
		jwtlib.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwtlib.WithAudience(a.cfg.Audience))
	}
	return opts
}

func claimString(claims jwtlib.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}

func claimScopes(claims jwtlib.MapClaims, key string) []string {
	switch v := claims[key].(type) {
	case string:
		if f := strings.Fields(v); len(f) > 0 {
			return f
		}
	case []any:
		var scopes []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				scopes = append(scopes, s)
			}
		}
		return scopes
	}
	return nil
}

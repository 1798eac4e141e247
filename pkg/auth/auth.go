package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
)

// Decision is the vote of a single authenticator.
type Decision int

const (
	// Yes means credentials are valid. The chain stops and the identity is used.
	Yes Decision = iota

	// No means credentials are present but invalid. The request is rejected.
	No

	// Abstain passes the request to the next authenticator.
	Abstain
)

// Result carries the outcome of an authentication attempt.
type Result struct {
	Decision Decision
	Identity *Identity // set when Decision == Yes
	Err      error     // set when Decision == No
}

// Scopes understood by the sandbox API.
const (
	// ScopeRead allows listing and inspecting sessions.
	ScopeRead = "sandbox:read"
	// ScopeExec allows acquiring sandboxes and running code in them.
	ScopeExec = "sandbox:exec"
)

// Identity is an authenticated caller.
type Identity struct {
	// Subject uniquely identifies the caller. Never empty.
	Subject string

	// Tenant isolates session keys between callers. Empty means the
	// caller shares the global key space.
	Tenant string

	// ServiceTier selects the rate limit. Empty means "default".
	ServiceTier string

	// Scopes restricts what the caller may do. An empty list grants all
	// scopes.
	Scopes []string
}

// Tier returns the service tier, defaulting to "default".
func (id *Identity) Tier() string {
	if id == nil || id.ServiceTier == "" {
		return "default"
	}
	return id.ServiceTier
}

// Allows reports whether the identity carries scope.
func (id *Identity) Allows(scope string) bool {
	if id == nil {
		return false
	}
	if len(id.Scopes) == 0 || scope == "" {
		return true
	}
	return slices.Contains(id.Scopes, scope)
}

// Authenticator examines request credentials and votes.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) Result
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, r *http.Request) Result

func (f AuthenticatorFunc) Authenticate(ctx context.Context, r *http.Request) Result {
	return f(ctx, r)
}

// Sentinel errors.
var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("access denied")
	ErrTooManyRequests = errors.New("rate limit exceeded")
)

// Chain evaluates authenticators in order.
type Chain struct {
	authenticators []Authenticator
	fallback       Decision
}

// NewChain builds a chain. fallback is used when every authenticator
// abstains: Yes admits an anonymous caller, anything else rejects.
func NewChain(fallback Decision, authenticators ...Authenticator) *Chain {
	return &Chain{authenticators: authenticators, fallback: fallback}
}

// Authenticate runs the chain, stopping on the first Yes or No.
func (c *Chain) Authenticate(ctx context.Context, r *http.Request) Result {
	for _, a := range c.authenticators {
		if res := a.Authenticate(ctx, r); res.Decision != Abstain {
			return res
		}
	}
	if c.fallback == Yes {
		return Result{Decision: Yes, Identity: Anonymous()}
	}
	return Result{Decision: No, Err: ErrUnauthenticated}
}

// Anonymous is the identity used when authentication is disabled.
func Anonymous() *Identity {
	return &Identity{Subject: "anonymous", ServiceTier: "default"}
}

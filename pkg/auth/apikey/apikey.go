// Package apikey authenticates callers by static API keys. Keys are
// stored as SHA-256 hashes and compared in constant time.
package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/Ernesto385291/finance-analyzer/pkg/auth"
)

// HeaderName is the alternative header carrying a raw key.
const HeaderName = "X-API-Key"

// Key configures one accepted key.
type Key struct {
	Key      string
	Identity auth.Identity
}

type entry struct {
	hash     [32]byte
	identity auth.Identity
}

// Authenticator validates API keys sent as a bearer token or in the
// X-API-Key header.
type Authenticator struct {
	entries []entry
}

// New hashes keys immediately; plaintext keys are not retained.
func New(keys []Key) *Authenticator {
	a := &Authenticator{}
	for _, k := range keys {
		if k.Key == "" {
			continue
		}
		a.entries = append(a.entries, entry{hash: sha256.Sum256([]byte(k.Key)), identity: k.Identity})
	}
	return a
}

// Authenticate abstains when no key is presented, votes No for an unknown
// key and Yes for a known one.
func (a *Authenticator) Authenticate(_ context.Context, r *http.Request) auth.Result {
	token, ok := credential(r)
	if !ok {
		return auth.Result{Decision: auth.Abstain}
	}
	if token == "" {
		return auth.Result{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}

	sum := sha256.Sum256([]byte(token))
	for _, e := range a.entries {
		if subtle.ConstantTimeCompare(sum[:], e.hash[:]) == 1 {
			id := e.identity
			id.Scopes = append([]string(nil), e.identity.Scopes...)
			return auth.Result{Decision: auth.Yes, Identity: &id}
		}
	}
	return auth.Result{Decision: auth.No, Err: auth.ErrUnauthenticated}
}

func credential(r *http.Request) (string, bool) {
	if v := r.Header.Get(HeaderName); v != "" {
		return strings.TrimSpace(v), true
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	// JWTs are left to the JWT authenticator.
	if strings.Count(token, ".") == 2 {
		return "", false
	}
	return token, true
}

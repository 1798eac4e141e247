// Package auth authenticates callers of the sandbox API.
//
// Authenticators vote Yes (identity established), No (credentials present
// but invalid) or Abstain (not their kind of credential). A Chain asks each
// in turn and falls back to a default decision when all abstain.
//
// The middleware also enforces per-route scopes, rate limits callers by
// service tier, and places the caller's tenant in the request context so
// that session keys and stored sessions are isolated per tenant.
package auth

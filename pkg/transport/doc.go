// Package transport defines the service interface and HTTP middleware for
// the finance-analyzer API.
//
// The transport layer bridges API clients and the session engine. It maps
// the engine's errors onto structured api.APIError bodies and HTTP status
// codes, and provides the middleware every request passes through.
//
// # Service Interface
//
// SessionService is the contract between the HTTP adapter and the engine.
// Every call takes the caller's session key as sent on the wire; tenant
// scoping happens inside the service, based on the request context.
//
// # Middleware
//
// Middleware wraps an http.Handler. The built-in chain, outermost first, is
// panic recovery, request ID assignment (X-Request-ID) and structured access
// logging via log/slog. Metrics and authentication are layered beneath it by
// cmd/server.
package transport

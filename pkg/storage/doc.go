// Package storage defines the session ledger: an informational record of
// which sandbox serves which session key, how often it was acquired and
// when it was last used.
//
// The ledger is written best-effort by the sandbox manager after every
// acquisition and read by the HTTP API. It is never consulted to decide
// which sandbox to use; the provider stays the source of truth.
//
// Adapters live in the memory and postgres subpackages. Records are scoped
// by the tenant carried in the request context (see SetTenant).
package storage

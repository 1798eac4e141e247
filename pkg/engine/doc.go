// Package engine implements the session service behind the HTTP API.
// The Engine struct implements transport.SessionService, bridging API
// requests to the sandbox manager. It scopes session keys by tenant,
// validates requests, times executions, and keeps the session ledger
// current. The ledger store is optional; without one the engine answers
// reads from the manager's in-process cache.
package engine

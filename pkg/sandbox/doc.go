// Package sandbox manages remote execution sandboxes keyed by session.
//
// A [Manager] maps an opaque session key (typically a conversation ID) to
// a live sandbox owned by a [Provider]. Acquire looks the sandbox up by
// label, resumes it when it was stopped or archived, and creates it when
// the provider has no record of it. Concurrent acquisitions for the same
// key share a single provider operation, so a key never gets two sandboxes
// from the same process. Different keys never wait on each other.
//
// The provider is the source of truth for sandbox state. The manager keeps
// a cache of handles to avoid repeated lookups, and refreshes the cached
// state from the provider before every reuse.
//
// Provider adapters live in subpackages (daytona, docker, kubernetes).
// The sandboxtest subpackage provides a scriptable in-memory provider for
// tests.
package sandbox

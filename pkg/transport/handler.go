package transport

import (
	"context"

	"github.com/Ernesto385291/finance-analyzer/pkg/api"
)

// SessionService executes session operations on behalf of the HTTP adapter.
type SessionService interface {
	// Acquire returns a running sandbox session for key, creating or
	// resuming the sandbox as needed.
	Acquire(ctx context.Context, key string) (*api.Session, error)

	// RunCode acquires the session and executes Python code in it.
	RunCode(ctx context.Context, key string, req *api.RunCodeRequest) (*api.ExecutionResult, error)

	// RunCommand acquires the session and executes a shell command in it.
	RunCommand(ctx context.Context, key string, req *api.RunCommandRequest) (*api.ExecutionResult, error)

	// UploadFiles acquires the session and writes files into it.
	UploadFiles(ctx context.Context, key string, files []api.DecodedFile) (*api.UploadResult, error)

	// GetSession reads the session ledger entry for key.
	GetSession(ctx context.Context, key string) (*api.Session, error)

	// ListSessions pages through the session ledger.
	ListSessions(ctx context.Context, opts ListOptions) (*api.SessionList, error)

	// ForgetSession drops the cached sandbox handle and ledger entry for
	// key. The sandbox itself is left to the provider's lifecycle.
	ForgetSession(ctx context.Context, key string) error
}

// ListOptions controls session listing.
type ListOptions struct {
	// After is the key cursor; only sessions sorting after it are returned.
	After string

	// Limit caps the page size. Zero means the default.
	Limit int

	// Provider filters by provider name.
	Provider string
}

// ReadinessChecker reports whether the service can take traffic.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

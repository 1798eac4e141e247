package sandbox

import (
	"context"
	"time"
)

// State is the provider-reported lifecycle state of a sandbox.
type State string

const (
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateArchived State = "archived"
	// StatePending covers provider-side transitions (creating, starting,
	// restoring). No operation is issued against a pending sandbox.
	StatePending State = "pending"
	StateUnknown State = "unknown"
)

// Resumable reports whether a sandbox in this state must be started
// before it can be used.
func (s State) Resumable() bool {
	return s == StateStopped || s == StateArchived || s == StateUnknown
}

// DefaultLabelKey is the label under which the session key is registered
// with the provider.
const DefaultLabelKey = "id"

// File is a single file to place inside a sandbox.
type File struct {
	Source      []byte
	Destination string
}

// Output is the result of a command or code execution inside a sandbox.
type Output struct {
	Result   string `json:"result"`
	ExitCode int    `json:"exit_code"`
}

// UploadAck acknowledges a batch upload.
type UploadAck struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Files   int    `json:"files"`
}

// CreateRequest describes a sandbox to be created.
type CreateRequest struct {
	// Labels are attached to the sandbox and used by Find.
	Labels map[string]string

	// Language is the code runtime, e.g. "python".
	Language string
}

// Provider is the narrow contract a sandbox-as-a-service backend must
// satisfy.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// Find searches for a sandbox carrying all of the given labels.
	// Backends that signal absence through an error must normalize it
	// into a NotFound lookup.
	Find(ctx context.Context, labels map[string]string) Lookup

	// Create provisions a new sandbox. The returned sandbox may still be
	// pending.
	Create(ctx context.Context, req CreateRequest) (Sandbox, error)
}

// Sandbox is a live reference to a provider sandbox.
type Sandbox interface {
	ID() string

	// State fetches the current state from the provider. It returns an
	// error wrapping ErrNotFound when the sandbox no longer exists.
	State(ctx context.Context) (State, error)

	// Start requests a transition to running. It may return before the
	// sandbox is running.
	Start(ctx context.Context) error

	ExecuteCommand(ctx context.Context, command string) (*Output, error)
	CodeRun(ctx context.Context, code string) (*Output, error)
	UploadFiles(ctx context.Context, files []File) error
}

// LookupStatus is the outcome class of a Find call.
type LookupStatus int

const (
	LookupFound LookupStatus = iota
	LookupNotFound
	LookupFailed
)

func (s LookupStatus) String() string {
	switch s {
	case LookupFound:
		return "found"
	case LookupNotFound:
		return "not_found"
	default:
		return "failed"
	}
}

// Lookup is the explicit result of a Find call. Absence is an expected
// outcome and never travels as an error.
type Lookup struct {
	Status  LookupStatus
	Sandbox Sandbox
	// State is the state observed during the lookup, if the provider
	// reported one. It saves a round trip on the hot path.
	State State
	Err   error
}

// Found returns a successful lookup.
func Found(sb Sandbox, state State) Lookup {
	return Lookup{Status: LookupFound, Sandbox: sb, State: state}
}

// NotFound returns a lookup that found nothing.
func NotFound() Lookup {
	return Lookup{Status: LookupNotFound}
}

// LookupError returns a failed lookup. Errors wrapping ErrNotFound are
// normalized into NotFound.
func LookupError(err error) Lookup {
	if IsNotFound(err) {
		return NotFound()
	}
	return Lookup{Status: LookupFailed, Err: err}
}

// Session is a snapshot of what the manager knows about one session key.
type Session struct {
	Key            string    `json:"key"`
	SandboxID      string    `json:"sandbox_id,omitempty"`
	Provider       string    `json:"provider"`
	State          State     `json:"state"`
	Phase          Phase     `json:"phase"`
	Acquisitions   int64     `json:"acquisitions"`
	CreatedAt      time.Time `json:"created_at"`
	LastAcquiredAt time.Time `json:"last_acquired_at"`
}

// SessionRecorder persists session snapshots. Recording is informational:
// the manager never reads sessions back to make decisions.
type SessionRecorder interface {
	SaveSession(ctx context.Context, s *Session) error
}

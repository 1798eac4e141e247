package storage

import (
	"context"

	"github.com/Ernesto385291/finance-analyzer/pkg/sandbox"
)

// SessionStore persists session snapshots. SaveSession upserts by key.
type SessionStore interface {
	sandbox.SessionRecorder

	// GetSession returns the recorded session, or ErrNotFound.
	GetSession(ctx context.Context, key string) (*sandbox.Session, error)

	// ListSessions returns sessions ordered by key.
	ListSessions(ctx context.Context, opts ListOptions) (*SessionPage, error)

	// DeleteSession removes the record. It does not touch the sandbox.
	DeleteSession(ctx context.Context, key string) error

	HealthCheck(ctx context.Context) error
	Close() error
}

// ListOptions selects a page of sessions.
type ListOptions struct {
	// After is the exclusive key cursor.
	After string

	// Limit caps the page size. Zero means DefaultListLimit.
	Limit int

	// Prefix restricts results to keys starting with it.
	Prefix string

	// Provider restricts results to one provider.
	Provider string
}

// Page size bounds.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// EffectiveLimit clamps Limit to [1, MaxListLimit].
func (o ListOptions) EffectiveLimit() int {
	switch {
	case o.Limit <= 0:
		return DefaultListLimit
	case o.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return o.Limit
	}
}

// SessionPage is one page of a listing.
type SessionPage struct {
	Sessions []*sandbox.Session
	HasMore  bool
}

// Package memory provides an in-memory SessionStore for single-replica
// deployments and tests. Records are lost on restart. When a size bound is
// set, the least recently saved session is evicted first.
package memory

import (
	"container/list"
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/Ernesto385291/finance-analyzer/pkg/sandbox"
	"github.com/Ernesto385291/finance-analyzer/pkg/storage"
)

type recordKey struct {
	tenant string
	key    string
}

type record struct {
	id      recordKey
	session sandbox.Session
	elem    *list.Element
}

// Store is an in-memory SessionStore with optional LRU eviction.
type Store struct {
	mu      sync.RWMutex
	records map[recordKey]*record
	lru     *list.List // front = most recently saved
	maxSize int        // 0 = unlimited
}

var _ storage.SessionStore = (*Store)(nil)

// New creates a store. A maxSize of 0 grows without limit.
func New(maxSize int) *Store {
	return &Store{
		records: make(map[recordKey]*record),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// SaveSession upserts the snapshot under the context tenant.
func (s *Store) SaveSession(ctx context.Context, sess *sandbox.Session) error {
	id := recordKey{tenant: storage.GetTenant(ctx), key: sess.Key}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.records[id]; ok {
		r.session = *sess
		s.lru.MoveToFront(r.elem)
		return nil
	}

	if s.maxSize > 0 && len(s.records) >= s.maxSize {
		s.evictOldest()
	}
	r := &record{id: id, session: *sess}
	r.elem = s.lru.PushFront(r)
	s.records[id] = r
	return nil
}

// GetSession returns a copy of the recorded session.
func (s *Store) GetSession(ctx context.Context, key string) (*sandbox.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[recordKey{tenant: storage.GetTenant(ctx), key: key}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	sess := r.session
	return &sess, nil
}

// ListSessions returns the tenant's sessions ordered by key.
func (s *Store) ListSessions(ctx context.Context, opts storage.ListOptions) (*storage.SessionPage, error) {
	tenant := storage.GetTenant(ctx)

	s.mu.RLock()
	var matches []*sandbox.Session
	for id, r := range s.records {
		if id.tenant != tenant || id.key <= opts.After {
			continue
		}
		if opts.Prefix != "" && !strings.HasPrefix(id.key, opts.Prefix) {
			continue
		}
		if opts.Provider != "" && r.session.Provider != opts.Provider {
			continue
		}
		sess := r.session
		matches = append(matches, &sess)
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].Key < matches[j].Key })

	limit := opts.EffectiveLimit()
	page := &storage.SessionPage{Sessions: matches}
	if len(matches) > limit {
		page.Sessions = matches[:limit]
		page.HasMore = true
	}
	return page, nil
}

// DeleteSession removes the record.
func (s *Store) DeleteSession(ctx context.Context, key string) error {
	id := recordKey{tenant: storage.GetTenant(ctx), key: key}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return storage.ErrNotFound
	}
	s.lru.Remove(r.elem)
	delete(s.records, id)
	return nil
}

// HealthCheck always returns nil for the in-memory store.
func (s *Store) HealthCheck(_ context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// evictOldest removes the least recently saved record. Caller holds mu.
func (s *Store) evictOldest() {
	back := s.lru.Back()
	if back == nil {
		return
	}
	r := back.Value.(*record)
	s.lru.Remove(back)
	delete(s.records, r.id)
}

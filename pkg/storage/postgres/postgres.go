// Package postgres provides a PostgreSQL SessionStore built on pgx/v5.
// Sessions live in the sandbox_sessions table, keyed by tenant and
// session key.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Ernesto385291/finance-analyzer/pkg/sandbox"
	"github.com/Ernesto385291/finance-analyzer/pkg/storage"
)

// Store is a PostgreSQL-backed SessionStore.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.SessionStore = (*Store)(nil)

// New connects to PostgreSQL. If MigrateOnStart is true, schema
// migrations are applied before returning.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool}
	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}
	return s, nil
}

// SaveSession upserts the snapshot under the context tenant.
func (s *Store) SaveSession(ctx context.Context, sess *sandbox.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sandbox_sessions (
			tenant_id, session_key, sandbox_id, provider, state, phase,
			acquisitions, created_at, last_acquired_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (tenant_id, session_key) DO UPDATE SET
			sandbox_id       = EXCLUDED.sandbox_id,
			provider         = EXCLUDED.provider,
			state            = EXCLUDED.state,
			phase            = EXCLUDED.phase,
			acquisitions     = EXCLUDED.acquisitions,
			created_at       = EXCLUDED.created_at,
			last_acquired_at = EXCLUDED.last_acquired_at,
			updated_at       = now()
	`,
		storage.GetTenant(ctx), sess.Key, sess.SandboxID, sess.Provider,
		string(sess.State), string(sess.Phase), sess.Acquisitions,
		nullTime(sess.CreatedAt), nullTime(sess.LastAcquiredAt),
	)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

const selectColumns = `session_key, sandbox_id, provider, state, phase, acquisitions, created_at, last_acquired_at`

// GetSession returns the recorded session, or storage.ErrNotFound.
func (s *Store) GetSession(ctx context.Context, key string) (*sandbox.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM sandbox_sessions WHERE tenant_id = $1 AND session_key = $2`,
		storage.GetTenant(ctx), key,
	)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

// ListSessions returns the tenant's sessions ordered by key.
func (s *Store) ListSessions(ctx context.Context, opts storage.ListOptions) (*storage.SessionPage, error) {
	limit := opts.EffectiveLimit()

	where := []string{"tenant_id = $1", "session_key > $2"}
	args := []any{storage.GetTenant(ctx), opts.After}
	if opts.Prefix != "" {
		args = append(args, opts.Prefix)
		where = append(where, fmt.Sprintf("starts_with(session_key, $%d)", len(args)))
	}
	if opts.Provider != "" {
		args = append(args, opts.Provider)
		where = append(where, fmt.Sprintf("provider = $%d", len(args)))
	}
	args = append(args, limit+1)

	query := fmt.Sprintf(`SELECT %s FROM sandbox_sessions WHERE %s ORDER BY session_key LIMIT $%d`,
		selectColumns, strings.Join(where, " AND "), len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	page := &storage.SessionPage{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		page.Sessions = append(page.Sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	if len(page.Sessions) > limit {
		page.Sessions = page.Sessions[:limit]
		page.HasMore = true
	}
	return page, nil
}

// DeleteSession removes the record.
func (s *Store) DeleteSession(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sandbox_sessions WHERE tenant_id = $1 AND session_key = $2`,
		storage.GetTenant(ctx), key,
	)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanSession(row pgx.Row) (*sandbox.Session, error) {
	var sess sandbox.Session
	var state, phase string
	var createdAt, acquiredAt *time.Time
	if err := row.Scan(&sess.Key, &sess.SandboxID, &sess.Provider, &state, &phase,
		&sess.Acquisitions, &createdAt, &acquiredAt); err != nil {
		return nil, err
	}
	sess.State = sandbox.State(state)
	sess.Phase = sandbox.Phase(phase)
	if createdAt != nil {
		sess.CreatedAt = createdAt.UTC()
	}
	if acquiredAt != nil {
		sess.LastAcquiredAt = acquiredAt.UTC()
	}
	return &sess, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

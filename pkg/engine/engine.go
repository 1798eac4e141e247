package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Ernesto385291/finance-analyzer/pkg/api"
	"github.com/Ernesto385291/finance-analyzer/pkg/debug"
	"github.com/Ernesto385291/finance-analyzer/pkg/sandbox"
	"github.com/Ernesto385291/finance-analyzer/pkg/storage"
	"github.com/Ernesto385291/finance-analyzer/pkg/transport"
)

// Engine runs session operations against the sandbox manager. It
// implements transport.SessionService.
type Engine struct {
	manager *sandbox.Manager
	store   storage.SessionStore
	cfg     Config
	valid   api.ValidationConfig
	logger  *slog.Logger
	now     func() time.Time
}

// Ensure Engine implements the transport interfaces at compile time.
var (
	_ transport.SessionService   = (*Engine)(nil)
	_ transport.ReadinessChecker = (*Engine)(nil)
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates a new Engine. The manager must not be nil. The store can be
// nil, in which case reads are answered from the manager's cache.
func New(m *sandbox.Manager, store storage.SessionStore, cfg Config, opts ...Option) (*Engine, error) {
	if m == nil {
		return nil, fmt.Errorf("engine: manager must not be nil")
	}
	e := &Engine{
		manager: m,
		store:   store,
		cfg:     cfg,
		valid:   cfg.validation(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Acquire returns a running sandbox session for key.
func (e *Engine) Acquire(ctx context.Context, key string) (*api.Session, error) {
	h, scoped, err := e.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	snap, ok := e.manager.Session(scoped)
	if !ok {
		// Forgotten between acquisition and snapshot; report what we hold.
		snap = sandbox.Session{Key: scoped, SandboxID: h.ID(), Provider: e.manager.ProviderName(),
			State: sandbox.StateRunning, Phase: sandbox.PhaseReady}
	}
	return e.toAPI(ctx, &snap), nil
}

// RunCode executes Python code in the session's sandbox, installing the
// requested packages first.
func (e *Engine) RunCode(ctx context.Context, key string, req *api.RunCodeRequest) (*api.ExecutionResult, error) {
	if apiErr := api.ValidateRunCode(req, e.valid); apiErr != nil {
		return nil, apiErr
	}
	h, scoped, err := e.acquire(ctx, key)
	if err != nil {
		return nil, err
	}

	start := e.now()
	out, err := h.RunCode(ctx, req.Code, req.Packages)
	if err != nil {
		return nil, err
	}
	e.record(ctx, scoped)
	return e.result(key, h, out, start), nil
}

// RunCommand executes a shell command in the session's sandbox.
func (e *Engine) RunCommand(ctx context.Context, key string, req *api.RunCommandRequest) (*api.ExecutionResult, error) {
	if apiErr := api.ValidateRunCommand(req, e.valid); apiErr != nil {
		return nil, apiErr
	}
	h, scoped, err := e.acquire(ctx, key)
	if err != nil {
		return nil, err
	}

	start := e.now()
	out, err := h.RunCommand(ctx, req.Command)
	if err != nil {
		return nil, err
	}
	e.record(ctx, scoped)
	return e.result(key, h, out, start), nil
}

// UploadFiles writes decoded files into the session's sandbox.
func (e *Engine) UploadFiles(ctx context.Context, key string, files []api.DecodedFile) (*api.UploadResult, error) {
	if len(files) == 0 {
		return nil, api.NewInvalidRequestError("files", "at least one file is required")
	}
	h, scoped, err := e.acquire(ctx, key)
	if err != nil {
		return nil, err
	}

	batch := make([]sandbox.File, len(files))
	for i, f := range files {
		batch[i] = sandbox.File{Source: f.Content, Destination: f.Destination}
	}
	ack, err := h.UploadFiles(ctx, batch)
	if err != nil {
		return nil, err
	}
	e.record(ctx, scoped)
	return &api.UploadResult{
		Object:     api.ObjectUpload,
		ID:         api.NewUploadID(),
		SessionKey: key,
		SandboxID:  h.ID(),
		Success:    ack.Success,
		Message:    ack.Message,
		Files:      ack.Files,
	}, nil
}

// GetSession returns the ledger entry for key. Without a store, or when
// the store has no record yet, the manager's cache answers.
func (e *Engine) GetSession(ctx context.Context, key string) (*api.Session, error) {
	if apiErr := api.ValidateSessionKey(key, e.valid); apiErr != nil {
		return nil, apiErr
	}
	scoped := scopedKey(ctx, key)

	if e.store != nil {
		sess, err := e.store.GetSession(ctx, scoped)
		if err == nil {
			return e.toAPI(ctx, sess), nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("reading session ledger: %w", err)
		}
	}

	snap, ok := e.manager.Session(scoped)
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e.toAPI(ctx, &snap), nil
}

// ListSessions pages through the caller's sessions, ordered by key.
func (e *Engine) ListSessions(ctx context.Context, opts transport.ListOptions) (*api.SessionList, error) {
	prefix := tenantPrefix(ctx)
	sopts := storage.ListOptions{
		Limit:    opts.Limit,
		Prefix:   prefix,
		Provider: opts.Provider,
	}
	if opts.After != "" {
		sopts.After = prefix + opts.After
	}

	var page *storage.SessionPage
	if e.store != nil {
		var err error
		page, err = e.store.ListSessions(ctx, sopts)
		if err != nil {
			return nil, fmt.Errorf("listing session ledger: %w", err)
		}
	} else {
		page = e.listCached(sopts)
	}

	list := &api.SessionList{
		Object:  api.ObjectList,
		Data:    make([]api.Session, 0, len(page.Sessions)),
		HasMore: page.HasMore,
	}
	for _, s := range page.Sessions {
		list.Data = append(list.Data, *e.toAPI(ctx, s))
	}
	if n := len(list.Data); n > 0 {
		list.FirstKey = list.Data[0].Key
		list.LastKey = list.Data[n-1].Key
	}
	return list, nil
}

// listCached applies the storage listing semantics to the manager's cache.
func (e *Engine) listCached(opts storage.ListOptions) *storage.SessionPage {
	var matches []*sandbox.Session
	for _, s := range e.manager.Sessions() {
		if s.Key <= opts.After || !strings.HasPrefix(s.Key, opts.Prefix) {
			continue
		}
		if opts.Provider != "" && s.Provider != opts.Provider {
			continue
		}
		matches = append(matches, &s)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Key < matches[j].Key })

	page := &storage.SessionPage{Sessions: matches}
	if limit := opts.EffectiveLimit(); len(matches) > limit {
		page.Sessions = matches[:limit]
		page.HasMore = true
	}
	return page
}

// ForgetSession drops the cached handle and the ledger entry for key. It
// reports storage.ErrNotFound when neither existed.
func (e *Engine) ForgetSession(ctx context.Context, key string) error {
	if apiErr := api.ValidateSessionKey(key, e.valid); apiErr != nil {
		return apiErr
	}
	scoped := scopedKey(ctx, key)

	found := e.manager.Forget(scoped)
	if e.store != nil {
		err := e.store.DeleteSession(ctx, scoped)
		switch {
		case err == nil:
			found = true
		case !errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("deleting session ledger entry: %w", err)
		}
	}
	if !found {
		return storage.ErrNotFound
	}
	e.logger.Info("session forgotten", "key", scoped)
	return nil
}

// Ready reports whether the ledger store is reachable.
func (e *Engine) Ready(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	return e.store.HealthCheck(ctx)
}

func (e *Engine) acquire(ctx context.Context, key string) (*sandbox.Handle, string, error) {
	if apiErr := api.ValidateSessionKey(key, e.valid); apiErr != nil {
		return nil, "", apiErr
	}
	scoped := scopedKey(ctx, key)
	debug.Log("sandbox", "acquiring", "key", scoped, "request_id", transport.RequestIDFromContext(ctx))
	h, err := e.manager.Acquire(ctx, scoped)
	if err != nil {
		return nil, "", err
	}
	return h, scoped, nil
}

// record refreshes the ledger after a handle operation moved the session's
// last activity. Failures are logged and otherwise ignored.
func (e *Engine) record(ctx context.Context, scoped string) {
	if e.store == nil {
		return
	}
	snap, ok := e.manager.Session(scoped)
	if !ok {
		return
	}
	if err := e.store.SaveSession(context.WithoutCancel(ctx), &snap); err != nil {
		e.logger.Warn("failed to update session ledger", "key", scoped, "error", err)
	}
}

func (e *Engine) result(key string, h *sandbox.Handle, out *sandbox.Output, start time.Time) *api.ExecutionResult {
	return &api.ExecutionResult{
		Object:     api.ObjectExecution,
		ID:         api.NewExecutionID(),
		SessionKey: key,
		SandboxID:  h.ID(),
		Result:     out.Result,
		ExitCode:   out.ExitCode,
		DurationMS: e.now().Sub(start).Milliseconds(),
	}
}

// toAPI converts a session snapshot to its wire form, removing the tenant
// scope from the key.
func (e *Engine) toAPI(ctx context.Context, s *sandbox.Session) *api.Session {
	return &api.Session{
		Object:         api.ObjectSession,
		Key:            strings.TrimPrefix(s.Key, tenantPrefix(ctx)),
		SandboxID:      s.SandboxID,
		Provider:       s.Provider,
		State:          string(s.State),
		Phase:          string(s.Phase),
		Acquisitions:   s.Acquisitions,
		CreatedAt:      unix(s.CreatedAt),
		LastAcquiredAt: unix(s.LastAcquiredAt),
	}
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// scopedKey returns the manager key for a caller's session key. Keys of
// different tenants never collide.
func scopedKey(ctx context.Context, key string) string {
	return tenantPrefix(ctx) + key
}

func tenantPrefix(ctx context.Context) string {
	if t := storage.GetTenant(ctx); t != "" {
		return t + "/"
	}
	return ""
}

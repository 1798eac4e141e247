package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Ernesto385291/finance-analyzer/pkg/debug"
	"github.com/Ernesto385291/finance-analyzer/pkg/observability"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/singleflight"
)

// Acquisition outcomes, used in logs and metrics.
const (
	OutcomeReused  = "reused"
	OutcomeResumed = "resumed"
	OutcomeCreated = "created"
	OutcomeFailed  = "failed"
)

// Manager maps session keys to live sandboxes.
//
// All acquisitions for one key are collapsed into a single in-flight
// provider operation. Acquisitions for different keys run independently.
type Manager struct {
	provider Provider
	guard    *guard
	cfg      Config
	logger   *slog.Logger
	recorder SessionRecorder
	tracer   trace.Tracer
	now      func() time.Time

	group singleflight.Group

	mu       sync.RWMutex
	sessions map[string]*entry
}

// entry is the cached knowledge about one key. It is only mutated from
// inside the key's single-flight operation, or by Forget.
type entry struct {
	mu      sync.Mutex
	session Session
	sandbox Sandbox
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRecorder sets where session snapshots are persisted.
func WithRecorder(r SessionRecorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithTracer sets the tracer used for provider spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager backed by the given provider.
func NewManager(p Provider, cfg Config, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:      cfg,
		logger:   slog.Default(),
		tracer:   noop.NewTracerProvider().Tracer(""),
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.provider = Instrument(p, m.tracer)
	m.guard = newGuard(m.provider, cfg, m.logger)
	return m
}

// Config returns the effective configuration, with defaults applied.
func (m *Manager) Config() Config {
	return m.cfg
}

// ProviderName returns the name of the underlying provider.
func (m *Manager) ProviderName() string {
	return m.provider.Name()
}

// Acquire returns a handle to a running sandbox for key, creating or
// resuming it as needed.
//
// If ctx is cancelled the call returns ctx.Err() immediately, but the
// provider operation keeps running, bounded by AcquireTimeout, so its
// result is cached for the next caller.
func (m *Manager) Acquire(ctx context.Context, key string) (*Handle, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrInvalidKey
	}

	ch := m.group.DoChan(key, func() (v any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("sandbox acquisition for %q panicked: %v", key, r)
			}
		}()
		opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.AcquireTimeout)
		defer cancel()
		observability.SandboxAcquisitionsInFlight.Inc()
		defer observability.SandboxAcquisitionsInFlight.Dec()
		return m.acquire(opCtx, key)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			observability.SandboxAcquisitionsShared.WithLabelValues(m.provider.Name()).Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return &Handle{manager: m, key: key, sandbox: res.Val.(Sandbox)}, nil
	}
}

func (m *Manager) acquire(ctx context.Context, key string) (Sandbox, error) {
	start := m.now()
	e := m.entry(key)

	sb, outcome, err := m.resolve(ctx, key, e)
	elapsed := time.Since(start)
	if err != nil {
		e.fail()
		observability.SandboxAcquisitionsTotal.WithLabelValues(m.provider.Name(), OutcomeFailed).Inc()
		observability.SandboxAcquireDuration.WithLabelValues(m.provider.Name(), OutcomeFailed).Observe(elapsed.Seconds())
		m.logger.Warn("sandbox acquisition failed",
			"key", key, "provider", m.provider.Name(), "error", err, "elapsed", elapsed)
		m.record(ctx, e.snapshot())
		return nil, err
	}

	e.ready(sb, m.now())
	observability.SandboxAcquisitionsTotal.WithLabelValues(m.provider.Name(), outcome).Inc()
	observability.SandboxAcquireDuration.WithLabelValues(m.provider.Name(), outcome).Observe(elapsed.Seconds())
	m.logger.Info("sandbox acquired",
		"key", key, "sandbox_id", sb.ID(), "outcome", outcome, "elapsed", elapsed)
	m.record(ctx, e.snapshot())
	return sb, nil
}

// resolve walks the acquisition state machine for one key.
func (m *Manager) resolve(ctx context.Context, key string, e *entry) (Sandbox, string, error) {
	if cached := e.cached(); cached != nil {
		sb, outcome, err := m.revalidate(ctx, e, cached)
		if err == nil || !IsNotFound(err) {
			return sb, outcome, err
		}
		debug.Log("sandbox", "cached sandbox is gone", "key", key, "sandbox_id", cached.ID())
		e.forget()
	}

	// A sandbox can disappear between lookup and resume when the provider
	// reclaims it. Look up once more before creating a replacement.
	for attempt := 0; attempt < 2; attempt++ {
		e.transition(PhaseLooking)
		lookup := m.guard.find(ctx, m.labels(key))
		debug.Log("sandbox", "lookup", "key", key, "status", lookup.Status.String(), "attempt", attempt+1)

		switch lookup.Status {
		case LookupFailed:
			return nil, "", lookup.Err
		case LookupNotFound:
			sb, err := m.create(ctx, key, e)
			return sb, OutcomeCreated, err
		}

		sb := lookup.Sandbox
		e.bind(sb)
		state := lookup.State
		if state == "" {
			var err error
			if state, err = m.guard.state(ctx, sb); err != nil {
				if IsNotFound(err) {
					e.forget()
					continue
				}
				return nil, "", err
			}
		}
		e.observe(state)
		if state == StateRunning {
			return sb, OutcomeReused, nil
		}

		err := m.bringUp(ctx, e, sb, state)
		if err == nil {
			return sb, OutcomeResumed, nil
		}
		if !IsNotFound(err) {
			return nil, "", err
		}
		m.logger.Info("sandbox disappeared during resume, looking up again",
			"key", key, "sandbox_id", sb.ID())
		e.forget()
	}

	sb, err := m.create(ctx, key, e)
	return sb, OutcomeCreated, err
}

// revalidate refreshes a cached handle's state before handing it out.
func (m *Manager) revalidate(ctx context.Context, e *entry, sb Sandbox) (Sandbox, string, error) {
	e.transition(PhaseLooking)
	state, err := m.guard.state(ctx, sb)
	if err != nil {
		return nil, "", err
	}
	e.observe(state)
	if state == StateRunning {
		return sb, OutcomeReused, nil
	}
	if err := m.bringUp(ctx, e, sb, state); err != nil {
		return nil, "", err
	}
	return sb, OutcomeResumed, nil
}

// bringUp moves a non-running sandbox to running. A pending sandbox is
// waited on without issuing Start; anything else is started. Each
// start-and-wait cycle is bounded by ResumeTimeout, and the cycle is
// repeated up to ResumeAttempts times.
func (m *Manager) bringUp(ctx context.Context, e *entry, sb Sandbox, state State) error {
	e.transition(PhaseResuming)

	var lastErr error
	for attempt := 1; attempt <= m.cfg.ResumeAttempts; attempt++ {
		if state != StatePending {
			m.logger.Info("resuming sandbox",
				"sandbox_id", sb.ID(), "state", string(state), "attempt", attempt)
			if err := m.guard.start(ctx, sb); err != nil {
				return err
			}
		}
		last, err := m.waitRunning(ctx, e, sb, m.cfg.ResumeTimeout)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrResumeTimeout) {
			return err
		}
		lastErr = err
		// A sandbox stuck in a transition gets an explicit start next time.
		state = last
		if state == StatePending {
			state = StateUnknown
		}
	}
	return lastErr
}

// waitRunning polls the sandbox until it reports running.
func (m *Manager) waitRunning(ctx context.Context, e *entry, sb Sandbox, timeout time.Duration) (State, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	last := StateUnknown
	for {
		state, err := m.guard.state(ctx, sb)
		if err != nil {
			return last, err
		}
		last = state
		e.observe(state)
		if state == StateRunning {
			return state, nil
		}

		select {
		case <-ctx.Done():
			return last, fmt.Errorf("waiting for sandbox %s: %w", sb.ID(), ctx.Err())
		case <-deadline.C:
			return last, fmt.Errorf("%w: sandbox %s still %s after %s", ErrResumeTimeout, sb.ID(), last, timeout)
		case <-ticker.C:
		}
	}
}

func (m *Manager) create(ctx context.Context, key string, e *entry) (Sandbox, error) {
	e.transition(PhaseCreating)
	m.logger.Info("creating sandbox", "key", key, "provider", m.provider.Name())

	sb, err := m.guard.create(ctx, CreateRequest{
		Labels:   m.labels(key),
		Language: m.cfg.Language,
	})
	if err != nil {
		return nil, err
	}
	e.bind(sb)

	if _, err := m.waitRunning(ctx, e, sb, m.cfg.CreateTimeout); err != nil {
		if errors.Is(err, ErrResumeTimeout) {
			return nil, CreationFailed(fmt.Errorf("sandbox %s not ready within %s", sb.ID(), m.cfg.CreateTimeout))
		}
		if IsNotFound(err) {
			e.forget()
			return nil, CreationFailed(fmt.Errorf("sandbox %s disappeared before it was ready: %v", sb.ID(), err))
		}
		return nil, err
	}
	return sb, nil
}

func (m *Manager) labels(key string) map[string]string {
	labels := make(map[string]string, len(m.cfg.Labels)+1)
	for k, v := range m.cfg.Labels {
		labels[k] = v
	}
	labels[m.cfg.LabelKey] = key
	return labels
}

func (m *Manager) record(ctx context.Context, s Session) {
	if m.recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.recorder.SaveSession(rctx, &s); err != nil {
		m.logger.Warn("failed to record sandbox session", "key", s.Key, "error", err)
	}
}

// entry returns the cache entry for key, inserting an idle one if absent.
func (m *Manager) entry(key string) *entry {
	m.mu.RLock()
	e, ok := m.sessions[key]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[key]; ok {
		return e
	}
	e = &entry{session: Session{
		Key:      key,
		Provider: m.provider.Name(),
		State:    StateUnknown,
		Phase:    PhaseIdle,
	}}
	m.sessions[key] = e
	observability.SandboxSessionsCached.Set(float64(len(m.sessions)))
	return e
}

// Session returns the cached snapshot for key.
func (m *Manager) Session(key string) (Session, bool) {
	m.mu.RLock()
	e, ok := m.sessions[key]
	m.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	return e.snapshot(), true
}

// Sessions returns snapshots of all cached keys, sorted by key.
func (m *Manager) Sessions() []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Forget drops the cached handle for key. The sandbox itself is left
// alone; the next Acquire finds it again through the provider.
func (m *Manager) Forget(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[key]; !ok {
		return false
	}
	delete(m.sessions, key)
	observability.SandboxSessionsCached.Set(float64(len(m.sessions)))
	return true
}

// invalidate drops the cached handle for key if it still points at id.
func (m *Manager) invalidate(key, id string) {
	m.mu.RLock()
	e, ok := m.sessions[key]
	m.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sandbox != nil && e.sandbox.ID() == id {
		e.sandbox = nil
		e.session.SandboxID = ""
		e.session.State = StateUnknown
		e.session.Phase = PhaseIdle
	}
}

func (e *entry) cached() Sandbox {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sandbox
}

func (e *entry) bind(sb Sandbox) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sandbox = sb
	e.session.SandboxID = sb.ID()
}

func (e *entry) forget() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sandbox = nil
	e.session.SandboxID = ""
	e.session.State = StateUnknown
}

func (e *entry) observe(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.State = s
}

// transition moves the entry to the next phase. A failed or ready entry
// restarts from idle.
func (e *entry) transition(to Phase) {
	e.mu.Lock()
	defer e.mu.Unlock()
	from := e.session.Phase
	if from == to {
		return
	}
	if err := ValidatePhaseTransition(from, to); err != nil {
		debug.Log("sandbox", "unexpected phase transition", "key", e.session.Key, "error", err)
	}
	e.session.Phase = to
}

func (e *entry) ready(sb Sandbox, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sandbox = sb
	e.session.SandboxID = sb.ID()
	e.session.State = StateRunning
	e.session.Phase = PhaseReady
	e.session.Acquisitions++
	if e.session.CreatedAt.IsZero() {
		e.session.CreatedAt = now
	}
	e.session.LastAcquiredAt = now
}

func (e *entry) fail() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.Phase = PhaseFailed
}

func (e *entry) snapshot() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Package sandboxtest provides a scriptable in-memory sandbox provider.
package sandboxtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/Ernesto385291/finance-analyzer/pkg/sandbox"
)

// Provider is an in-memory sandbox.Provider. The exported fields script
// its behavior and may be set before use; counters are read through
// methods.
type Provider struct {
	// CreateHook runs before every Create. A non-nil error fails the call.
	// Tests block on channels inside it to hold a creation open.
	CreateHook func(ctx context.Context, req sandbox.CreateRequest) error

	// FindHook runs before every Find. A non-nil error fails the lookup.
	FindHook func(ctx context.Context, labels map[string]string) error

	// StartHook runs before every Start with the sandbox ID. A non-nil
	// error fails the call.
	StartHook func(ctx context.Context, id string) error

	// CreatedState is the state of freshly created sandboxes.
	// Default: sandbox.StateRunning.
	CreatedState sandbox.State

	// StartPolls is how many State calls a started sandbox stays pending
	// for before reporting running.
	StartPolls int

	// StartNever leaves started sandboxes pending forever.
	StartNever bool

	// NotFoundAsError makes Find report absence as an error wrapping
	// sandbox.ErrNotFound, like SDKs that throw on an empty result.
	NotFoundAsError bool

	mu          sync.Mutex
	seq         int
	sandboxes   map[string]*Sandbox
	findCalls   int
	createCalls int
	startCalls  int
}

// New returns an empty provider.
func New() *Provider {
	return &Provider{sandboxes: make(map[string]*Sandbox)}
}

func (p *Provider) Name() string { return "fake" }

// Add seeds a sandbox with the given labels and state.
func (p *Provider) Add(labels map[string]string, state sandbox.State) *Sandbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addLocked(labels, state)
}

func (p *Provider) addLocked(labels map[string]string, state sandbox.State) *Sandbox {
	p.seq++
	sb := &Sandbox{
		provider: p,
		id:       fmt.Sprintf("sbx-%d", p.seq),
		labels:   copyLabels(labels),
		state:    state,
	}
	p.sandboxes[sb.id] = sb
	return sb
}

// Delete removes a sandbox, as if the provider had reclaimed it.
func (p *Provider) Delete(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sandboxes, id)
}

// Sandboxes returns every live sandbox carrying all of labels.
func (p *Provider) Sandboxes(labels map[string]string) []*Sandbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Sandbox
	for _, sb := range p.sandboxes {
		if matches(sb.labels, labels) {
			out = append(out, sb)
		}
	}
	return out
}

// Get returns the sandbox with id, or nil.
func (p *Provider) Get(id string) *Sandbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sandboxes[id]
}

func (p *Provider) FindCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.findCalls
}

func (p *Provider) CreateCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createCalls
}

func (p *Provider) StartCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startCalls
}

func (p *Provider) Find(ctx context.Context, labels map[string]string) sandbox.Lookup {
	p.mu.Lock()
	p.findCalls++
	hook := p.FindHook
	p.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, labels); err != nil {
			return sandbox.LookupError(err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sb := range p.sandboxes {
		if matches(sb.labels, labels) {
			return sandbox.Found(sb, sb.state)
		}
	}
	if p.NotFoundAsError {
		return sandbox.LookupError(fmt.Errorf("no sandbox with labels %v: %w", labels, sandbox.ErrNotFound))
	}
	return sandbox.NotFound()
}

func (p *Provider) Create(ctx context.Context, req sandbox.CreateRequest) (sandbox.Sandbox, error) {
	p.mu.Lock()
	p.createCalls++
	hook := p.CreateHook
	p.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, req); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	state := p.CreatedState
	if state == "" {
		state = sandbox.StateRunning
	}
	sb := p.addLocked(req.Labels, state)
	sb.language = req.Language
	if state == sandbox.StatePending {
		sb.pendingPolls = p.StartPolls
	}
	return sb, nil
}

// Sandbox is an in-memory sandbox. Commands and code are recorded rather
// than executed unless Exec is set.
type Sandbox struct {
	provider *Provider
	id       string
	labels   map[string]string
	language string

	// guarded by provider.mu
	state        sandbox.State
	pendingPolls int
	commands     []string
	code         []string
	files        []sandbox.File

	// Exec, when set, produces the output of commands and code runs.
	Exec func(input string) (*sandbox.Output, error)
}

func (s *Sandbox) ID() string { return s.id }

// Labels returns a copy of the sandbox labels.
func (s *Sandbox) Labels() map[string]string { return copyLabels(s.labels) }

// Language returns the language the sandbox was created with.
func (s *Sandbox) Language() string { return s.language }

// SetState forces the sandbox into state.
func (s *Sandbox) SetState(state sandbox.State) {
	s.provider.mu.Lock()
	defer s.provider.mu.Unlock()
	s.state = state
}

// Commands returns the commands executed so far.
func (s *Sandbox) Commands() []string {
	s.provider.mu.Lock()
	defer s.provider.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Code returns the code snippets run so far.
func (s *Sandbox) Code() []string {
	s.provider.mu.Lock()
	defer s.provider.mu.Unlock()
	return append([]string(nil), s.code...)
}

// Files returns the files uploaded so far.
func (s *Sandbox) Files() []sandbox.File {
	s.provider.mu.Lock()
	defer s.provider.mu.Unlock()
	return append([]sandbox.File(nil), s.files...)
}

func (s *Sandbox) liveLocked() error {
	if _, ok := s.provider.sandboxes[s.id]; !ok {
		return fmt.Errorf("sandbox %s: %w", s.id, sandbox.ErrNotFound)
	}
	return nil
}

func (s *Sandbox) State(ctx context.Context) (sandbox.State, error) {
	s.provider.mu.Lock()
	defer s.provider.mu.Unlock()
	if err := s.liveLocked(); err != nil {
		return sandbox.StateUnknown, err
	}
	if s.state == sandbox.StatePending && !s.provider.StartNever {
		if s.pendingPolls <= 0 {
			s.state = sandbox.StateRunning
		} else {
			s.pendingPolls--
		}
	}
	return s.state, nil
}

func (s *Sandbox) Start(ctx context.Context) error {
	s.provider.mu.Lock()
	s.provider.startCalls++
	hook := s.provider.StartHook
	s.provider.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, s.id); err != nil {
			return err
		}
	}

	s.provider.mu.Lock()
	defer s.provider.mu.Unlock()
	if err := s.liveLocked(); err != nil {
		return err
	}
	if s.state == sandbox.StateRunning {
		return nil
	}
	if s.provider.StartPolls == 0 && !s.provider.StartNever {
		s.state = sandbox.StateRunning
		return nil
	}
	s.state = sandbox.StatePending
	s.pendingPolls = s.provider.StartPolls
	return nil
}

func (s *Sandbox) ExecuteCommand(ctx context.Context, command string) (*sandbox.Output, error) {
	s.provider.mu.Lock()
	if err := s.liveLocked(); err != nil {
		s.provider.mu.Unlock()
		return nil, err
	}
	s.commands = append(s.commands, command)
	s.provider.mu.Unlock()
	return s.run(command)
}

func (s *Sandbox) CodeRun(ctx context.Context, code string) (*sandbox.Output, error) {
	s.provider.mu.Lock()
	if err := s.liveLocked(); err != nil {
		s.provider.mu.Unlock()
		return nil, err
	}
	s.code = append(s.code, code)
	s.provider.mu.Unlock()
	return s.run(code)
}

func (s *Sandbox) UploadFiles(ctx context.Context, files []sandbox.File) error {
	s.provider.mu.Lock()
	defer s.provider.mu.Unlock()
	if err := s.liveLocked(); err != nil {
		return err
	}
	s.files = append(s.files, files...)
	return nil
}

func (s *Sandbox) run(input string) (*sandbox.Output, error) {
	if s.Exec != nil {
		return s.Exec(input)
	}
	return &sandbox.Output{Result: "ok", ExitCode: 0}, nil
}

func matches(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func copyLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

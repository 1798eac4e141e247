package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// mockSandbox is one sandbox. Its filesystem is rooted at root, so
// "/home/daytona/x" lives at root+"/home/daytona/x".
type mockSandbox struct {
	ID      string            `json:"id"`
	State   string            `json:"state"`
	Labels  map[string]string `json:"labels"`
	Target  string            `json:"target,omitempty"`
	Created time.Time         `json:"createdAt"`

	root    string
	readyAt time.Time
}

type mockConfig struct {
	// APIKey, when set, is required as a bearer token.
	APIKey string

	// CreateDelay keeps new sandboxes in "creating" for this long.
	CreateDelay time.Duration

	// StartDelay keeps started sandboxes in "starting" for this long.
	StartDelay time.Duration

	// BaseDir holds the per-sandbox filesystems. Default: os.TempDir().
	BaseDir string

	Logger *slog.Logger
}

type mockDaytona struct {
	cfg mockConfig
	now func() time.Time

	mu        sync.Mutex
	sandboxes map[string]*mockSandbox
}

func newMockDaytona(cfg mockConfig) *mockDaytona {
	if cfg.BaseDir == "" {
		cfg.BaseDir = os.TempDir()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &mockDaytona{
		cfg:       cfg,
		now:       time.Now,
		sandboxes: make(map[string]*mockSandbox),
	}
}

func (m *mockDaytona) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sandbox", m.handleList)
	mux.HandleFunc("POST /sandbox", m.handleCreate)
	mux.HandleFunc("GET /sandbox/{id}", m.handleGet)
	mux.HandleFunc("POST /sandbox/{id}/start", m.handleStart)
	mux.HandleFunc("POST /sandbox/{id}/stop", m.handleStop)
	mux.HandleFunc("POST /sandbox/{id}/archive", m.handleArchive)
	mux.HandleFunc("DELETE /sandbox/{id}", m.handleDelete)
	mux.HandleFunc("POST /toolbox/{id}/toolbox/process/execute", m.handleExecute)
	mux.HandleFunc("POST /toolbox/{id}/toolbox/files/bulk-upload", m.handleUpload)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return m.authenticate(mux)
}

func (m *mockDaytona) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.cfg.APIKey != "" && r.URL.Path != "/healthz" &&
			r.Header.Get("Authorization") != "Bearer "+m.cfg.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// refresh settles time-based transitions. Callers hold m.mu.
func (m *mockDaytona) refresh(sb *mockSandbox) {
	if (sb.State == "creating" || sb.State == "starting") && !m.now().Before(sb.readyAt) {
		sb.State = "started"
	}
}

// lookup returns a copy of the sandbox, or nil when it does not exist.
func (m *mockDaytona) lookup(id string) *mockSandbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[id]
	if !ok {
		return nil
	}
	m.refresh(sb)
	cp := *sb
	return &cp
}

func (m *mockDaytona) handleList(w http.ResponseWriter, r *http.Request) {
	want := map[string]string{}
	if raw := r.URL.Query().Get("labels"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &want); err != nil {
			writeError(w, http.StatusBadRequest, "labels must be a JSON object")
			return
		}
	}

	m.mu.Lock()
	out := make([]mockSandbox, 0)
	for _, sb := range m.sandboxes {
		m.refresh(sb)
		if matches(sb.Labels, want) {
			out = append(out, *sb)
		}
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b mockSandbox) int { return a.Created.Compare(b.Created) })
	writeJSON(w, http.StatusOK, out)
}

func matches(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

type createBody struct {
	Labels           map[string]string `json:"labels"`
	Target           string            `json:"target"`
	Snapshot         string            `json:"snapshot"`
	AutoStopInterval *int              `json:"autoStopInterval"`
}

func (m *mockDaytona) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := uuid.NewString()
	root := filepath.Join(m.cfg.BaseDir, "mock-daytona-"+id)
	if err := os.MkdirAll(filepath.Join(root, "home", "daytona"), 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	now := m.now()
	sb := &mockSandbox{
		ID:      id,
		State:   "started",
		Labels:  maps.Clone(body.Labels),
		Target:  body.Target,
		Created: now,
		root:    root,
	}
	if sb.Labels == nil {
		sb.Labels = map[string]string{}
	}
	if m.cfg.CreateDelay > 0 {
		sb.State = "creating"
		sb.readyAt = now.Add(m.cfg.CreateDelay)
	}

	m.mu.Lock()
	m.sandboxes[id] = sb
	cp := *sb
	m.mu.Unlock()

	m.cfg.Logger.Info("sandbox created", "id", id, "labels", body.Labels)
	writeJSON(w, http.StatusOK, cp)
}

func (m *mockDaytona) handleGet(w http.ResponseWriter, r *http.Request) {
	sb := m.lookup(r.PathValue("id"))
	if sb == nil {
		writeError(w, http.StatusNotFound, "sandbox not found")
		return
	}
	writeJSON(w, http.StatusOK, sb)
}

// transition moves a sandbox to a new state. from lists the states the
// move is legal from; an empty list allows any state.
func (m *mockDaytona) transition(w http.ResponseWriter, id, to string, delay time.Duration, from ...string) {
	m.mu.Lock()
	sb, ok := m.sandboxes[id]
	if !ok {
		m.mu.Unlock()
		writeError(w, http.StatusNotFound, "sandbox not found")
		return
	}
	m.refresh(sb)
	if len(from) > 0 && !slices.Contains(from, sb.State) {
		state := sb.State
		m.mu.Unlock()
		writeError(w, http.StatusConflict, fmt.Sprintf("sandbox is %s", state))
		return
	}
	sb.State = to
	if delay > 0 && to == "started" {
		sb.State = "starting"
		sb.readyAt = m.now().Add(delay)
	}
	m.mu.Unlock()

	m.cfg.Logger.Info("sandbox state changed", "id", id, "state", to)
	w.WriteHeader(http.StatusOK)
}

func (m *mockDaytona) handleStart(w http.ResponseWriter, r *http.Request) {
	m.transition(w, r.PathValue("id"), "started", m.cfg.StartDelay, "stopped", "archived", "started", "starting")
}

func (m *mockDaytona) handleStop(w http.ResponseWriter, r *http.Request) {
	m.transition(w, r.PathValue("id"), "stopped", 0, "started", "stopped")
}

func (m *mockDaytona) handleArchive(w http.ResponseWriter, r *http.Request) {
	m.transition(w, r.PathValue("id"), "archived", 0, "stopped", "archived")
}

func (m *mockDaytona) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m.mu.Lock()
	sb, ok := m.sandboxes[id]
	if ok {
		delete(m.sandboxes, id)
	}
	m.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "sandbox not found")
		return
	}
	_ = os.RemoveAll(sb.root)
	m.cfg.Logger.Info("sandbox deleted", "id", id)
	w.WriteHeader(http.StatusOK)
}

type executeBody struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd"`
	Timeout int    `json:"timeout"`
}

type executeResult struct {
	ExitCode int    `json:"exitCode"`
	Result   string `json:"result"`
}

func (m *mockDaytona) handleExecute(w http.ResponseWriter, r *http.Request) {
	sb := m.runnable(w, r.PathValue("id"))
	if sb == nil {
		return
	}
	var body executeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	dir := sb.path(body.Cwd)
	if body.Cwd == "" {
		dir = sb.path("/home/daytona")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx := r.Context()
	if body.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(body.Timeout)*time.Second)
		defer cancel()
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", body.Command)
	cmd.Dir = dir
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.Env = append(os.Environ(), "HOME="+sb.path("/home/daytona"))

	res := executeResult{}
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitCode()
		case ctx.Err() != nil:
			res.ExitCode = -1
			out.WriteString("command timed out")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	res.Result = out.String()
	writeJSON(w, http.StatusOK, res)
}

func (m *mockDaytona) handleUpload(w http.ResponseWriter, r *http.Request) {
	sb := m.runnable(w, r.PathValue("id"))
	if sb == nil {
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	for i := 0; ; i++ {
		dest := r.FormValue(fmt.Sprintf("files[%d].path", i))
		if dest == "" {
			break
		}
		f, _, err := r.FormFile(fmt.Sprintf("files[%d].file", i))
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("files[%d].file is missing", i))
			return
		}
		err = writeFile(sb.path(dest), f)
		f.Close()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// runnable returns the sandbox when it can execute, writing an error
// response otherwise.
func (m *mockDaytona) runnable(w http.ResponseWriter, id string) *mockSandbox {
	sb := m.lookup(id)
	if sb == nil {
		writeError(w, http.StatusNotFound, "sandbox not found")
		return nil
	}
	if sb.State != "started" {
		writeError(w, http.StatusConflict, fmt.Sprintf("sandbox is %s", sb.State))
		return nil
	}
	return sb
}

// path maps an absolute sandbox path into the sandbox root. Relative
// paths resolve against /home/daytona.
func (sb *mockSandbox) path(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/home/daytona/" + p
	}
	return filepath.Join(sb.root, filepath.Clean(p))
}

func writeFile(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"statusCode": status, "message": message})
}

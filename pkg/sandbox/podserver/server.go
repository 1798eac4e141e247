package podserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Ernesto385291/finance-analyzer/pkg/sandbox"
)

// Config holds pod server settings.
type Config struct {
	// WorkspaceDir is the working directory for code and commands.
	// Default: "/home/daytona".
	WorkspaceDir string

	// Python is the interpreter for /execute. Default: "python3".
	Python string

	// Shell runs /command. Default: "sh".
	Shell string

	// MaxConcurrent caps simultaneous executions. Default: 3.
	MaxConcurrent int

	// DefaultTimeout applies when a request carries no timeout.
	// Default: 5m.
	DefaultTimeout time.Duration

	// MaxBodyBytes limits request bodies. Default: 64 MiB.
	MaxBodyBytes int64

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.WorkspaceDir == "" {
		c.WorkspaceDir = sandbox.DefaultWorkspaceDir
	}
	if c.Python == "" {
		c.Python = "python3"
	}
	if c.Shell == "" {
		c.Shell = "sh"
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 64 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Server executes requests inside the pod.
type Server struct {
	cfg            Config
	load           atomic.Int32
	startTime      time.Time
	runtimeVersion string
}

// NewServer creates a pod server.
func NewServer(cfg Config) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:            cfg,
		startTime:      time.Now(),
		runtimeVersion: detectVersion(cfg.Python),
	}
}

// Handler returns the HTTP handler serving the pod protocol.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("POST /command", s.handleCommand)
	mux.HandleFunc("POST /files", s.handleFiles)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w) {
		return
	}
	defer s.load.Add(-1)

	var req ExecuteRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	s.cfg.Logger.Info("execute request", "code", preview(req.Code, 120), "timeout", req.TimeoutSeconds)

	resp := s.run(r.Context(), []string{s.cfg.Python, "-u", "-c", req.Code}, s.cfg.WorkspaceDir, req.TimeoutSeconds)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w) {
		return
	}
	defer s.load.Add(-1)

	var req CommandRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	dir := req.Cwd
	if dir == "" {
		dir = s.cfg.WorkspaceDir
	}

	s.cfg.Logger.Info("command request", "command", preview(req.Command, 120), "cwd", dir)

	resp := s.run(r.Context(), []string{s.cfg.Shell, "-c", req.Command}, dir, req.TimeoutSeconds)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	var req UploadRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Files) == 0 {
		writeError(w, http.StatusBadRequest, "files are required")
		return
	}

	// Validate everything before writing anything.
	decoded := make([][]byte, len(req.Files))
	for i, f := range req.Files {
		if !filepath.IsAbs(f.Path) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("file %d: path %q is not absolute", i, f.Path))
			return
		}
		content, err := base64.StdEncoding.DecodeString(f.Content)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("file %d: invalid base64: %v", i, err))
			return
		}
		decoded[i] = content
	}

	for i, f := range req.Files {
		p := filepath.Clean(f.Path)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("creating directory for %q: %v", p, err))
			return
		}
		if err := os.WriteFile(p, decoded[i], 0o644); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("writing %q: %v", p, err))
			return
		}
	}

	s.cfg.Logger.Info("files written", "count", len(req.Files))
	writeJSON(w, http.StatusOK, UploadResponse{Written: len(req.Files)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:         "healthy",
		RuntimeVersion: s.runtimeVersion,
		Capacity:       s.cfg.MaxConcurrent,
		CurrentLoad:    int(s.load.Load()),
		UptimeSecs:     int64(time.Since(s.startTime).Seconds()),
	})
}

// enter reserves an execution slot, answering 429 when none is free. The
// caller releases the slot only when enter returns true.
func (s *Server) enter(w http.ResponseWriter) bool {
	current := s.load.Add(1)
	if int(current) > s.cfg.MaxConcurrent {
		s.load.Add(-1)
		writeError(w, http.StatusTooManyRequests,
			fmt.Sprintf("at capacity (%d/%d concurrent executions)", current-1, s.cfg.MaxConcurrent))
		return false
	}
	return true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return false
	}
	return true
}

func (s *Server) run(ctx context.Context, argv []string, dir string, timeoutSecs int) ExecResponse {
	timeout := s.cfg.DefaultTimeout
	if timeoutSecs > 0 {
		timeout = time.Duration(timeoutSecs) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	status := "success"
	if err != nil {
		status = "error"
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			exitCode = -1
			if stderr.Len() == 0 {
				fmt.Fprintf(&stderr, "execution timed out after %s", timeout)
			}
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			exitCode = -1
			stderr.WriteString(err.Error())
		}
	}

	s.cfg.Logger.Info("execution complete",
		"status", status,
		"exit_code", exitCode,
		"duration_ms", duration.Milliseconds(),
		"stdout_len", stdout.Len(),
	)
	return ExecResponse{
		Status:          status,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		ExitCode:        exitCode,
		ExecutionTimeMs: duration.Milliseconds(),
	}
}

func detectVersion(python string) string {
	out, err := exec.Command(python, "--version").Output()
	if err != nil {
		return "unknown"
	}
	version, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return version
}

func preview(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

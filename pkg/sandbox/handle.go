package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/Ernesto385291/finance-analyzer/pkg/observability"
)

// ErrInvalidArgument is returned by Handle operations for malformed input.
var ErrInvalidArgument = errors.New("sandbox: invalid argument")

// Handle is a reference to a running sandbox returned by Acquire. It stays
// valid until the provider reclaims the sandbox; operations on a reclaimed
// sandbox drop it from the cache and fail with ErrProviderUnavailable so
// the caller can acquire again.
type Handle struct {
	manager *Manager
	key     string
	sandbox Sandbox
}

// Key returns the session key the handle was acquired for.
func (h *Handle) Key() string { return h.key }

// ID returns the provider's sandbox identifier.
func (h *Handle) ID() string { return h.sandbox.ID() }

// Sandbox exposes the underlying sandbox.
func (h *Handle) Sandbox() Sandbox { return h.sandbox }

// RunCode executes Python code. When packages is non-empty, the packages
// and the configured defaults are installed with pip first.
func (h *Handle) RunCode(ctx context.Context, code string, packages []string) (*Output, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("%w: code must not be empty", ErrInvalidArgument)
	}

	if len(packages) > 0 {
		install := MergePackages(packages, h.manager.cfg.DefaultPackages)
		if len(install) > 0 {
			out, err := h.sandbox.ExecuteCommand(ctx, InstallCommand(install))
			if err != nil {
				return nil, h.fail("install_packages", err)
			}
			if out.ExitCode != 0 {
				h.manager.logger.Warn("package install exited non-zero",
					"key", h.key, "sandbox_id", h.ID(), "exit_code", out.ExitCode, "packages", install)
			}
		}
	}

	out, err := h.sandbox.CodeRun(ctx, code)
	if err != nil {
		return nil, h.fail("run_code", err)
	}
	h.succeed("run_code")
	return out, nil
}

// RunCommand executes a shell command.
func (h *Handle) RunCommand(ctx context.Context, command string) (*Output, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("%w: command must not be empty", ErrInvalidArgument)
	}
	out, err := h.sandbox.ExecuteCommand(ctx, command)
	if err != nil {
		return nil, h.fail("run_command", err)
	}
	h.succeed("run_command")
	return out, nil
}

// UploadFiles places files inside the sandbox. Relative destinations are
// resolved against the configured workspace directory.
func (h *Handle) UploadFiles(ctx context.Context, files []File) (*UploadAck, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no files to upload", ErrInvalidArgument)
	}
	resolved := make([]File, len(files))
	for i, f := range files {
		dest, err := ResolveDestination(h.manager.cfg.WorkspaceDir, f.Destination)
		if err != nil {
			return nil, fmt.Errorf("file %d: %w", i, err)
		}
		resolved[i] = File{Source: f.Source, Destination: dest}
	}

	if err := h.sandbox.UploadFiles(ctx, resolved); err != nil {
		return nil, h.fail("upload_files", err)
	}
	h.succeed("upload_files")
	return &UploadAck{
		Success: true,
		Message: fmt.Sprintf("Successfully uploaded %d files", len(resolved)),
		Files:   len(resolved),
	}, nil
}

func (h *Handle) succeed(op string) {
	observability.SandboxOperationsTotal.WithLabelValues(op, "ok").Inc()
	h.manager.touch(h.key, h.manager.now())
}

func (h *Handle) fail(op string, err error) error {
	observability.SandboxOperationsTotal.WithLabelValues(op, "error").Inc()
	if IsNotFound(err) {
		h.manager.logger.Warn("sandbox vanished under an open handle",
			"key", h.key, "sandbox_id", h.ID(), "op", op)
		h.manager.invalidate(h.key, h.ID())
		return Unavailable(fmt.Errorf("%s: %w", op, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}

// touch records activity on key without changing its phase.
func (m *Manager) touch(key string, now time.Time) {
	m.mu.RLock()
	e, ok := m.sessions[key]
	m.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.session.LastAcquiredAt = now
	e.mu.Unlock()
}

// ParsePackages splits a comma-separated package list, dropping blanks.
func ParsePackages(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// MergePackages returns requested followed by defaults, trimmed and
// deduplicated in first-seen order.
func MergePackages(requested, defaults []string) []string {
	seen := make(map[string]bool, len(requested)+len(defaults))
	out := make([]string, 0, len(requested)+len(defaults))
	for _, list := range [][]string{requested, defaults} {
		for _, p := range list {
			p = strings.TrimSpace(p)
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// InstallCommand builds the pip command for packages. Each package is
// single-quoted so version specifiers reach pip intact.
func InstallCommand(packages []string) string {
	quoted := make([]string, len(packages))
	for i, p := range packages {
		quoted[i] = ShellQuote(p)
	}
	return "pip install " + strings.Join(quoted, " ")
}

// ShellQuote quotes s for POSIX sh.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// ResolveDestination returns the absolute in-sandbox path for dest.
func ResolveDestination(workspace, dest string) (string, error) {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return "", fmt.Errorf("%w: destination must not be empty", ErrInvalidArgument)
	}
	if strings.HasSuffix(dest, "/") {
		return "", fmt.Errorf("%w: destination %q is a directory", ErrInvalidArgument, dest)
	}
	if path.IsAbs(dest) {
		return path.Clean(dest), nil
	}
	return path.Join(workspace, dest), nil
}

package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Ernesto385291/finance-analyzer/pkg/api"
)

// fakeAPI records the last request and answers with canned bodies.
type fakeAPI struct {
	method string
	path   string
	query  string
	auth   string
	body   []byte
}

func (f *fakeAPI) server(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.method, f.path, f.query = r.Method, r.URL.Path, r.URL.RawQuery
		f.auth = r.Header.Get("Authorization")
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r.Body)
		f.body = buf.Bytes()
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func execute(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(append([]string{"--server", srv.URL, "--token", "fa-key", "--retries", "1"}, args...))
	cmd.SetIn(strings.NewReader(""))
	err := cmd.Execute()
	return out.String(), err
}

func TestAcquire(t *testing.T) {
	var f fakeAPI
	srv := f.server(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(api.Session{Key: "conv-1", SandboxID: "sbx-1", Provider: "daytona", State: "running", Phase: "ready", Acquisitions: 1})
	})

	out, err := execute(t, srv, "acquire", "conv-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if f.method != http.MethodPost || f.path != "/v1/sessions/conv-1/acquire" || f.auth != "Bearer fa-key" {
		t.Errorf("request = %s %s auth=%q", f.method, f.path, f.auth)
	}
	if !strings.Contains(out, "sbx-1") || !strings.Contains(out, "daytona") {
		t.Errorf("output = %q", out)
	}
}

func TestExecJoinsArgsAndPropagatesExitCode(t *testing.T) {
	var f fakeAPI
	srv := f.server(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(api.ExecutionResult{Result: "no such file", ExitCode: 2})
	})

	out, err := execute(t, srv, "exec", "conv-1", "--", "ls", "-la", "missing")
	var exit *exitError
	if !errors.As(err, &exit) || exit.code != 2 {
		t.Fatalf("exec error = %v, want exit status 2", err)
	}
	var req api.RunCommandRequest
	_ = json.Unmarshal(f.body, &req)
	if req.Command != "ls -la missing" {
		t.Errorf("command = %q", req.Command)
	}
	if out != "no such file\n" {
		t.Errorf("output = %q", out)
	}
}

func TestRunFromFileWithPackages(t *testing.T) {
	var f fakeAPI
	srv := f.server(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(api.ExecutionResult{Result: "42\n"})
	})
	script := filepath.Join(t.TempDir(), "analysis.py")
	if err := os.WriteFile(script, []byte("print(6*7)"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, srv, "run", "conv-1", "-f", script, "--packages", "yfinance, ta")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var req api.RunCodeRequest
	_ = json.Unmarshal(f.body, &req)
	if req.Code != "print(6*7)" || len(req.Packages) != 2 || req.Packages[1] != "ta" {
		t.Errorf("request = %+v", req)
	}
	if f.path != "/v1/sessions/conv-1/code" || out != "42\n" {
		t.Errorf("path = %s, output = %q", f.path, out)
	}
}

func TestRunWithoutCode(t *testing.T) {
	var f fakeAPI
	srv := f.server(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected")
	})
	if _, err := execute(t, srv, "run", "conv-1"); err == nil {
		t.Fatal("expected error without code")
	}
}

func TestUploadUsesBaseNameUnderDest(t *testing.T) {
	var f fakeAPI
	srv := f.server(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(api.UploadResult{Success: true, Message: "Successfully uploaded 1 files", Files: 1})
	})
	local := filepath.Join(t.TempDir(), "q1.csv")
	if err := os.WriteFile(local, []byte("a,b\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, srv, "upload", "conv-1", local, "--dest", "data")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	var req api.UploadFilesRequest
	_ = json.Unmarshal(f.body, &req)
	if len(req.Files) != 1 || req.Files[0].Destination != "data/q1.csv" {
		t.Fatalf("files = %+v", req.Files)
	}
	if got, _ := base64.StdEncoding.DecodeString(req.Files[0].Content); string(got) != "a,b\n" {
		t.Errorf("content = %q", got)
	}
	if !strings.Contains(out, "Successfully uploaded 1 files") {
		t.Errorf("output = %q", out)
	}
}

func TestSessionsListJSON(t *testing.T) {
	var f fakeAPI
	srv := f.server(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(api.SessionList{
			Object: api.ObjectList,
			Data:   []api.Session{{Key: "a"}, {Key: "b"}},
		})
	})

	out, err := execute(t, srv, "sessions", "list", "--limit", "2", "--provider", "docker", "-o", "json")
	if err != nil {
		t.Fatalf("sessions list: %v", err)
	}
	if f.path != "/v1/sessions" || !strings.Contains(f.query, "limit=2") || !strings.Contains(f.query, "provider=docker") {
		t.Errorf("request = %s?%s", f.path, f.query)
	}
	var page api.SessionList
	if err := json.Unmarshal([]byte(out), &page); err != nil || len(page.Data) != 2 {
		t.Errorf("output = %q (%v)", out, err)
	}
}

func TestSessionsForget(t *testing.T) {
	var f fakeAPI
	srv := f.server(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	out, err := execute(t, srv, "sessions", "forget", "conv-1")
	if err != nil {
		t.Fatalf("sessions forget: %v", err)
	}
	if f.method != http.MethodDelete || out != "forgot conv-1\n" {
		t.Errorf("method = %s, output = %q", f.method, out)
	}
}

func TestRejectsUnknownOutput(t *testing.T) {
	var f fakeAPI
	srv := f.server(t, func(w http.ResponseWriter, _ *http.Request) {})
	if _, err := execute(t, srv, "sessions", "list", "-o", "yaml"); err == nil {
		t.Fatal("expected error for -o yaml")
	}
}

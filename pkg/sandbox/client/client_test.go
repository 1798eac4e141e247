package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Ernesto385291/finance-analyzer/pkg/api"
)

func fastRetry() Option {
	return WithRetry(3, time.Millisecond, 5*time.Millisecond)
}

func writeError(w http.ResponseWriter, status int, e *api.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: e})
}

func TestAcquireRetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/sessions/conv-1/acquire" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if calls.Add(1) < 3 {
			writeError(w, http.StatusServiceUnavailable, api.NewUnavailableError())
			return
		}
		_ = json.NewEncoder(w).Encode(api.Session{Object: api.ObjectSession, Key: "conv-1", SandboxID: "sbx-1"})
	}))
	defer srv.Close()

	sess, err := New(srv.URL, fastRetry()).Acquire(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if sess.SandboxID != "sbx-1" {
		t.Errorf("session = %+v", sess)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestRetriesExhaustedReturnsAPIError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeError(w, http.StatusServiceUnavailable, api.NewUnavailableError())
	}))
	defer srv.Close()

	_, err := New(srv.URL, fastRetry()).RunCommand(context.Background(), "conv-1", "ls")
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) || apiErr.Type != api.ErrorTypeUnavailable {
		t.Fatalf("RunCommand = %v, want unavailable APIError", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestInvalidRequestIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeError(w, http.StatusBadRequest, api.NewInvalidRequestError("code", "code must not be empty"))
	}))
	defer srv.Close()

	_, err := New(srv.URL, fastRetry()).RunCode(context.Background(), "conv-1", "", nil)
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) || apiErr.Param != "code" {
		t.Fatalf("RunCode = %v, want invalid request on code", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestRunCodeSendsPackagesAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer fa-key" {
			t.Errorf("Authorization = %q", got)
		}
		var req api.RunCodeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.Code != "print(1)" || len(req.Packages) != 1 || req.Packages[0] != "yfinance" {
			t.Errorf("request = %+v", req)
		}
		_ = json.NewEncoder(w).Encode(api.ExecutionResult{Object: api.ObjectExecution, Result: "1\n"})
	}))
	defer srv.Close()

	res, err := New(srv.URL, WithToken("fa-key")).RunCode(context.Background(), "conv-1", "print(1)", []string{"yfinance"})
	if err != nil {
		t.Fatalf("RunCode: %v", err)
	}
	if res.Result != "1\n" {
		t.Errorf("result = %q", res.Result)
	}
}

func TestUploadFilesEncodesContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req api.UploadFilesRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Files) != 1 || req.Files[0].Destination != "q1.csv" {
			t.Errorf("files = %+v", req.Files)
		}
		if got, _ := base64.StdEncoding.DecodeString(req.Files[0].Content); string(got) != "a,b\n" {
			t.Errorf("content = %q", got)
		}
		_ = json.NewEncoder(w).Encode(api.UploadResult{Success: true, Files: 1})
	}))
	defer srv.Close()

	res, err := New(srv.URL).UploadFiles(context.Background(), "conv-1", []File{{Destination: "q1.csv", Content: []byte("a,b\n")}})
	if err != nil {
		t.Fatalf("UploadFiles: %v", err)
	}
	if !res.Success || res.Files != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestListSessionsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("after") != "conv-1" || q.Get("limit") != "2" || q.Get("provider") != "docker" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(api.SessionList{Object: api.ObjectList, HasMore: true})
	}))
	defer srv.Close()

	list, err := New(srv.URL).ListSessions(context.Background(), ListOptions{After: "conv-1", Limit: 2, Provider: "docker"})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if !list.HasMore {
		t.Errorf("list = %+v", list)
	}
}

func TestForgetAndNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/sessions/gone" {
			writeError(w, http.StatusNotFound, api.NewNotFoundError("session not found"))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	c := New(srv.URL)

	if err := c.ForgetSession(context.Background(), "conv-1"); err != nil {
		t.Errorf("ForgetSession: %v", err)
	}
	var apiErr *api.APIError
	if err := c.ForgetSession(context.Background(), "gone"); !errors.As(err, &apiErr) || apiErr.Type != api.ErrorTypeNotFound {
		t.Errorf("ForgetSession(gone) = %v, want not found", err)
	}
}

func TestDecodeErrorWithoutEnvelope(t *testing.T) {
	tests := []struct {
		status int
		want   api.ErrorType
	}{
		{http.StatusServiceUnavailable, api.ErrorTypeUnavailable},
		{http.StatusTooManyRequests, api.ErrorTypeTooManyRequests},
		{http.StatusNotFound, api.ErrorTypeNotFound},
		{http.StatusBadGateway, api.ErrorTypeServerError},
		{http.StatusUnsupportedMediaType, api.ErrorTypeInvalidRequest},
	}
	for _, tt := range tests {
		err := decodeError(tt.status, []byte("plain text"))
		var apiErr *api.APIError
		if !errors.As(err, &apiErr) || apiErr.Type != tt.want {
			t.Errorf("decodeError(%d) = %v, want %s", tt.status, err, tt.want)
		}
	}
}

func TestSessionPathEscapesKey(t *testing.T) {
	if got := sessionPath("conv 1", "code"); got != "/v1/sessions/conv%201/code" {
		t.Errorf("sessionPath = %q", got)
	}
}

package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/Ernesto385291/finance-analyzer/pkg/api"
	"github.com/Ernesto385291/finance-analyzer/pkg/transport"
)

// Adapter serves the session API over HTTP.
// It routes requests to the SessionService and serializes responses.
type Adapter struct {
	service transport.SessionService
	ready   transport.ReadinessChecker // nil means always ready
	mux     *http.ServeMux
	config  Config
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	MaxBodySize int64
	Validation  api.ValidationConfig

	// Metrics, when set, is served at MetricsPath (default "/metrics").
	Metrics     http.Handler
	MetricsPath string
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		MaxBodySize: 64 << 20, // 64 MB, room for base64 spreadsheets
		Validation:  api.DefaultValidationConfig(),
		MetricsPath: "/metrics",
	}
}

// NewAdapter creates an HTTP adapter for service. The readiness checker is
// optional.
func NewAdapter(service transport.SessionService, ready transport.ReadinessChecker, cfg Config) *Adapter {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultConfig().MaxBodySize
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	a := &Adapter{
		service: service,
		ready:   ready,
		mux:     http.NewServeMux(),
		config:  cfg,
	}

	a.mux.HandleFunc("POST /v1/sessions/{key}/acquire", a.handleAcquire)
	a.mux.HandleFunc("POST /v1/sessions/{key}/code", a.handleRunCode)
	a.mux.HandleFunc("POST /v1/sessions/{key}/commands", a.handleRunCommand)
	a.mux.HandleFunc("POST /v1/sessions/{key}/files", a.handleUploadFiles)
	a.mux.HandleFunc("GET /v1/sessions/{key}", a.handleGetSession)
	a.mux.HandleFunc("DELETE /v1/sessions/{key}", a.handleForgetSession)
	a.mux.HandleFunc("GET /v1/sessions", a.handleListSessions)
	a.mux.HandleFunc("GET /healthz", a.handleHealth)
	a.mux.HandleFunc("GET /readyz", a.handleReady)
	if cfg.Metrics != nil {
		a.mux.Handle("GET "+cfg.MetricsPath, cfg.Metrics)
	}

	return a
}

// Handler returns the http.Handler for this adapter. Use this to integrate
// with an http.Server or test with httptest.
func (a *Adapter) Handler() http.Handler {
	return a.mux
}

// handleAcquire handles POST /v1/sessions/{key}/acquire.
func (a *Adapter) handleAcquire(w http.ResponseWriter, r *http.Request) {
	sess, err := a.service.Acquire(r.Context(), r.PathValue("key"))
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleRunCode handles POST /v1/sessions/{key}/code.
func (a *Adapter) handleRunCode(w http.ResponseWriter, r *http.Request) {
	var req api.RunCodeRequest
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.service.RunCode(r.Context(), r.PathValue("key"), &req)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleRunCommand handles POST /v1/sessions/{key}/commands.
func (a *Adapter) handleRunCommand(w http.ResponseWriter, r *http.Request) {
	var req api.RunCommandRequest
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.service.RunCommand(r.Context(), r.PathValue("key"), &req)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleUploadFiles handles POST /v1/sessions/{key}/files.
func (a *Adapter) handleUploadFiles(w http.ResponseWriter, r *http.Request) {
	var req api.UploadFilesRequest
	if !a.decode(w, r, &req) {
		return
	}
	files, apiErr := api.DecodeUploadFiles(&req, a.config.Validation)
	if apiErr != nil {
		transport.WriteAPIError(w, apiErr)
		return
	}
	res, err := a.service.UploadFiles(r.Context(), r.PathValue("key"), files)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleGetSession handles GET /v1/sessions/{key}.
func (a *Adapter) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.service.GetSession(r.Context(), r.PathValue("key"))
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleForgetSession handles DELETE /v1/sessions/{key}.
func (a *Adapter) handleForgetSession(w http.ResponseWriter, r *http.Request) {
	if err := a.service.ForgetSession(r.Context(), r.PathValue("key")); err != nil {
		transport.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListSessions handles GET /v1/sessions.
func (a *Adapter) handleListSessions(w http.ResponseWriter, r *http.Request) {
	opts, apiErr := parseListOptions(r)
	if apiErr != nil {
		transport.WriteAPIError(w, apiErr)
		return
	}
	list, err := a.service.ListSessions(r.Context(), opts)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *Adapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func (a *Adapter) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		if err := a.ready.Ready(r.Context()); err != nil {
			transport.WriteErrorResponse(w,
				&api.APIError{Type: api.ErrorTypeUnavailable, Message: "not ready: " + err.Error()},
				http.StatusServiceUnavailable,
			)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready\n"))
}

// decode reads a JSON request body into v. It writes the error response
// and returns false when the body is unusable.
func (a *Adapter) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || mt != "application/json" {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("content_type", "Content-Type must be application/json"),
				http.StatusUnsupportedMediaType,
			)
			return false
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
			return false
		}
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()),
			http.StatusBadRequest,
		)
		return false
	}
	return true
}

// parseListOptions extracts pagination parameters from query string.
func parseListOptions(r *http.Request) (transport.ListOptions, *api.APIError) {
	q := r.URL.Query()
	opts := transport.ListOptions{
		After:    q.Get("after"),
		Provider: q.Get("provider"),
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			return opts, api.NewInvalidRequestError("limit", "limit must be a positive integer")
		}
		opts.Limit = limit
	}

	return opts, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Package client is a Go client for the sandbox session HTTP API.
//
// Requests that fail with a retryable API error (provider unavailable or
// rate limited) or a network error are retried with exponential backoff.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/retry"

	"github.com/Ernesto385291/finance-analyzer/pkg/api"
)

// Client calls the session API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retrier    retry.Retry[*response]
}

// Option configures a Client.
type Option func(*options)

type options struct {
	token        string
	httpClient   *http.Client
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
}

// WithToken sends token as a bearer credential. API keys and JWTs both
// travel this way.
func WithToken(token string) Option {
	return func(o *options) { o.token = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithRetry sets the attempt budget and backoff bounds. One attempt
// disables retries.
func WithRetry(maxAttempts int, initialDelay, maxDelay time.Duration) Option {
	return func(o *options) {
		o.maxAttempts = maxAttempts
		o.initialDelay = initialDelay
		o.maxDelay = maxDelay
	}
}

// New creates a client for the API at baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	o := options{
		httpClient:   &http.Client{Timeout: 10 * time.Minute},
		maxAttempts:  4,
		initialDelay: 500 * time.Millisecond,
		maxDelay:     10 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxAttempts < 1 {
		o.maxAttempts = 1
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      o.token,
		httpClient: o.httpClient,
		retrier: retry.New[*response](retry.Config{
			MaxAttempts:   o.maxAttempts,
			InitialDelay:  o.initialDelay,
			MaxDelay:      o.maxDelay,
			Multiplier:    2.0,
			BackoffPolicy: retry.BackoffExponential,
			Jitter:        true,
			IsRetryable:   IsRetryable,
		}),
	}
}

// IsRetryable reports whether err is worth retrying: a retryable API error
// or a network failure.
func IsRetryable(err error) bool {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Acquire binds a sandbox to key and returns the session.
func (c *Client) Acquire(ctx context.Context, key string) (*api.Session, error) {
	var out api.Session
	if err := c.do(ctx, http.MethodPost, sessionPath(key, "acquire"), struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunCode runs Python code, installing packages first when given.
func (c *Client) RunCode(ctx context.Context, key, code string, packages []string) (*api.ExecutionResult, error) {
	var out api.ExecutionResult
	req := api.RunCodeRequest{Code: code, Packages: packages}
	if err := c.do(ctx, http.MethodPost, sessionPath(key, "code"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunCommand runs a shell command.
func (c *Client) RunCommand(ctx context.Context, key, command string) (*api.ExecutionResult, error) {
	var out api.ExecutionResult
	req := api.RunCommandRequest{Command: command}
	if err := c.do(ctx, http.MethodPost, sessionPath(key, "commands"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// File is a file to upload. Relative destinations land in the sandbox
// workspace.
type File struct {
	Destination string
	Content     []byte
}

// UploadFiles places files in the session's sandbox.
func (c *Client) UploadFiles(ctx context.Context, key string, files []File) (*api.UploadResult, error) {
	req := api.UploadFilesRequest{Files: make([]api.UploadFile, len(files))}
	for i, f := range files {
		req.Files[i] = api.UploadFile{
			Destination: f.Destination,
			Content:     base64.StdEncoding.EncodeToString(f.Content),
		}
	}
	var out api.UploadResult
	if err := c.do(ctx, http.MethodPost, sessionPath(key, "files"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSession reads one session from the ledger.
func (c *Client) GetSession(ctx context.Context, key string) (*api.Session, error) {
	var out api.Session
	if err := c.do(ctx, http.MethodGet, sessionPath(key, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListOptions pages through sessions.
type ListOptions struct {
	After    string
	Limit    int
	Provider string
}

// ListSessions returns a page of sessions ordered by key.
func (c *Client) ListSessions(ctx context.Context, opts ListOptions) (*api.SessionList, error) {
	q := url.Values{}
	if opts.After != "" {
		q.Set("after", opts.After)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Provider != "" {
		q.Set("provider", opts.Provider)
	}
	path := "/v1/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out api.SessionList
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ForgetSession drops the server's cached handle for key.
func (c *Client) ForgetSession(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodDelete, sessionPath(key, ""), nil, nil)
}

type response struct {
	status int
	body   []byte
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	// The retrier may wrap exhaustion; callers get the last attempt's error.
	var lastErr error
	resp, err := c.retrier.Do(ctx, func(ctx context.Context) (*response, error) {
		r, err := c.send(ctx, method, path, payload)
		lastErr = err
		return r, err
	})
	if err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	if out == nil || resp.status == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) (*response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, decodeError(resp.StatusCode, data)
	}
	return &response{status: resp.StatusCode, body: data}, nil
}

// decodeError returns the APIError carried in body, or a synthesized one
// when the body is not an error envelope.
func decodeError(status int, body []byte) error {
	var env api.ErrorResponse
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		return env.Error
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusServiceUnavailable:
		return &api.APIError{Type: api.ErrorTypeUnavailable, Message: msg}
	case status == http.StatusTooManyRequests:
		return api.NewTooManyRequestsError(msg)
	case status == http.StatusNotFound:
		return api.NewNotFoundError(msg)
	case status >= 500:
		return api.NewServerError(fmt.Sprintf("HTTP %d: %s", status, msg))
	default:
		return api.NewInvalidRequestError("", fmt.Sprintf("HTTP %d: %s", status, msg))
	}
}

func sessionPath(key, action string) string {
	p := "/v1/sessions/" + url.PathEscape(key)
	if action != "" {
		p += "/" + action
	}
	return p
}

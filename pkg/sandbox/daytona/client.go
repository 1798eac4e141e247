package daytona

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Ernesto385291/finance-analyzer/pkg/debug"
	"github.com/Ernesto385291/finance-analyzer/pkg/sandbox"
)

// Config holds the Daytona connection settings.
type Config struct {
	// APIURL is the Daytona API base URL. Default: "https://app.daytona.io/api".
	APIURL string

	// APIKey authenticates as a bearer token. Required.
	APIKey string

	// OrganizationID is sent as X-Daytona-Organization-ID when set.
	OrganizationID string

	// Target is the region sandboxes are created in. Empty uses the
	// organization default.
	Target string

	// Snapshot is the image snapshot new sandboxes start from.
	Snapshot string

	// AutoStopInterval stops idle sandboxes after this many minutes.
	// Zero keeps the Daytona default.
	AutoStopInterval int

	// WorkDir is the working directory for commands. Default: "/home/daytona".
	WorkDir string

	// RequestTimeout bounds one HTTP call, including long-running commands.
	// Default: 2m.
	RequestTimeout time.Duration

	// HTTPClient overrides the HTTP client. Its timeout wins over
	// RequestTimeout.
	HTTPClient *http.Client
}

func (c *Config) applyDefaults() {
	if c.APIURL == "" {
		c.APIURL = "https://app.daytona.io/api"
	}
	c.APIURL = strings.TrimRight(c.APIURL, "/")
	if c.WorkDir == "" {
		c.WorkDir = "/home/daytona"
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 2 * time.Minute
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.RequestTimeout}
	}
}

// StatusError is a non-2xx Daytona response that did not map onto a
// sandbox sentinel.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("daytona %s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// client performs authenticated calls against the Daytona API.
type client struct {
	cfg Config
}

// call sends a JSON request and decodes the JSON response into out, which
// may be nil.
func (c *client) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling %s request: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}
	return c.send(ctx, method, path, reader, "application/json", out)
}

// send issues one request. Errors are classified so the manager can tell
// transient failures and absence apart from everything else.
func (c *client) send(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if c.cfg.OrganizationID != "" {
		req.Header.Set("X-Daytona-Organization-ID", c.cfg.OrganizationID)
	}

	debug.Log("providers", "daytona request", "method", method, "path", path)
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("daytona %s %s: %w", method, path, ctx.Err())
		}
		return sandbox.Unavailable(fmt.Errorf("daytona %s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classify(method, path, resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding daytona %s response: %w", path, err)
	}
	return nil
}

func classify(method, path string, resp *http.Response) error {
	se := &StatusError{
		Method:     method,
		Path:       path,
		StatusCode: resp.StatusCode,
		Message:    errorMessage(resp.Body),
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %w", sandbox.ErrNotFound, se)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return sandbox.Unavailable(se)
	default:
		return se
	}
}

// errorMessage extracts the message from a Daytona error body.
func errorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return strings.TrimSpace(string(data))
}

package podserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Ernesto385291/finance-analyzer/pkg/sandbox"
)

// Client calls a pod server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the pod server at baseURL. A nil
// httpClient gets a 10 minute overall timeout; execution timeouts are
// enforced by the server.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string { return c.baseURL }

// Execute runs Python code.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*ExecResponse, error) {
	var resp ExecResponse
	if err := c.post(ctx, "/execute", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Command runs a shell command.
func (c *Client) Command(ctx context.Context, req CommandRequest) (*ExecResponse, error) {
	var resp ExecResponse
	if err := c.post(ctx, "/command", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Upload writes files into the pod. Destinations must be absolute.
func (c *Client) Upload(ctx context.Context, files []sandbox.File) error {
	req := UploadRequest{Files: make([]UploadFile, len(files))}
	for i, f := range files {
		req.Files[i] = UploadFile{
			Path:    f.Destination,
			Content: base64.StdEncoding.EncodeToString(f.Source),
		}
	}
	var resp UploadResponse
	return c.post(ctx, "/files", req, &resp)
}

// Health reports the server's status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	var resp HealthResponse
	if err := c.do(httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq, out)
}

func (c *Client) do(httpReq *http.Request, out any) error {
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := httpReq.Context().Err(); ctxErr != nil {
			return fmt.Errorf("pod server request: %w", ctxErr)
		}
		return sandbox.Unavailable(fmt.Errorf("pod server request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return sandbox.Unavailable(fmt.Errorf("pod server at capacity (HTTP 429)"))
	case resp.StatusCode >= 500:
		return sandbox.Unavailable(fmt.Errorf("pod server returned HTTP %d: %s", resp.StatusCode, errorText(respBody)))
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", sandbox.ErrInvalidArgument, errorText(respBody))
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("pod server returned HTTP %d: %s", resp.StatusCode, errorText(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func errorText(body []byte) string {
	var e errorResponse
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}

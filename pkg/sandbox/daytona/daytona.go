package daytona

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/Ernesto385291/finance-analyzer/pkg/sandbox"
)

// LanguageLabel is the label Daytona reads the code toolbox language from.
const LanguageLabel = "code-toolbox-language"

// Provider talks to the Daytona control plane.
type Provider struct {
	client *client
}

var _ sandbox.Provider = (*Provider)(nil)

// New creates a Daytona provider.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("daytona: API key is required")
	}
	cfg.applyDefaults()
	return &Provider{client: &client{cfg: cfg}}, nil
}

func (p *Provider) Name() string { return "daytona" }

// sandboxDTO is the subset of the Daytona sandbox resource we read.
type sandboxDTO struct {
	ID     string            `json:"id"`
	State  string            `json:"state"`
	Labels map[string]string `json:"labels"`
}

// Find lists sandboxes carrying labels. Destroyed sandboxes are ignored and
// a running match is preferred over a stopped one.
func (p *Provider) Find(ctx context.Context, labels map[string]string) sandbox.Lookup {
	encoded, err := json.Marshal(labels)
	if err != nil {
		return sandbox.LookupError(fmt.Errorf("encoding labels: %w", err))
	}

	var list []sandboxDTO
	if err := p.client.call(ctx, http.MethodGet, "/sandbox?labels="+url.QueryEscape(string(encoded)), nil, &list); err != nil {
		return sandbox.LookupError(err)
	}

	var best *sandboxDTO
	for i := range list {
		if list[i].State == "destroyed" || list[i].State == "destroying" {
			continue
		}
		if best == nil || (MapState(list[i].State) == sandbox.StateRunning && MapState(best.State) != sandbox.StateRunning) {
			best = &list[i]
		}
	}
	if best == nil {
		return sandbox.NotFound()
	}
	return sandbox.Found(p.handle(best.ID), MapState(best.State))
}

type createRequest struct {
	Labels           map[string]string `json:"labels"`
	Target           string            `json:"target,omitempty"`
	Snapshot         string            `json:"snapshot,omitempty"`
	AutoStopInterval *int              `json:"autoStopInterval,omitempty"`
}

// Create provisions a sandbox. Client errors other than 408 and 429 are
// hard creation failures.
func (p *Provider) Create(ctx context.Context, req sandbox.CreateRequest) (sandbox.Sandbox, error) {
	labels := make(map[string]string, len(req.Labels)+1)
	for k, v := range req.Labels {
		labels[k] = v
	}
	if req.Language != "" {
		labels[LanguageLabel] = req.Language
	}

	body := createRequest{
		Labels:   labels,
		Target:   p.client.cfg.Target,
		Snapshot: p.client.cfg.Snapshot,
	}
	if p.client.cfg.AutoStopInterval > 0 {
		n := p.client.cfg.AutoStopInterval
		body.AutoStopInterval = &n
	}

	var created sandboxDTO
	if err := p.client.call(ctx, http.MethodPost, "/sandbox", body, &created); err != nil {
		var se *StatusError
		if errors.As(err, &se) && !sandbox.IsTransient(err) && se.StatusCode != http.StatusRequestTimeout {
			return nil, sandbox.CreationFailed(se)
		}
		return nil, err
	}
	if created.ID == "" {
		return nil, sandbox.CreationFailed(errors.New("daytona returned a sandbox without an id"))
	}
	return p.handle(created.ID), nil
}

func (p *Provider) handle(id string) *Sandbox {
	return &Sandbox{client: p.client, id: id}
}

// MapState converts a Daytona sandbox state.
func MapState(s string) sandbox.State {
	switch s {
	case "started":
		return sandbox.StateRunning
	case "stopped":
		return sandbox.StateStopped
	case "archived":
		return sandbox.StateArchived
	case "creating", "starting", "restoring", "pending_build", "building_snapshot",
		"pulling_snapshot", "stopping", "archiving":
		return sandbox.StatePending
	default:
		return sandbox.StateUnknown
	}
}

// Sandbox is a Daytona sandbox.
type Sandbox struct {
	client *client
	id     string
}

var _ sandbox.Sandbox = (*Sandbox)(nil)

func (s *Sandbox) ID() string { return s.id }

func (s *Sandbox) State(ctx context.Context) (sandbox.State, error) {
	var dto sandboxDTO
	if err := s.client.call(ctx, http.MethodGet, "/sandbox/"+url.PathEscape(s.id), nil, &dto); err != nil {
		return sandbox.StateUnknown, err
	}
	if dto.State == "destroyed" || dto.State == "destroying" {
		return sandbox.StateUnknown, fmt.Errorf("sandbox %s is %s: %w", s.id, dto.State, sandbox.ErrNotFound)
	}
	return MapState(dto.State), nil
}

func (s *Sandbox) Start(ctx context.Context) error {
	return s.client.call(ctx, http.MethodPost, "/sandbox/"+url.PathEscape(s.id)+"/start", nil, nil)
}

type executeRequest struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
	Timeout int    `json:"timeout,omitempty"`
}

type executeResponse struct {
	ExitCode int    `json:"exitCode"`
	Result   string `json:"result"`
}

func (s *Sandbox) ExecuteCommand(ctx context.Context, command string) (*sandbox.Output, error) {
	req := executeRequest{
		Command: command,
		Cwd:     s.client.cfg.WorkDir,
		Timeout: int(s.client.cfg.RequestTimeout.Seconds()),
	}
	var resp executeResponse
	if err := s.client.call(ctx, http.MethodPost, s.toolbox("/process/execute"), req, &resp); err != nil {
		return nil, err
	}
	return &sandbox.Output{Result: resp.Result, ExitCode: resp.ExitCode}, nil
}

// CodeRun pipes base64-encoded code into an unbuffered Python interpreter,
// which keeps quoting out of the shell.
func (s *Sandbox) CodeRun(ctx context.Context, code string) (*sandbox.Output, error) {
	return s.ExecuteCommand(ctx, CodeRunCommand(code))
}

// CodeRunCommand builds the shell command CodeRun executes.
func CodeRunCommand(code string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(code))
	return fmt.Sprintf("sh -c 'echo %s | base64 -d | python3 -u'", encoded)
}

// UploadFiles sends every file in one multipart bulk upload.
func (s *Sandbox) UploadFiles(ctx context.Context, files []sandbox.File) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for i, f := range files {
		if err := w.WriteField(fmt.Sprintf("files[%d].path", i), f.Destination); err != nil {
			return fmt.Errorf("writing upload form: %w", err)
		}
		part, err := w.CreateFormFile(fmt.Sprintf("files[%d].file", i), f.Destination)
		if err != nil {
			return fmt.Errorf("writing upload form: %w", err)
		}
		if _, err := part.Write(f.Source); err != nil {
			return fmt.Errorf("writing upload form: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing upload form: %w", err)
	}
	return s.client.send(ctx, http.MethodPost, s.toolbox("/files/bulk-upload"), &buf, w.FormDataContentType(), nil)
}

func (s *Sandbox) toolbox(path string) string {
	return "/toolbox/" + url.PathEscape(s.id) + "/toolbox" + path
}

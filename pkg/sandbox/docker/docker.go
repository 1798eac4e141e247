// Package docker runs sandboxes as long-lived local containers. It is meant
// for development and CI, where a hosted sandbox service is not available.
//
// A sandbox is a container kept alive by a sleep loop. Commands and code
// run through docker exec, and files are copied in as a tar stream.
// Sandbox labels become container labels under LabelPrefix so that Find
// survives restarts of the service.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/Ernesto385291/finance-analyzer/pkg/debug"
	"github.com/Ernesto385291/finance-analyzer/pkg/sandbox"
)

// LabelPrefix namespaces sandbox labels on containers.
const LabelPrefix = "finance-analyzer."

// Config holds the Docker provider settings.
type Config struct {
	// Host overrides DOCKER_HOST when set.
	Host string

	// Image is the sandbox image. It must provide sh and python3.
	// Default: "python:3.12-slim".
	Image string

	// Network attaches containers to a user-defined network when set.
	Network string

	// MemoryMB caps container memory. Zero means unlimited.
	MemoryMB int64

	// WorkDir is the container working directory. Default: "/home/daytona".
	WorkDir string
}

func (c *Config) applyDefaults() {
	if c.Image == "" {
		c.Image = "python:3.12-slim"
	}
	if c.WorkDir == "" {
		c.WorkDir = sandbox.DefaultWorkspaceDir
	}
}

// dockerAPI is the subset of the Docker client the provider uses.
type dockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerUnpause(ctx context.Context, containerID string) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Close() error
}

// Provider manages sandbox containers on a Docker daemon.
type Provider struct {
	api dockerAPI
	cfg Config
}

var _ sandbox.Provider = (*Provider)(nil)

// New connects to the Docker daemon described by cfg and the environment.
func New(cfg Config) (*Provider, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return newProvider(cli, cfg), nil
}

func newProvider(api dockerAPI, cfg Config) *Provider {
	cfg.applyDefaults()
	return &Provider{api: api, cfg: cfg}
}

func (p *Provider) Name() string { return "docker" }

// Close releases the Docker client.
func (p *Provider) Close() error { return p.api.Close() }

// Find lists containers carrying labels, stopped ones included. A running
// match is preferred.
func (p *Provider) Find(ctx context.Context, labels map[string]string) sandbox.Lookup {
	list, err := p.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: LabelFilter(labels),
	})
	if err != nil {
		return sandbox.LookupError(classify("listing containers", err))
	}

	var (
		best      *container.Summary
		bestState sandbox.State
	)
	for i := range list {
		state, ok := MapState(string(list[i].State))
		if !ok {
			continue
		}
		if best == nil || (state == sandbox.StateRunning && bestState != sandbox.StateRunning) {
			best, bestState = &list[i], state
		}
	}
	if best == nil {
		return sandbox.NotFound()
	}
	debug.Log("providers", "docker container found", "id", best.ID, "state", best.State)
	return sandbox.Found(p.sandbox(best.ID), bestState)
}

// Create pulls the image if needed, then creates and starts a container.
func (p *Provider) Create(ctx context.Context, req sandbox.CreateRequest) (sandbox.Sandbox, error) {
	if err := p.ensureImage(ctx); err != nil {
		return nil, err
	}

	cfg := &container.Config{
		Image:      p.cfg.Image,
		Cmd:        []string{"sh", "-c", "while true; do sleep 3600; done"},
		WorkingDir: p.cfg.WorkDir,
		Labels:     ContainerLabels(req.Labels),
	}
	if req.Language != "" {
		cfg.Labels[LabelPrefix+"language"] = req.Language
	}
	host := &container.HostConfig{}
	if p.cfg.MemoryMB > 0 {
		host.Resources.Memory = p.cfg.MemoryMB * 1024 * 1024
	}
	if p.cfg.Network != "" {
		host.NetworkMode = container.NetworkMode(p.cfg.Network)
	}

	resp, err := p.api.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return nil, createError("creating container", err)
	}
	if err := p.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, createError("starting container", err)
	}
	debug.Log("providers", "docker container created", "id", resp.ID, "image", p.cfg.Image)
	return p.sandbox(resp.ID), nil
}

func (p *Provider) ensureImage(ctx context.Context) error {
	if _, err := p.api.ImageInspect(ctx, p.cfg.Image); err == nil {
		return nil
	} else if !cerrdefs.IsNotFound(err) {
		return classify("inspecting image", err)
	}

	rc, err := p.api.ImagePull(ctx, p.cfg.Image, image.PullOptions{})
	if err != nil {
		return createError("pulling image "+p.cfg.Image, err)
	}
	defer rc.Close()
	// The pull completes only once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return classify("pulling image "+p.cfg.Image, err)
	}
	return nil
}

func (p *Provider) sandbox(id string) *Sandbox {
	return &Sandbox{api: p.api, id: id, workDir: p.cfg.WorkDir}
}

// Sandbox is a handle to one container.
type Sandbox struct {
	api     dockerAPI
	id      string
	workDir string
}

var _ sandbox.Sandbox = (*Sandbox)(nil)

func (s *Sandbox) ID() string { return s.id }

func (s *Sandbox) State(ctx context.Context) (sandbox.State, error) {
	info, err := s.api.ContainerInspect(ctx, s.id)
	if err != nil {
		return sandbox.StateUnknown, classify("inspecting container", err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return sandbox.StateUnknown, nil
	}
	state, ok := MapState(string(info.State.Status))
	if !ok {
		return sandbox.StateUnknown, fmt.Errorf("container %s is %s: %w", s.id, info.State.Status, sandbox.ErrNotFound)
	}
	return state, nil
}

// Start resumes the container, unpausing it when it was paused.
func (s *Sandbox) Start(ctx context.Context) error {
	state, err := s.State(ctx)
	if err != nil {
		return err
	}
	switch state {
	case sandbox.StateRunning, sandbox.StatePending:
		return nil
	case sandbox.StateArchived:
		err = s.api.ContainerUnpause(ctx, s.id)
	default:
		err = s.api.ContainerStart(ctx, s.id, container.StartOptions{})
	}
	if err != nil {
		return classify("starting container", err)
	}
	return nil
}

func (s *Sandbox) ExecuteCommand(ctx context.Context, command string) (*sandbox.Output, error) {
	return s.exec(ctx, []string{"sh", "-c", command})
}

func (s *Sandbox) CodeRun(ctx context.Context, code string) (*sandbox.Output, error) {
	return s.exec(ctx, []string{"python3", "-u", "-c", code})
}

func (s *Sandbox) exec(ctx context.Context, cmd []string) (*sandbox.Output, error) {
	created, err := s.api.ContainerExecCreate(ctx, s.id, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   s.workDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, classify("creating exec", err)
	}

	attach, err := s.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, classify("attaching exec", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copied <- err
	}()
	select {
	case err := <-copied:
		if err != nil {
			return nil, fmt.Errorf("reading exec output: %w", err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	inspect, err := s.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, classify("inspecting exec", err)
	}
	return &sandbox.Output{
		Result:   stdout.String() + stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// UploadFiles copies files into the container. Destinations must be
// absolute; parent directories are created.
func (s *Sandbox) UploadFiles(ctx context.Context, files []sandbox.File) error {
	archive, err := BuildArchive(files, time.Now())
	if err != nil {
		return err
	}
	if err := s.api.CopyToContainer(ctx, s.id, "/", archive, container.CopyToContainerOptions{}); err != nil {
		return classify("copying files", err)
	}
	return nil
}

// MapState translates a Docker container state. The second result is false
// for containers on their way out, which are treated as absent.
func MapState(status string) (sandbox.State, bool) {
	switch status {
	case "running":
		return sandbox.StateRunning, true
	case "created", "exited":
		return sandbox.StateStopped, true
	case "paused":
		return sandbox.StateArchived, true
	case "restarting":
		return sandbox.StatePending, true
	case "removing", "dead":
		return sandbox.StateUnknown, false
	default:
		return sandbox.StateUnknown, true
	}
}

// ContainerLabels namespaces sandbox labels for a container.
func ContainerLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[LabelPrefix+k] = v
	}
	return out
}

// LabelFilter builds a container list filter matching all of labels.
func LabelFilter(labels map[string]string) filters.Args {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", LabelPrefix+k+"="+v)
	}
	return args
}

// BuildArchive packs files into a tar stream rooted at /. Parent
// directories get their own entries so extraction never depends on them
// existing.
func BuildArchive(files []sandbox.File, modTime time.Time) (*bytes.Buffer, error) {
	dirs := make(map[string]bool)
	var dirList []string
	for _, f := range files {
		if !path.IsAbs(f.Destination) {
			return nil, fmt.Errorf("%w: destination %q is not absolute", sandbox.ErrInvalidArgument, f.Destination)
		}
		for d := path.Dir(path.Clean(f.Destination)); d != "/" && !dirs[d]; d = path.Dir(d) {
			dirs[d] = true
			dirList = append(dirList, d)
		}
	}
	sort.Strings(dirList)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, d := range dirList {
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeDir,
			Name:     strings.TrimPrefix(d, "/") + "/",
			Mode:     0o755,
			ModTime:  modTime,
		}); err != nil {
			return nil, fmt.Errorf("writing tar header: %w", err)
		}
	}
	for _, f := range files {
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     strings.TrimPrefix(path.Clean(f.Destination), "/"),
			Mode:     0o644,
			Size:     int64(len(f.Source)),
			ModTime:  modTime,
		}); err != nil {
			return nil, fmt.Errorf("writing tar header: %w", err)
		}
		if _, err := tw.Write(f.Source); err != nil {
			return nil, fmt.Errorf("writing tar entry: %w", err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing tar: %w", err)
	}
	return &buf, nil
}

// classify maps Docker client errors onto the sandbox error taxonomy.
func classify(op string, err error) error {
	switch {
	case cerrdefs.IsNotFound(err):
		return fmt.Errorf("%s: %w", op, errors.Join(sandbox.ErrNotFound, err))
	case client.IsErrConnectionFailed(err),
		cerrdefs.IsUnavailable(err),
		cerrdefs.IsInternal(err),
		cerrdefs.IsDeadlineExceeded(err):
		return sandbox.Unavailable(fmt.Errorf("%s: %w", op, err))
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// createError classifies failures while provisioning. Anything the daemon
// rejects outright is a creation failure.
func createError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	classified := classify(op, err)
	if sandbox.IsTransient(classified) {
		return classified
	}
	return sandbox.CreationFailed(fmt.Errorf("%s: %w", op, err))
}

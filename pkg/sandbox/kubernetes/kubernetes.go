// Package kubernetes provides sandboxes backed by agent-sandbox
// SandboxClaim resources. Each session key owns one claim; the
// agent-sandbox controller turns it into a Sandbox pod running the pod
// server, which this package reaches over HTTP.
package kubernetes

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/validation"
	"sigs.k8s.io/controller-runtime/pkg/client"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"

	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"
	extensionsv1alpha1 "sigs.k8s.io/agent-sandbox/extensions/api/v1alpha1"

	"github.com/Ernesto385291/finance-analyzer/pkg/debug"
	"github.com/Ernesto385291/finance-analyzer/pkg/sandbox"
	"github.com/Ernesto385291/finance-analyzer/pkg/sandbox/podserver"
)

const (
	// LabelDomain prefixes every label and annotation we set.
	LabelDomain = "finance-analyzer.io/"

	labelsAnnotation   = LabelDomain + "labels"
	languageAnnotation = LabelDomain + "language"
)

// Config holds the Kubernetes provider settings.
type Config struct {
	// Namespace holds the claims. Default: "default".
	Namespace string

	// Template is the SandboxTemplate claims refer to. Required.
	Template string

	// ServerPort is the pod server port. Default: 8080.
	ServerPort int

	// HTTPClient reaches pod servers. Default: podserver's client.
	HTTPClient *http.Client
}

func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.ServerPort == 0 {
		c.ServerPort = 8080
	}
}

// Provider manages SandboxClaims.
type Provider struct {
	client client.Client
	cfg    Config
}

var _ sandbox.Provider = (*Provider)(nil)

// NewScheme returns a runtime.Scheme with the agent-sandbox types registered.
func NewScheme() (*runtime.Scheme, error) {
	scheme := runtime.NewScheme()
	if err := sandboxv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register sandbox types: %w", err)
	}
	if err := extensionsv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register extensions types: %w", err)
	}
	return scheme, nil
}

// New creates a provider on top of an existing client.
func New(c client.Client, cfg Config) (*Provider, error) {
	if c == nil {
		return nil, errors.New("kubernetes: client is required")
	}
	if cfg.Template == "" {
		return nil, errors.New("kubernetes: sandbox template is required")
	}
	cfg.applyDefaults()
	return &Provider{client: c, cfg: cfg}, nil
}

// NewFromEnvironment builds a client from the in-cluster config or the
// local kubeconfig.
func NewFromEnvironment(cfg Config) (*Provider, error) {
	restCfg, err := ctrlconfig.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("loading kubernetes config: %w", err)
	}
	scheme, err := NewScheme()
	if err != nil {
		return nil, err
	}
	c, err := client.New(restCfg, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	return New(c, cfg)
}

func (p *Provider) Name() string { return "kubernetes" }

// Find lists claims whose hashed labels match, then confirms the raw labels
// from the annotation.
func (p *Provider) Find(ctx context.Context, labels map[string]string) sandbox.Lookup {
	var list extensionsv1alpha1.SandboxClaimList
	err := p.client.List(ctx, &list,
		client.InNamespace(p.cfg.Namespace),
		client.MatchingLabels(KubeLabels(labels)),
	)
	if err != nil {
		return sandbox.LookupError(classify("listing SandboxClaims", err))
	}

	for i := range list.Items {
		claim := &list.Items[i]
		if claim.DeletionTimestamp != nil || !annotatedWith(claim, labels) {
			continue
		}
		sb := p.sandbox(claim.Name)
		state, err := sb.State(ctx)
		if err != nil {
			if sandbox.IsNotFound(err) {
				continue
			}
			return sandbox.LookupError(err)
		}
		debug.Log("providers", "SandboxClaim found", "name", claim.Name, "state", state)
		return sandbox.Found(sb, state)
	}
	return sandbox.NotFound()
}

// Create creates the claim for labels. The claim name derives from the
// labels, so a claim left behind by a concurrent creator is adopted.
func (p *Provider) Create(ctx context.Context, req sandbox.CreateRequest) (sandbox.Sandbox, error) {
	raw, err := json.Marshal(req.Labels)
	if err != nil {
		return nil, fmt.Errorf("encoding labels: %w", err)
	}
	name := ClaimName(req.Labels)
	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: p.cfg.Namespace,
			Labels:    KubeLabels(req.Labels),
			Annotations: map[string]string{
				labelsAnnotation:   string(raw),
				languageAnnotation: req.Language,
			},
		},
		Spec: extensionsv1alpha1.SandboxClaimSpec{
			TemplateRef: extensionsv1alpha1.SandboxTemplateRef{
				Name: p.cfg.Template,
			},
		},
	}

	if err := p.client.Create(ctx, claim); err != nil {
		if apierrors.IsAlreadyExists(err) {
			debug.Log("providers", "adopting existing SandboxClaim", "name", name)
			return p.sandbox(name), nil
		}
		classified := classify("creating SandboxClaim "+name, err)
		if sandbox.IsTransient(classified) || ctx.Err() != nil {
			return nil, classified
		}
		return nil, sandbox.CreationFailed(classified)
	}

	debug.Log("providers", "created SandboxClaim", "name", name, "namespace", p.cfg.Namespace, "template", p.cfg.Template)
	return p.sandbox(name), nil
}

// Delete removes the claim, which releases the pod.
func (p *Provider) Delete(ctx context.Context, name string) error {
	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: p.cfg.Namespace},
	}
	if err := p.client.Delete(ctx, claim); err != nil && !apierrors.IsNotFound(err) {
		return classify("deleting SandboxClaim "+name, err)
	}
	return nil
}

func (p *Provider) sandbox(name string) *Sandbox {
	return &Sandbox{provider: p, name: name}
}

// Sandbox is one claimed sandbox. Its ID is the claim name, which is also
// the name of the Sandbox the controller creates for it.
type Sandbox struct {
	provider *Provider
	name     string

	mu     sync.Mutex
	server *podserver.Client
}

var _ sandbox.Sandbox = (*Sandbox)(nil)

func (s *Sandbox) ID() string { return s.name }

// State reports running once the Sandbox is Ready with a service address,
// and pending until then.
func (s *Sandbox) State(ctx context.Context) (sandbox.State, error) {
	key := types.NamespacedName{Name: s.name, Namespace: s.provider.cfg.Namespace}

	var claim extensionsv1alpha1.SandboxClaim
	if err := s.provider.client.Get(ctx, key, &claim); err != nil {
		return sandbox.StateUnknown, classify("getting SandboxClaim "+s.name, err)
	}
	if claim.DeletionTimestamp != nil {
		return sandbox.StateUnknown, fmt.Errorf("SandboxClaim %s is being deleted: %w", s.name, sandbox.ErrNotFound)
	}

	var sb sandboxv1alpha1.Sandbox
	if err := s.provider.client.Get(ctx, key, &sb); err != nil {
		if apierrors.IsNotFound(err) {
			return sandbox.StatePending, nil
		}
		return sandbox.StateUnknown, classify("getting Sandbox "+s.name, err)
	}
	if !IsReady(&sb) || sb.Status.ServiceFQDN == "" {
		return sandbox.StatePending, nil
	}
	s.setServer(sb.Status.ServiceFQDN)
	return sandbox.StateRunning, nil
}

// Start is a no-op beyond checking the claim still exists: the controller
// keeps claimed sandboxes running.
func (s *Sandbox) Start(ctx context.Context) error {
	_, err := s.State(ctx)
	return err
}

func (s *Sandbox) ExecuteCommand(ctx context.Context, command string) (*sandbox.Output, error) {
	srv, err := s.podServer(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := srv.Command(ctx, podserver.CommandRequest{Command: command})
	if err != nil {
		return nil, err
	}
	return &sandbox.Output{Result: resp.Combined(), ExitCode: resp.ExitCode}, nil
}

func (s *Sandbox) CodeRun(ctx context.Context, code string) (*sandbox.Output, error) {
	srv, err := s.podServer(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := srv.Execute(ctx, podserver.ExecuteRequest{Code: code})
	if err != nil {
		return nil, err
	}
	return &sandbox.Output{Result: resp.Combined(), ExitCode: resp.ExitCode}, nil
}

func (s *Sandbox) UploadFiles(ctx context.Context, files []sandbox.File) error {
	srv, err := s.podServer(ctx)
	if err != nil {
		return err
	}
	return srv.Upload(ctx, files)
}

func (s *Sandbox) setServer(fqdn string) {
	url := fmt.Sprintf("http://%s:%d", fqdn, s.provider.cfg.ServerPort)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil || s.server.BaseURL() != url {
		s.server = podserver.NewClient(url, s.provider.cfg.HTTPClient)
	}
}

// podServer returns the client for the pod, resolving its address when it
// has not been observed yet.
func (s *Sandbox) podServer(ctx context.Context) (*podserver.Client, error) {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv, nil
	}

	state, err := s.State(ctx)
	if err != nil {
		return nil, err
	}
	if state != sandbox.StateRunning {
		return nil, sandbox.Unavailable(fmt.Errorf("sandbox %s is not ready", s.name))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server, nil
}

// IsReady checks if the Sandbox has a Ready condition set to True.
func IsReady(sb *sandboxv1alpha1.Sandbox) bool {
	for _, c := range sb.Status.Conditions {
		if c.Type == string(sandboxv1alpha1.SandboxConditionReady) && c.Status == metav1.ConditionTrue {
			return true
		}
	}
	return false
}

// KubeLabels converts sandbox labels into Kubernetes labels. Values that
// are not valid label values are replaced by a hash; the raw values travel
// in an annotation.
func KubeLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[LabelDomain+labelName(k)] = LabelValue(v)
	}
	return out
}

// LabelValue returns v if it is a valid label value, otherwise a stable
// hash of it.
func LabelValue(v string) string {
	if len(validation.IsValidLabelValue(v)) == 0 {
		return v
	}
	sum := sha256.Sum256([]byte(v))
	return "h-" + hex.EncodeToString(sum[:])[:40]
}

func labelName(k string) string {
	if len(validation.IsQualifiedName(k)) == 0 && !strings.Contains(k, "/") {
		return k
	}
	sum := sha256.Sum256([]byte(k))
	return "k-" + hex.EncodeToString(sum[:])[:20]
}

// ClaimName derives a DNS-safe claim name from labels.
func ClaimName(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, labels[k])
	}
	return "analyzer-" + hex.EncodeToString(h.Sum(nil))[:20]
}

func annotatedWith(claim *extensionsv1alpha1.SandboxClaim, labels map[string]string) bool {
	var raw map[string]string
	if err := json.Unmarshal([]byte(claim.Annotations[labelsAnnotation]), &raw); err != nil {
		return false
	}
	for k, v := range labels {
		if raw[k] != v {
			return false
		}
	}
	return true
}

// classify maps API server errors onto the sandbox error taxonomy.
func classify(op string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	case apierrors.IsNotFound(err):
		return fmt.Errorf("%s: %w", op, errors.Join(sandbox.ErrNotFound, err))
	case apierrors.IsServerTimeout(err),
		apierrors.IsTimeout(err),
		apierrors.IsTooManyRequests(err),
		apierrors.IsServiceUnavailable(err),
		apierrors.IsInternalError(err),
		errors.As(err, &netErr):
		return sandbox.Unavailable(fmt.Errorf("%s: %w", op, err))
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

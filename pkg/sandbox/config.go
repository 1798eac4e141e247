package sandbox

import "time"

// DefaultWorkspaceDir is where relative upload destinations land.
const DefaultWorkspaceDir = "/home/daytona"

// Config controls how the Manager talks to its provider.
type Config struct {
	// LabelKey is the label that carries the session key. Default: "id".
	LabelKey string

	// Labels are extra labels attached to every created sandbox and
	// included in every lookup.
	Labels map[string]string

	// Language is the code runtime requested at creation. Default: "python".
	Language string

	// WorkspaceDir is the directory relative upload destinations resolve
	// against. Default: "/home/daytona".
	WorkspaceDir string

	// DefaultPackages are merged into every non-empty package install.
	// Default: DefaultPackages.
	DefaultPackages []string

	// ResumeTimeout bounds the wait for a started sandbox to reach the
	// running state. Default: 60s.
	ResumeTimeout time.Duration

	// ResumeAttempts is the number of start-and-wait cycles before
	// ErrResumeTimeout is surfaced. Default: 2.
	ResumeAttempts int

	// CreateTimeout bounds the wait for a created sandbox to become ready.
	// Default: 60s.
	CreateTimeout time.Duration

	// AcquireTimeout bounds a whole acquisition, which keeps running after
	// its callers give up. Default: 3m.
	AcquireTimeout time.Duration

	// PollInterval is the state polling period. Default: 500ms.
	PollInterval time.Duration

	Retry   RetryConfig
	Breaker BreakerConfig

	// MaxConcurrentCreates caps in-flight sandbox creations across all
	// keys. Creations over the cap fail with ErrProviderUnavailable
	// instead of queueing. Default: 4.
	MaxConcurrentCreates int
}

// RetryConfig bounds retries of transient provider failures.
type RetryConfig struct {
	MaxAttempts  int           // default: 3
	InitialDelay time.Duration // default: 200ms
	MaxDelay     time.Duration // default: 5s
}

// BreakerConfig controls the circuit breaker in front of the provider.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker. Default: 5.
	ConsecutiveFailures int
	// OpenTimeout is how long the breaker stays open. Default: 30s.
	OpenTimeout time.Duration
}

// DefaultPackages are the Python packages installed alongside any
// explicitly requested ones.
var DefaultPackages = []string{
	"pandas",
	"numpy",
	"matplotlib",
	"seaborn",
	"scikit-learn",
	"scipy",
	"statsmodels",
	"openpyxl",
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.LabelKey == "" {
		c.LabelKey = DefaultLabelKey
	}
	if c.Language == "" {
		c.Language = "python"
	}
	if c.WorkspaceDir == "" {
		c.WorkspaceDir = DefaultWorkspaceDir
	}
	if c.DefaultPackages == nil {
		c.DefaultPackages = append([]string(nil), DefaultPackages...)
	}
	if c.ResumeTimeout <= 0 {
		c.ResumeTimeout = 60 * time.Second
	}
	if c.ResumeAttempts <= 0 {
		c.ResumeAttempts = 2
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = 60 * time.Second
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 3 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = 200 * time.Millisecond
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 5 * time.Second
	}
	if c.Breaker.ConsecutiveFailures <= 0 {
		c.Breaker.ConsecutiveFailures = 5
	}
	if c.Breaker.OpenTimeout <= 0 {
		c.Breaker.OpenTimeout = 30 * time.Second
	}
	if c.MaxConcurrentCreates <= 0 {
		c.MaxConcurrentCreates = 4
	}
}

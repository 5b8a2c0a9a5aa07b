package pilot

import (
	"context"
	"sync"
	"time"
)

// Config carries the engine's tunable keys. All components receive it via
// dependency injection; there are no process-wide singletons.
type Config struct {
	PilotEnabled           bool          `json:"pilot_enabled" yaml:"pilot_enabled"`
	MaxParallelSteps       int           `json:"max_parallel_steps" yaml:"max_parallel_steps"`
	DefaultTimeout         time.Duration `json:"default_timeout" yaml:"default_timeout"`
	EnableCaching          bool          `json:"enable_caching" yaml:"enable_caching"`
	ContinueOnError        bool          `json:"continue_on_error" yaml:"continue_on_error"`
	EnableProgressTracking bool          `json:"enable_progress_tracking" yaml:"enable_progress_tracking"`
	EnableRealTimeUpdates  bool          `json:"enable_real_time_updates" yaml:"enable_real_time_updates"`
	EnableOptimizations    bool          `json:"enable_optimizations" yaml:"enable_optimizations"`
	MemoryLoadTimeout      time.Duration `json:"memory_load_timeout" yaml:"memory_load_timeout"`
	TokensPerPlugin        int           `json:"tokens_per_plugin" yaml:"tokens_per_plugin"`
	DefaultRetry           *RetryPolicy  `json:"default_retry,omitempty" yaml:"default_retry,omitempty"`
	ApprovalPollInterval   time.Duration `json:"approval_poll_interval" yaml:"approval_poll_interval"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		PilotEnabled:           true,
		MaxParallelSteps:       3,
		DefaultTimeout:         5 * time.Minute,
		EnableCaching:          true,
		ContinueOnError:        false,
		EnableProgressTracking: true,
		EnableRealTimeUpdates:  false,
		EnableOptimizations:    false,
		MemoryLoadTimeout:      10 * time.Second,
		TokensPerPlugin:        400,
		ApprovalPollInterval:   2 * time.Second,
		DefaultRetry: &RetryPolicy{
			MaxAttempts: 2,
			Backoff:     "exponential",
			InitialWait: time.Second,
			MaxWait:     30 * time.Second,
		},
	}
}

// ConfigProvider loads engine configuration from an external source.
type ConfigProvider interface {
	Load(ctx context.Context) (*Config, error)
}

// StaticConfigProvider always returns the same configuration.
type StaticConfigProvider struct {
	Config *Config
}

func (p *StaticConfigProvider) Load(ctx context.Context) (*Config, error) {
	if p.Config == nil {
		return DefaultConfig(), nil
	}
	return p.Config, nil
}

// CachedConfigProvider wraps a provider with a bounded TTL cache so the
// orchestrator does not hit the configuration source on every execution.
type CachedConfigProvider struct {
	inner ConfigProvider
	ttl   time.Duration

	mu       sync.Mutex
	cached   *Config
	loadedAt time.Time
}

// NewCachedConfigProvider caches configuration for ttl (default 5 minutes).
func NewCachedConfigProvider(inner ConfigProvider, ttl time.Duration) *CachedConfigProvider {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedConfigProvider{inner: inner, ttl: ttl}
}

func (p *CachedConfigProvider) Load(ctx context.Context) (*Config, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && time.Since(p.loadedAt) < p.ttl {
		return p.cached, nil
	}

	cfg, err := p.inner.Load(ctx)
	if err != nil {
		// Serve stale config rather than failing the execution
		if p.cached != nil {
			return p.cached, nil
		}
		return nil, err
	}

	p.cached = cfg
	p.loadedAt = time.Now()
	return cfg, nil
}

// Invalidate drops the cached configuration.
func (p *CachedConfigProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
}

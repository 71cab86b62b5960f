package overrides

import (
	"context"
	"flag"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Config drives Overrides: the tenant-wide defaults plus an optional
// per-tenant override file, reloaded on PerTenantOverridePeriod.
type Config struct {
	Defaults                Limits        `yaml:"defaults"`
	PerTenantOverrideConfig string        `yaml:"per_tenant_override_config"`
	PerTenantOverridePeriod time.Duration `yaml:"per_tenant_override_period"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Defaults = DefaultLimits()
	c.PerTenantOverridePeriod = time.Minute
	f.StringVar(&c.PerTenantOverrideConfig, prefix+"overrides.per-tenant-config", "", "path to a per-tenant override YAML file")
}

type perTenantFile struct {
	Overrides map[string]Limits `yaml:"overrides"`
}

// Overrides resolves a tenant's effective Limits: the per-tenant override
// if one is loaded, else the defaults.
type Overrides struct {
	logger log.Logger
	cfg    Config

	mu       sync.RWMutex
	tenants  map[string]Limits
	limiters map[string]*rate.Limiter

	cancel context.CancelFunc
}

func New(cfg Config, logger log.Logger) (*Overrides, error) {
	o := &Overrides{
		logger:   logger,
		cfg:      cfg,
		tenants:  map[string]Limits{},
		limiters: map[string]*rate.Limiter{},
	}
	if cfg.PerTenantOverrideConfig != "" {
		if err := o.reload(); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	if cfg.PerTenantOverrideConfig != "" && cfg.PerTenantOverridePeriod > 0 {
		go o.watch(ctx)
	}
	return o, nil
}

func (o *Overrides) watch(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.PerTenantOverridePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.reload(); err != nil {
				level.Warn(o.logger).Log("msg", "failed to reload per-tenant overrides", "err", err)
			}
		}
	}
}

func (o *Overrides) reload() error {
	buf, err := os.ReadFile(o.cfg.PerTenantOverrideConfig)
	if err != nil {
		return err
	}
	var file perTenantFile
	if err := yaml.Unmarshal(buf, &file); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.tenants = file.Overrides
	// invalidate limiters for tenants whose rate changed; cheap to rebuild
	// lazily on next RateLimiterFor call instead of diffing here.
	o.limiters = map[string]*rate.Limiter{}
	return nil
}

// Get returns the effective Limits for a tenant, falling back to the
// configured defaults for any tenant without an explicit override.
func (o *Overrides) Get(tenantID string) Limits {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if l, ok := o.tenants[tenantID]; ok {
		return l
	}
	return o.cfg.Defaults
}

// RateLimiterFor returns the shared per-tenant send-rate limiter,
// constructing it lazily the first time a tenant is seen or after a
// reload invalidates the cache.
func (o *Overrides) RateLimiterFor(tenantID string) *rate.Limiter {
	o.mu.RLock()
	if l, ok := o.limiters[tenantID]; ok {
		o.mu.RUnlock()
		return l
	}
	o.mu.RUnlock()

	limits := o.Get(tenantID)
	limiter := rate.NewLimiter(rate.Limit(limits.SendRateLimitPerSec), limits.SendRateBurst)

	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.limiters[tenantID]; ok {
		return existing
	}
	o.limiters[tenantID] = limiter
	return limiter
}

func (o *Overrides) Close() {
	if o.cancel != nil {
		o.cancel()
	}
}

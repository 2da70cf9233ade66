package biz

import (
	"fmt"
	"sync"

	"TourLane/internal/conf"
	"TourLane/internal/model"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

// BreakerRegistry owns one circuit breaker per dependency name. Breakers
// are created lazily on first use and cached for the process lifetime.
// The registry is created by the composition root and injected into every
// caller that issues downstream calls; there is no package-global state.
type BreakerRegistry struct {
	defaults  conf.BreakerConfig
	overrides map[string]*conf.BreakerConfig

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker

	logger log.Logger
}

// NewBreakerRegistry creates a registry from the resilience configuration.
// Per-upstream breaker overrides take precedence over the defaults.
func NewBreakerRegistry(rc *conf.Resilience, logger log.Logger) *BreakerRegistry {
	overrides := make(map[string]*conf.BreakerConfig)
	if rc != nil {
		for _, up := range rc.Upstreams {
			if up.Breaker != nil {
				overrides[up.Name] = up.Breaker
			}
		}
	}

	defaults := conf.BreakerConfig{}
	if rc != nil && rc.Defaults != nil {
		defaults = *rc.Defaults
	}

	return &BreakerRegistry{
		defaults:  defaults,
		overrides: overrides,
		breakers:  make(map[string]*CircuitBreaker),
		logger:    logger,
	}
}

// Get returns the breaker for the named dependency, creating it on first use.
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}

	b = NewCircuitBreaker(name, r.configFor(name), r.logger)
	r.breakers[name] = b
	return b
}

// configFor merges the per-name override over the defaults. Zero-valued
// override fields keep the default.
func (r *BreakerRegistry) configFor(name string) conf.BreakerConfig {
	cfg := r.defaults
	ov, ok := r.overrides[name]
	if !ok {
		return cfg
	}

	if ov.Timeout > 0 {
		cfg.Timeout = ov.Timeout
	}
	if ov.ErrorThresholdPercentage > 0 {
		cfg.ErrorThresholdPercentage = ov.ErrorThresholdPercentage
	}
	if ov.ResetTimeout > 0 {
		cfg.ResetTimeout = ov.ResetTimeout
	}
	if ov.RollingWindow > 0 {
		cfg.RollingWindow = ov.RollingWindow
	}
	if ov.VolumeThreshold > 0 {
		cfg.VolumeThreshold = ov.VolumeThreshold
	}
	return cfg
}

// Overview returns snapshots of every breaker plus the aggregate count of
// dependencies by state.
func (r *BreakerRegistry) Overview() *model.BreakerOverview {
	r.mu.RLock()
	defer r.mu.RUnlock()

	overview := &model.BreakerOverview{
		Breakers:     make([]*model.BreakerSnapshot, 0, len(r.breakers)),
		CountByState: map[string]int{},
	}
	for _, b := range r.breakers {
		snap := b.Snapshot()
		overview.Breakers = append(overview.Breakers, snap)
		overview.CountByState[snap.State]++
	}
	return overview
}

// Reset resets one breaker to CLOSED with cleared stats.
func (r *BreakerRegistry) Reset(name string) error {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return errors.New(404, "UNKNOWN_DEPENDENCY", fmt.Sprintf("unknown dependency: %s", name))
	}

	b.Reset()
	return nil
}

// ResetAll resets every registered breaker.
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}

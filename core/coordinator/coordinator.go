// Copyright 2025 The llmlimiter Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package coordinator is the embedding surface: it owns the adapter set, the
// shared store and the enforcement engine, and exposes the two-phase call
// protocol. BeforeCall estimates and admits; AfterCall settles usage and
// classifies failures. The coordinator never resubmits a request itself; it
// hands retry advice back to the caller.
package coordinator

import (
	"context"
	"time"

	"go.uber.org/multierr"

	"github.com/windlass-io/llmlimiter/core/backoff"
	"github.com/windlass-io/llmlimiter/core/config"
	"github.com/windlass-io/llmlimiter/core/limiter"
	"github.com/windlass-io/llmlimiter/core/provider"
	"github.com/windlass-io/llmlimiter/core/store"
	"github.com/windlass-io/llmlimiter/logging"
)

// Outcome is what the caller observed from the provider call.
type Outcome struct {
	Response *provider.Response
	Err      error
}

// RetryAdvice tells the caller what to do with a failed call. The
// coordinator has already settled usage accounting either way.
type RetryAdvice struct {
	// ShouldRetry is set for transient throttling: wait Wait, then resubmit.
	ShouldRetry bool
	Wait        time.Duration
	// QuotaExhausted is the hard stop: do not resubmit until RetryAfter.
	QuotaExhausted bool
	RetryAfter     time.Duration
}

type Option func(*Coordinator)

// WithRegistry replaces the default adapter registry, for custom kinds.
func WithRegistry(r *provider.Registry) Option {
	return func(c *Coordinator) {
		c.registry = r
	}
}

// WithStore replaces the backend the configuration would have selected.
func WithStore(st store.Store) Option {
	return func(c *Coordinator) {
		c.store = st
	}
}

// WithLimits installs a programmatic override for one (provider, model)
// pair. Overrides outrank every other source, including the config file.
func WithLimits(providerName, model string, limits *config.RateLimitConfig) Option {
	return func(c *Coordinator) {
		c.overrides[limiter.Key{Provider: providerName, Model: model}] = limits.Clone()
	}
}

// WithLimiterOptions forwards options to the enforcement engine, for tests.
func WithLimiterOptions(opts ...limiter.Option) Option {
	return func(c *Coordinator) {
		c.limiterOpts = append(c.limiterOpts, opts...)
	}
}

// Coordinator wires adapters, the store and the limiter behind one facade.
// Safe for concurrent use.
type Coordinator struct {
	manager  *config.Manager
	registry *provider.Registry
	store    store.Store
	limiter  *limiter.RateLimiter
	strategy backoff.Strategy

	adapters    map[string]provider.Adapter
	fallback    provider.Adapter
	overrides   map[limiter.Key]*config.RateLimitConfig
	limiterOpts []limiter.Option

	ownsManager bool
}

// NewFromFile loads and watches the configuration file, then builds the
// coordinator around it. The file keeps being honored across edits; invalid
// updates are logged and skipped.
func NewFromFile(path string, opts ...Option) (*Coordinator, error) {
	manager, err := config.LoadManager(path)
	if err != nil {
		return nil, err
	}
	if err := manager.Watch(); err != nil {
		_ = manager.Close()
		return nil, err
	}
	c, err := New(manager, opts...)
	if err != nil {
		_ = manager.Close()
		return nil, err
	}
	c.ownsManager = true
	return c, nil
}

// New builds a coordinator around an existing configuration manager. Every
// configured provider gets its adapter here, so an unknown adapter kind fails
// at startup rather than on first traffic.
func New(manager *config.Manager, opts ...Option) (*Coordinator, error) {
	if manager == nil {
		return nil, &limiter.ConfigurationError{Detail: "coordinator requires a configuration manager"}
	}
	c := &Coordinator{
		manager:   manager,
		registry:  provider.NewDefaultRegistry(),
		adapters:  make(map[string]provider.Adapter),
		overrides: make(map[limiter.Key]*config.RateLimitConfig),
	}
	for _, opt := range opts {
		opt(c)
	}
	cfg := manager.Config()

	for name, pc := range cfg.Providers {
		adapter, err := c.registry.Build(pc.AdapterKind(), name, pc)
		if err != nil {
			return nil, &limiter.ConfigurationError{Detail: err.Error()}
		}
		c.adapters[name] = adapter
	}
	// Providers absent from the configuration fall back to generic
	// semantics with built-in model defaults.
	c.fallback = provider.NewGenericAdapter()

	if c.store == nil {
		st, err := buildStore(cfg.Store)
		if err != nil {
			return nil, err
		}
		c.store = st
	}

	strategy, err := buildStrategy(cfg.Backoff)
	if err != nil {
		return nil, &limiter.ConfigurationError{Detail: err.Error()}
	}
	c.strategy = strategy

	limiterOpts := c.limiterOpts
	if cfg.Backoff != nil && cfg.Backoff.MaxAttempts > 0 {
		limiterOpts = append(limiterOpts, limiter.WithMaxAttempts(cfg.Backoff.MaxAttempts))
	}
	rl, err := limiter.New(c.store, strategy, c.resolveLimits, limiterOpts...)
	if err != nil {
		return nil, err
	}
	c.limiter = rl
	return c, nil
}

func buildStore(sc *config.Store) (store.Store, error) {
	if sc == nil || sc.Backend == "" || sc.Backend == config.BackendLocal {
		configured := ""
		if sc != nil {
			configured = sc.QuotaDir
		}
		if sc == nil || sc.Backend == "" {
			logging.Info("no store backend configured, limits are scoped to this process")
		}
		return store.NewLocalStore(store.WithQuotaDir(store.ResolveQuotaDir(configured))), nil
	}
	return store.NewRedisStore(sc.Redis)
}

func buildStrategy(bc *config.Backoff) (backoff.Strategy, error) {
	if bc == nil {
		return backoff.New("", 0, 0)
	}
	return backoff.New(bc.Strategy, bc.BaseDelay.Std(), bc.MaxDelay.Std())
}

// resolveLimits is the limiter's resolver. Precedence: programmatic override,
// then the configuration file (env tier, exact entry, pattern, default), then
// the adapter's built-in model defaults.
func (c *Coordinator) resolveLimits(key limiter.Key) (*config.RateLimitConfig, error) {
	if limits, ok := c.overrides[key]; ok {
		return limits, nil
	}
	if limits := c.manager.Config().LimitsFor(key.Provider, key.Model); limits != nil {
		return limits, nil
	}
	return c.adapter(key.Provider).ModelLimits(key.Model), nil
}

func (c *Coordinator) adapter(providerName string) provider.Adapter {
	if adapter, ok := c.adapters[providerName]; ok {
		return adapter
	}
	return c.fallback
}

// BeforeCall estimates the prompt's token cost and blocks until every limit
// admits it. The returned cost must be settled with AfterCall exactly once.
func (c *Coordinator) BeforeCall(ctx context.Context, providerName, model, prompt string) (*limiter.EstimatedCost, error) {
	estimate := c.adapter(providerName).EstimateTokens(prompt, model)
	return c.limiter.Acquire(ctx, limiter.Key{Provider: providerName, Model: model}, estimate)
}

// AfterCall settles the cost against what actually happened. On success it
// records the response's usage. On failure it records the estimate, then
// classifies the error: transient throttling yields retry advice, quota
// exhaustion yields a hard stop, anything else yields nil advice and the
// caller propagates the error as-is.
func (c *Coordinator) AfterCall(ctx context.Context, cost *limiter.EstimatedCost, outcome Outcome) (*RetryAdvice, error) {
	if cost == nil {
		logging.Warn("AfterCall invoked without a cost, ignoring")
		return nil, nil
	}
	adapter := c.adapter(cost.Key.Provider)

	if outcome.Err == nil {
		entry := adapter.ExtractUsage(outcome.Response, cost.EstimatedTokens)
		return nil, c.limiter.RecordUsage(ctx, cost, entry)
	}

	// Failed calls still consumed request capacity and, usually, tokens.
	entry := adapter.ExtractUsage(nil, cost.EstimatedTokens)
	recordErr := c.limiter.RecordUsage(ctx, cost, entry)

	info := adapter.ExtractRateLimitInfo(outcome.Err)
	if info == nil {
		return nil, recordErr
	}
	if info.QuotaExhausted {
		retryAfter := store.UntilNextPeriod(time.Now())
		if info.RetryAfter != nil {
			retryAfter = *info.RetryAfter
		}
		logging.Warn("provider reported quota exhaustion",
			"key", cost.Key.String(), "retry_after", retryAfter.String())
		return &RetryAdvice{QuotaExhausted: true, RetryAfter: retryAfter}, recordErr
	}
	advice := &RetryAdvice{
		ShouldRetry: true,
		Wait:        c.strategy.Delay(0, info.RetryAfter),
	}
	logging.Debug("provider throttled the call, advising retry",
		"key", cost.Key.String(), "wait", advice.Wait.String())
	return advice, recordErr
}

// State reports current usage for every limit configured on the pair.
func (c *Coordinator) State(ctx context.Context, providerName, model string) (*limiter.Snapshot, error) {
	return c.limiter.State(ctx, limiter.Key{Provider: providerName, Model: model})
}

// Close releases the store and, when the coordinator loaded the
// configuration itself, the file watcher.
func (c *Coordinator) Close() error {
	var errs error
	if c.store != nil {
		errs = multierr.Append(errs, c.store.Close())
	}
	if c.ownsManager && c.manager != nil {
		errs = multierr.Append(errs, c.manager.Close())
	}
	return errs
}

// Copyright 2025 The llmlimiter Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the rate-limit configuration schema: per-provider
// maps from model or deployment name to limits, backoff selection, and the
// shared-state backend. Model keys may be regular expressions; a "default"
// entry applies when nothing else matches.
package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"

	"github.com/windlass-io/llmlimiter/util"
)

const (
	// DefaultKey selects the fallback limits for a provider when no model
	// or deployment entry matches.
	DefaultKey = "default"

	DefaultSafetyMargin = 0.9

	AdapterGeneric    = "generic"
	AdapterDeployment = "deployment"

	BackendRedis = "redis"
	BackendLocal = "local"

	// EnvTierPrefix + upper-cased provider selects a named bundle from the
	// provider's tiers section. A set tier outranks every file entry,
	// including exact model entries; only programmatic per-call overrides
	// rank higher.
	EnvTierPrefix = "LLMLIMITER_TIER_"

	EnvQuotaDir = "LLMLIMITER_QUOTA_DIR"
)

// RateLimitConfig is the per (provider, model-or-deployment) limit set. Nil
// pointers mean "not enforced". Immutable once loaded.
type RateLimitConfig struct {
	RequestsPerMinute *int64 `json:"requestsPerMinute,omitempty" yaml:"requestsPerMinute,omitempty"`
	TokensPerMinute   *int64 `json:"tokensPerMinute,omitempty" yaml:"tokensPerMinute,omitempty"`
	RequestsPerSecond *int64 `json:"requestsPerSecond,omitempty" yaml:"requestsPerSecond,omitempty"`
	MonthlyTokenQuota *int64 `json:"monthlyTokenQuota,omitempty" yaml:"monthlyTokenQuota,omitempty"`
	MaxConcurrent     *int64 `json:"maxConcurrent,omitempty" yaml:"maxConcurrent,omitempty"`

	// SafetyMargin scales every limit above before enforcement. Zero means
	// the default of 0.9.
	SafetyMargin float64 `json:"safetyMargin,omitempty" yaml:"safetyMargin,omitempty"`

	// ModelAlias translates a deployment's local name to the model name the
	// tokenizer understands.
	ModelAlias string `json:"modelAlias,omitempty" yaml:"modelAlias,omitempty"`
}

func (c *RateLimitConfig) Margin() float64 {
	if c == nil || c.SafetyMargin == 0 {
		return DefaultSafetyMargin
	}
	return c.SafetyMargin
}

func (c *RateLimitConfig) Clone() *RateLimitConfig {
	if c == nil {
		return nil
	}
	cloned := *c
	cloned.RequestsPerMinute = cloneInt64(c.RequestsPerMinute)
	cloned.TokensPerMinute = cloneInt64(c.TokensPerMinute)
	cloned.RequestsPerSecond = cloneInt64(c.RequestsPerSecond)
	cloned.MonthlyTokenQuota = cloneInt64(c.MonthlyTokenQuota)
	cloned.MaxConcurrent = cloneInt64(c.MaxConcurrent)
	return &cloned
}

func (c *RateLimitConfig) String() string {
	if c == nil {
		return "RateLimitConfig{nil}"
	}
	var sb strings.Builder
	sb.WriteString("RateLimitConfig{")
	writeLimit(&sb, "RPM", c.RequestsPerMinute)
	writeLimit(&sb, "TPM", c.TokensPerMinute)
	writeLimit(&sb, "RPS", c.RequestsPerSecond)
	writeLimit(&sb, "Quota", c.MonthlyTokenQuota)
	writeLimit(&sb, "Concurrent", c.MaxConcurrent)
	sb.WriteString(fmt.Sprintf("Margin:%.2f}", c.Margin()))
	return sb.String()
}

func (c *RateLimitConfig) validate(path string) error {
	if c == nil {
		return nil
	}
	var err error
	if c.SafetyMargin < 0 || c.SafetyMargin > 1 {
		err = multierr.Append(err, errors.Errorf("%s: safetyMargin must be in (0, 1], got %v", path, c.SafetyMargin))
	}
	for name, limit := range map[string]*int64{
		"requestsPerMinute": c.RequestsPerMinute,
		"tokensPerMinute":   c.TokensPerMinute,
		"requestsPerSecond": c.RequestsPerSecond,
		"monthlyTokenQuota": c.MonthlyTokenQuota,
		"maxConcurrent":     c.MaxConcurrent,
	} {
		if limit != nil && *limit <= 0 {
			err = multierr.Append(err, errors.Errorf("%s: %s must be positive, got %d", path, name, *limit))
		}
	}
	return err
}

// Backoff selects a delay strategy and its parameters.
type Backoff struct {
	Strategy    string   `json:"strategy" yaml:"strategy"`
	BaseDelay   Duration `json:"baseDelay,omitempty" yaml:"baseDelay,omitempty"`
	MaxDelay    Duration `json:"maxDelay,omitempty" yaml:"maxDelay,omitempty"`
	MaxAttempts uint32   `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`
}

// Redis mirrors the connection options of the shared redis backend.
type Redis struct {
	ServiceName string `json:"serviceName" yaml:"serviceName"`
	ServicePort int32  `json:"servicePort" yaml:"servicePort"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`

	DialTimeout  int32 `json:"dialTimeout" yaml:"dialTimeout"`
	ReadTimeout  int32 `json:"readTimeout" yaml:"readTimeout"`
	WriteTimeout int32 `json:"writeTimeout" yaml:"writeTimeout"`
	PoolTimeout  int32 `json:"poolTimeout" yaml:"poolTimeout"`
	PoolSize     int32 `json:"poolSize" yaml:"poolSize"`
	MinIdleConns int32 `json:"minIdleConns" yaml:"minIdleConns"`
	MaxRetries   int32 `json:"maxRetries" yaml:"maxRetries"`
}

// Store selects where cross-process limit state lives. The local backend is
// the documented degraded mode: rate limiting scoped to one process, quota
// state persisted to disk.
type Store struct {
	Backend  string `json:"backend" yaml:"backend"`
	Redis    *Redis `json:"redis,omitempty" yaml:"redis,omitempty"`
	QuotaDir string `json:"quotaDir,omitempty" yaml:"quotaDir,omitempty"`
}

// ProviderConfig maps model-or-deployment names to limits for one provider.
type ProviderConfig struct {
	// Adapter names the ProviderAdapter kind; empty means "generic".
	Adapter string                      `json:"adapter,omitempty" yaml:"adapter,omitempty"`
	Models  map[string]*RateLimitConfig `json:"models" yaml:"models"`
	// Tiers are named default bundles selectable via LLMLIMITER_TIER_<PROVIDER>.
	Tiers map[string]*RateLimitConfig `json:"tiers,omitempty" yaml:"tiers,omitempty"`
}

func (p *ProviderConfig) AdapterKind() string {
	if p == nil || p.Adapter == "" {
		return AdapterGeneric
	}
	return p.Adapter
}

type Config struct {
	Providers map[string]*ProviderConfig `json:"providers" yaml:"providers"`
	Backoff   *Backoff                   `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	Store     *Store                     `json:"store,omitempty" yaml:"store,omitempty"`
}

// LoadFile parses and validates a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}
	return Parse(raw)
}

// Parse parses and validates raw YAML configuration.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var err error
	for providerName, provider := range c.Providers {
		if provider == nil {
			err = multierr.Append(err, errors.Errorf("provider %s: empty configuration", providerName))
			continue
		}
		switch provider.AdapterKind() {
		case AdapterGeneric, AdapterDeployment:
		default:
			err = multierr.Append(err, errors.Errorf("provider %s: unknown adapter kind %q", providerName, provider.Adapter))
		}
		for model, limits := range provider.Models {
			err = multierr.Append(err, limits.validate(fmt.Sprintf("providers.%s.models.%s", providerName, model)))
		}
		for tier, limits := range provider.Tiers {
			err = multierr.Append(err, limits.validate(fmt.Sprintf("providers.%s.tiers.%s", providerName, tier)))
		}
	}
	if c.Store != nil {
		switch c.Store.Backend {
		case "", BackendRedis, BackendLocal:
		default:
			err = multierr.Append(err, errors.Errorf("store: unknown backend %q", c.Store.Backend))
		}
	}
	return err
}

// Provider returns the configuration block for a provider, or nil.
func (c *Config) Provider(name string) *ProviderConfig {
	if c == nil {
		return nil
	}
	return c.Providers[name]
}

// LimitsFor resolves the effective limits for a (provider, model) pair.
// Precedence: the tier selected by LLMLIMITER_TIER_<PROVIDER>, then the
// exact model entry, then pattern entries, then the "default" entry. A tier
// name the file does not define falls through to the model entries.
// Returns nil when nothing matches.
func (c *Config) LimitsFor(provider, modelOrDeployment string) *RateLimitConfig {
	p := c.Provider(provider)
	if p == nil {
		return nil
	}
	if tier := os.Getenv(envTierKey(provider)); tier != "" {
		if limits, ok := p.Tiers[tier]; ok {
			return limits
		}
	}
	if limits, ok := p.Models[modelOrDeployment]; ok {
		return limits
	}
	// Patterns are tried in lexical order and the first match wins, so
	// overlapping patterns resolve the same way on every call.
	patterns := make([]string, 0, len(p.Models))
	for pattern := range p.Models {
		if pattern == DefaultKey {
			continue
		}
		patterns = append(patterns, pattern)
	}
	sort.Strings(patterns)
	for _, pattern := range patterns {
		if util.RegexMatch(pattern, modelOrDeployment) {
			return p.Models[pattern]
		}
	}
	return p.Models[DefaultKey]
}

func envTierKey(provider string) string {
	normalized := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(provider))
	return EnvTierPrefix + normalized
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	cloned := *v
	return &cloned
}

func writeLimit(sb *strings.Builder, name string, v *int64) {
	if v == nil {
		return
	}
	sb.WriteString(fmt.Sprintf("%s:%d, ", name, *v))
}

// Limit returns a pointer to v, for building configs in code.
func Limit(v int64) *int64 {
	return &v
}

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

package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlass-io/llmlimiter/core/config"
	"github.com/windlass-io/llmlimiter/core/limiter"
	"github.com/windlass-io/llmlimiter/core/provider"
	"github.com/windlass-io/llmlimiter/core/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Providers: map[string]*config.ProviderConfig{
			"openai": {
				Models: map[string]*config.RateLimitConfig{
					"gpt-4": {
						RequestsPerMinute: config.Limit(3),
						TokensPerMinute:   config.Limit(10000),
						SafetyMargin:      1.0,
					},
				},
			},
			"azure": {
				Adapter: config.AdapterDeployment,
				Models: map[string]*config.RateLimitConfig{
					"prod-chat": {
						RequestsPerMinute: config.Limit(10),
						MonthlyTokenQuota: config.Limit(1000),
						MaxConcurrent:     config.Limit(2),
						SafetyMargin:      1.0,
						ModelAlias:        "gpt-4",
					},
				},
			},
		},
		Store: &config.Store{Backend: config.BackendLocal},
	}
}

func newTestCoordinator(t *testing.T, cfg *config.Config, opts ...Option) *Coordinator {
	t.Helper()
	manager, err := config.NewManager(cfg)
	require.NoError(t, err)
	base := []Option{
		WithStore(store.NewLocalStore(store.WithQuotaDir(t.TempDir()))),
	}
	c, err := New(manager, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestBeforeAndAfterCall(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	ctx := context.Background()

	cost, err := c.BeforeCall(ctx, "openai", "gpt-4", "summarize this document")
	require.NoError(t, err)
	require.NotNil(t, cost)
	assert.Greater(t, cost.EstimatedTokens, int64(0))

	advice, err := c.AfterCall(ctx, cost, Outcome{
		Response: &provider.Response{PromptTokens: 12, CompletionTokens: 40, HasUsage: true},
	})
	require.NoError(t, err)
	assert.Nil(t, advice, "successful calls need no retry advice")

	snap, err := c.State(ctx, "openai", "gpt-4")
	require.NoError(t, err)
	require.NotNil(t, snap.TokensPerMinute)
	assert.Equal(t, int64(52), snap.TokensPerMinute.Used)
	assert.Equal(t, int64(1), snap.RequestsPerMinute.Used)
}

func TestAfterCallClassifiesTransientThrottle(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	ctx := context.Background()

	cost, err := c.BeforeCall(ctx, "openai", "gpt-4", "hello")
	require.NoError(t, err)

	retryAfter := "2"
	advice, err := c.AfterCall(ctx, cost, Outcome{
		Err: &provider.APIError{
			StatusCode: 429,
			Message:    "Too Many Requests",
			Headers:    map[string]string{"Retry-After": retryAfter},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, advice)
	assert.True(t, advice.ShouldRetry)
	assert.False(t, advice.QuotaExhausted)
	assert.Equal(t, 2*time.Second, advice.Wait, "provider hint wins over the backoff schedule")

	// The failed call still counts against the request window.
	snap, err := c.State(ctx, "openai", "gpt-4")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.RequestsPerMinute.Used)
}

func TestAfterCallClassifiesQuotaExhaustion(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	ctx := context.Background()

	cost, err := c.BeforeCall(ctx, "openai", "gpt-4", "hello")
	require.NoError(t, err)

	advice, err := c.AfterCall(ctx, cost, Outcome{
		Err: &provider.APIError{StatusCode: 429, Message: "You exceeded your current quota"},
	})
	require.NoError(t, err)
	require.NotNil(t, advice)
	assert.True(t, advice.QuotaExhausted)
	assert.False(t, advice.ShouldRetry)
	assert.Greater(t, advice.RetryAfter, time.Duration(0))
}

func TestAfterCallPassesUnrelatedErrorsThrough(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	ctx := context.Background()

	cost, err := c.BeforeCall(ctx, "openai", "gpt-4", "hello")
	require.NoError(t, err)

	advice, err := c.AfterCall(ctx, cost, Outcome{Err: errors.New("connection reset by peer")})
	require.NoError(t, err)
	assert.Nil(t, advice, "non-rate-limit failures propagate unchanged")
}

func TestDeploymentQuotaSurfacesAtBeforeCall(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	ctx := context.Background()

	cost, err := c.BeforeCall(ctx, "azure", "prod-chat", "hello")
	require.NoError(t, err)
	_, err = c.AfterCall(ctx, cost, Outcome{
		Response: &provider.Response{PromptTokens: 900, CompletionTokens: 100, HasUsage: true},
	})
	require.NoError(t, err)

	_, err = c.BeforeCall(ctx, "azure", "prod-chat", "a prompt that no longer fits")
	require.Error(t, err)
	assert.True(t, limiter.IsQuotaExhausted(err))
}

func TestProgrammaticOverrideWins(t *testing.T) {
	override := &config.RateLimitConfig{
		RequestsPerMinute: config.Limit(1),
		SafetyMargin:      1.0,
	}
	c := newTestCoordinator(t, testConfig(), WithLimits("openai", "gpt-4", override))
	ctx := context.Background()

	_, err := c.BeforeCall(ctx, "openai", "gpt-4", "hello")
	require.NoError(t, err)

	snap, err := c.State(ctx, "openai", "gpt-4")
	require.NoError(t, err)
	require.NotNil(t, snap.RequestsPerMinute)
	assert.Equal(t, int64(1), snap.RequestsPerMinute.Limit, "override outranks the config file")
	assert.Nil(t, snap.TokensPerMinute)
}

func TestUnconfiguredProviderFallsBackToModelDefaults(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	ctx := context.Background()

	// "anthropic" is absent from the config; gpt-4 is not an anthropic
	// model, so no built-in defaults apply either and the call is unlimited.
	snap, err := c.State(ctx, "anthropic", "claude-3")
	require.NoError(t, err)
	assert.Nil(t, snap.RequestsPerMinute)

	// An unconfigured provider naming a model with built-in defaults picks
	// those up from the generic adapter.
	snap, err = c.State(ctx, "proxy", "gpt-4")
	require.NoError(t, err)
	require.NotNil(t, snap.RequestsPerMinute)
	assert.Equal(t, int64(500), snap.RequestsPerMinute.Limit)
}

func TestUnknownAdapterKindFailsAtStartup(t *testing.T) {
	// The config names the deployment adapter but the registry in use only
	// knows generic; the mismatch must surface when the coordinator is
	// built, not on first traffic.
	registry := provider.NewRegistry()
	require.NoError(t, registry.Register(provider.KindGeneric,
		func(string, *config.ProviderConfig) (provider.Adapter, error) {
			return provider.NewGenericAdapter(), nil
		}))

	manager, err := config.NewManager(testConfig())
	require.NoError(t, err)

	_, err = New(manager,
		WithRegistry(registry),
		WithStore(store.NewLocalStore(store.WithQuotaDir(t.TempDir()))))
	require.Error(t, err)
	assert.True(t, limiter.IsConfiguration(err))
}

func TestLimiterOptionsAreForwarded(t *testing.T) {
	cfg := testConfig()
	cfg.Providers["openai"].Models["gpt-4"].RequestsPerMinute = config.Limit(1)

	stop := errors.New("stop instead of sleeping")
	c := newTestCoordinator(t, cfg, WithLimiterOptions(
		limiter.WithSleepFunc(func(context.Context, time.Duration) error { return stop }),
	))
	ctx := context.Background()

	_, err := c.BeforeCall(ctx, "openai", "gpt-4", "hello")
	require.NoError(t, err)

	_, err = c.BeforeCall(ctx, "openai", "gpt-4", "hello again")
	assert.ErrorIs(t, err, stop, "the injected sleep reaches the engine")
}

func TestAfterCallWithoutCostIsIgnored(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	advice, err := c.AfterCall(context.Background(), nil, Outcome{})
	assert.NoError(t, err)
	assert.Nil(t, advice)
}

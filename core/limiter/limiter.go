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

// Package limiter is the enforcement engine. Acquire admits a call once every
// configured limit has headroom, blocking with backoff until it does; quota
// exhaustion is the one hard stop that surfaces as an error instead of a
// wait. RecordUsage settles the admission with actual token counts.
package limiter

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/windlass-io/llmlimiter/core/backoff"
	"github.com/windlass-io/llmlimiter/core/config"
	"github.com/windlass-io/llmlimiter/core/store"
	"github.com/windlass-io/llmlimiter/logging"
	"github.com/windlass-io/llmlimiter/metrics"
	"github.com/windlass-io/llmlimiter/util"
)

// Resolver returns the limits in effect for a key, nil when the pair is not
// limited. Errors from the resolver abort the acquire.
type Resolver func(key Key) (*config.RateLimitConfig, error)

type Option func(*RateLimiter)

// WithTimeProvider replaces the clock, for tests.
func WithTimeProvider(now func() time.Time) Option {
	return func(rl *RateLimiter) {
		rl.now = now
	}
}

// WithSleepFunc replaces the blocking wait, for tests.
func WithSleepFunc(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(rl *RateLimiter) {
		rl.sleep = sleep
	}
}

// WithPollInterval overrides how often a caller blocked on a concurrency slot
// re-checks.
func WithPollInterval(d time.Duration) Option {
	return func(rl *RateLimiter) {
		if d > 0 {
			rl.pollInterval = d
		}
	}
}

// WithMaxAttempts caps backoff retries on window limits. Zero means wait
// forever. Concurrency polls are not counted; a held slot always frees.
func WithMaxAttempts(n uint32) Option {
	return func(rl *RateLimiter) {
		rl.maxAttempts = n
	}
}

// RateLimiter enforces the limits one Resolver hands out, against one shared
// Store. All methods are safe for concurrent use; checks for the same key are
// serialized by a per-key lock so concurrent admissions cannot interleave
// between read and append.
type RateLimiter struct {
	store    store.Store
	strategy backoff.Strategy
	resolver Resolver

	mu    sync.Mutex
	locks map[Key]*sync.Mutex

	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
	pollInterval time.Duration
	maxAttempts  uint32
}

func New(st store.Store, strategy backoff.Strategy, resolver Resolver, opts ...Option) (*RateLimiter, error) {
	if st == nil {
		return nil, configurationErrorf("limiter requires a store")
	}
	if resolver == nil {
		return nil, configurationErrorf("limiter requires a resolver")
	}
	if strategy == nil {
		strategy, _ = backoff.New("", 0, 0)
	}
	rl := &RateLimiter{
		store:        st,
		strategy:     strategy,
		resolver:     resolver,
		locks:        make(map[Key]*sync.Mutex),
		now:          time.Now,
		sleep:        sleepContext,
		pollInterval: DefaultConcurrencyPollInterval,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl, nil
}

// Acquire blocks until every limit configured for key can admit a call
// costing estimatedTokens, then returns the receipt. It returns
// *QuotaExhaustedError when the fixed-period quota cannot admit the request
// this period, *ConfigurationError when the request can never be admitted,
// *RetryExhaustedError when the attempt budget from WithMaxAttempts runs out,
// and ctx.Err() when the caller gives up while waiting.
func (rl *RateLimiter) Acquire(ctx context.Context, key Key, estimatedTokens int64) (*EstimatedCost, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if estimatedTokens < 0 {
		estimatedTokens = 0
	}
	limits, err := rl.resolver(key)
	if err != nil {
		metrics.AcquireTotal.WithLabelValues(key.Provider, key.Model, metrics.DecisionError).Inc()
		return nil, err
	}
	if limits == nil {
		logging.Debug("no limits configured, admitting without enforcement", "key", key.String())
		cost := newCost(key, estimatedTokens, nil)
		cost.AcquiredAt = rl.now()
		metrics.AcquireTotal.WithLabelValues(key.Provider, key.Model, metrics.DecisionAllowed).Inc()
		return cost, nil
	}

	lock := rl.keyLock(key)
	start := rl.now()
	var attempt uint32
	blockedOnce := false
	for {
		lock.Lock()
		cost, retryIn, blockedOn, err := rl.tryAcquire(ctx, key, limits, estimatedTokens)
		lock.Unlock()
		if err != nil {
			decision := metrics.DecisionError
			if IsQuotaExhausted(err) {
				decision = metrics.DecisionQuotaExhausted
			}
			metrics.AcquireTotal.WithLabelValues(key.Provider, key.Model, decision).Inc()
			return nil, err
		}
		if cost != nil {
			cost.AcquiredAt = rl.now()
			cost.Waited = cost.AcquiredAt.Sub(start)
			metrics.AcquireTotal.WithLabelValues(key.Provider, key.Model, metrics.DecisionAllowed).Inc()
			return cost, nil
		}

		if !blockedOnce {
			blockedOnce = true
			metrics.AcquireTotal.WithLabelValues(key.Provider, key.Model, metrics.DecisionBlocked).Inc()
		}

		var wait time.Duration
		if blockedOn == KindConcurrency {
			wait = rl.pollInterval
		} else {
			if rl.maxAttempts > 0 && attempt >= rl.maxAttempts {
				return nil, &RetryExhaustedError{
					Provider:  key.Provider,
					Model:     key.Model,
					LimitKind: blockedOn,
					Attempts:  rl.maxAttempts,
				}
			}
			var hint *time.Duration
			if retryIn > 0 {
				hint = &retryIn
			}
			wait = rl.strategy.Delay(attempt, hint)
			attempt++
		}
		logging.Debug("capacity unavailable, waiting",
			"key", key.String(), "blocked_on", blockedOn, "wait", wait.String())
		metrics.WaitSeconds.WithLabelValues(key.Provider, key.Model, blockedOn).Observe(wait.Seconds())
		if err := rl.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// tryAcquire runs one pass over the checks in order: concurrency, RPS, RPM,
// TPM, quota. A failed check releases everything earlier checks took, so
// nothing is held while the caller sleeps. Returns a non-nil cost on
// admission, or the blocking limit kind plus a wait hint.
func (rl *RateLimiter) tryAcquire(ctx context.Context, key Key, limits *config.RateLimitConfig, estimated int64) (*EstimatedCost, time.Duration, string, error) {
	margin := limits.Margin()
	cost := newCost(key, estimated, limits)

	if limits.MaxConcurrent != nil {
		max := effectiveLimit(*limits.MaxConcurrent, margin)
		ok, current, err := rl.store.IncrConcurrency(ctx, rl.storeKey(key, KindConcurrency), max)
		if err != nil {
			return nil, 0, "", err
		}
		if !ok {
			return nil, 0, KindConcurrency, nil
		}
		cost.concurrencySlot = true
		metrics.ConcurrencyInUse.WithLabelValues(key.Provider, key.Model).Set(float64(current))
	}

	for _, check := range []struct {
		limit  *int64
		kind   string
		window time.Duration
	}{
		{limits.RequestsPerSecond, KindRequestsPerSecond, WindowSecond},
		{limits.RequestsPerMinute, KindRequestsPerMinute, WindowMinute},
	} {
		if check.limit == nil {
			continue
		}
		storeKey := rl.storeKey(key, check.kind)
		result, err := rl.store.AcquireRequest(ctx, storeKey, check.window, effectiveLimit(*check.limit, margin))
		if err != nil {
			rl.rollback(cost)
			return nil, 0, "", err
		}
		if !result.Allowed {
			rl.rollback(cost)
			return nil, result.RetryIn, check.kind, nil
		}
		cost.requestMembers[storeKey] = result.Member
	}

	if limits.TokensPerMinute != nil {
		eff := effectiveLimit(*limits.TokensPerMinute, margin)
		used, retryIn, err := rl.store.TokenWindow(ctx, rl.storeKey(key, KindTokensPerMinute), WindowMinute)
		if err != nil {
			rl.rollback(cost)
			return nil, 0, "", err
		}
		if used+estimated > eff {
			rl.rollback(cost)
			if estimated > eff {
				return nil, 0, "", configurationErrorf(
					"estimated cost %d tokens can never fit the effective tokensPerMinute limit %d for %s",
					estimated, eff, key)
			}
			return nil, retryIn, KindTokensPerMinute, nil
		}
	}

	if limits.MonthlyTokenQuota != nil {
		eff := effectiveLimit(*limits.MonthlyTokenQuota, margin)
		now := rl.now()
		state, err := rl.store.Quota(ctx, rl.storeKey(key, KindQuota), store.PeriodStart(now))
		if err != nil {
			rl.rollback(cost)
			return nil, 0, "", err
		}
		if state.TokensUsed+estimated > eff {
			rl.rollback(cost)
			return nil, 0, "", &QuotaExhaustedError{
				Provider:   key.Provider,
				Model:      key.Model,
				Limit:      eff,
				Used:       state.TokensUsed,
				Requested:  estimated,
				RetryAfter: store.UntilNextPeriod(now),
			}
		}
		metrics.QuotaRemaining.WithLabelValues(key.Provider, key.Model).Set(float64(eff - state.TokensUsed))
	}

	return cost, 0, "", nil
}

// RecordUsage settles a cost with actual token counts: it charges the token
// window and quota, releases the concurrency slot, and is idempotent. A zero
// entry Timestamp is stamped with the current time. Callers must invoke it
// exactly once per acquired cost, on success and failure paths alike.
func (rl *RateLimiter) RecordUsage(ctx context.Context, cost *EstimatedCost, entry store.UsageEntry) error {
	if cost == nil {
		logging.Warn("usage recorded with no matching cost, ignoring")
		return nil
	}
	if !cost.settle() {
		logging.Warn("duplicate usage record for cost, ignoring", "id", cost.ID, "key", cost.Key.String())
		return nil
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = rl.now()
	}
	tokens := entry.TotalTokens()
	if tokens < 0 {
		tokens = 0
	}

	var errs error
	if limits := cost.limits; limits != nil {
		if limits.TokensPerMinute != nil && tokens > 0 {
			errs = multierr.Append(errs,
				rl.store.AddTokens(ctx, rl.storeKey(cost.Key, KindTokensPerMinute), WindowMinute, tokens))
		}
		if limits.MonthlyTokenQuota != nil && tokens > 0 {
			_, err := rl.store.AddQuotaUsage(ctx, rl.storeKey(cost.Key, KindQuota), store.PeriodStart(entry.Timestamp), tokens)
			errs = multierr.Append(errs, err)
		}
		if cost.concurrencySlot {
			current, err := rl.store.DecrConcurrency(ctx, rl.storeKey(cost.Key, KindConcurrency))
			if err == nil {
				metrics.ConcurrencyInUse.WithLabelValues(cost.Key.Provider, cost.Key.Model).Set(float64(current))
			}
			errs = multierr.Append(errs, err)
			cost.concurrencySlot = false
		}
	}
	if entry.Estimated {
		logging.Debug("settled cost with estimated usage",
			"id", cost.ID, "key", cost.Key.String(), "tokens", tokens)
	}
	return errs
}

// rollback undoes the parts of an admission that already succeeded. It runs
// on a background context so cleanup survives caller cancellation.
func (rl *RateLimiter) rollback(cost *EstimatedCost) {
	ctx := context.Background()
	for storeKey, member := range cost.requestMembers {
		if err := rl.store.ReleaseRequest(ctx, storeKey, member); err != nil {
			logging.Error(err, "failed to release request window entry", "key", storeKey, "member", member)
		}
		delete(cost.requestMembers, storeKey)
	}
	if cost.concurrencySlot {
		if _, err := rl.store.DecrConcurrency(ctx, rl.storeKey(cost.Key, KindConcurrency)); err != nil {
			logging.Error(err, "failed to release concurrency slot", "key", cost.Key.String())
		}
		cost.concurrencySlot = false
	}
}

func (rl *RateLimiter) keyLock(key Key) *sync.Mutex {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	lock, ok := rl.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		rl.locks[key] = lock
	}
	return lock
}

func (rl *RateLimiter) storeKey(key Key, kind string) string {
	return fmt.Sprintf(KeyFormat, key.Provider, util.GenerateHash(key.Provider, key.Model), kind)
}

// effectiveLimit applies the safety margin: floor(limit * margin), never
// below one so a margin cannot zero out a configured limit.
func effectiveLimit(limit int64, margin float64) int64 {
	eff := int64(math.Floor(float64(limit) * margin))
	if eff < 1 {
		eff = 1
	}
	return eff
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

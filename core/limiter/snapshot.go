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

package limiter

import (
	"context"

	"github.com/windlass-io/llmlimiter/core/store"
	"github.com/windlass-io/llmlimiter/metrics"
)

// LimitUtilization reports one limit's configured value, the effective value
// after the safety margin, and current usage.
type LimitUtilization struct {
	Limit       int64   `json:"limit"`
	Effective   int64   `json:"effective"`
	Used        int64   `json:"used"`
	Utilization float64 `json:"utilization"`
}

// QuotaStatus extends LimitUtilization with fixed-period bookkeeping.
type QuotaStatus struct {
	LimitUtilization
	Remaining       int64  `json:"remaining"`
	PeriodStart     string `json:"period_start"`
	ResetsInSeconds int64  `json:"resets_in_seconds"`
}

// Snapshot is a point-in-time view of every limit enforced for a key. Fields
// for unconfigured limits are nil.
type Snapshot struct {
	Provider          string            `json:"provider"`
	Model             string            `json:"model"`
	RequestsPerMinute *LimitUtilization `json:"requests_per_minute,omitempty"`
	RequestsPerSecond *LimitUtilization `json:"requests_per_second,omitempty"`
	TokensPerMinute   *LimitUtilization `json:"tokens_per_minute,omitempty"`
	MonthlyQuota      *QuotaStatus      `json:"monthly_quota,omitempty"`
	Concurrency       *LimitUtilization `json:"concurrency,omitempty"`
}

// State reads current usage for every limit configured on key. It observes
// without mutating: no window entries are appended, no slots taken.
func (rl *RateLimiter) State(ctx context.Context, key Key) (*Snapshot, error) {
	limits, err := rl.resolver(key)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Provider: key.Provider, Model: key.Model}
	if limits == nil {
		return snap, nil
	}
	margin := limits.Margin()

	if limits.RequestsPerSecond != nil {
		used, err := rl.store.CountRequests(ctx, rl.storeKey(key, KindRequestsPerSecond), WindowSecond)
		if err != nil {
			return nil, err
		}
		snap.RequestsPerSecond = rl.utilization(key, KindRequestsPerSecond, *limits.RequestsPerSecond, margin, used)
	}
	if limits.RequestsPerMinute != nil {
		used, err := rl.store.CountRequests(ctx, rl.storeKey(key, KindRequestsPerMinute), WindowMinute)
		if err != nil {
			return nil, err
		}
		snap.RequestsPerMinute = rl.utilization(key, KindRequestsPerMinute, *limits.RequestsPerMinute, margin, used)
	}
	if limits.TokensPerMinute != nil {
		used, _, err := rl.store.TokenWindow(ctx, rl.storeKey(key, KindTokensPerMinute), WindowMinute)
		if err != nil {
			return nil, err
		}
		snap.TokensPerMinute = rl.utilization(key, KindTokensPerMinute, *limits.TokensPerMinute, margin, used)
	}
	if limits.MonthlyTokenQuota != nil {
		now := rl.now()
		state, err := rl.store.Quota(ctx, rl.storeKey(key, KindQuota), store.PeriodStart(now))
		if err != nil {
			return nil, err
		}
		u := rl.utilization(key, KindQuota, *limits.MonthlyTokenQuota, margin, state.TokensUsed)
		remaining := u.Effective - u.Used
		if remaining < 0 {
			remaining = 0
		}
		snap.MonthlyQuota = &QuotaStatus{
			LimitUtilization: *u,
			Remaining:        remaining,
			PeriodStart:      state.PeriodStart,
			ResetsInSeconds:  int64(store.UntilNextPeriod(now).Seconds()),
		}
		metrics.QuotaRemaining.WithLabelValues(key.Provider, key.Model).Set(float64(remaining))
	}
	if limits.MaxConcurrent != nil {
		current, err := rl.store.Concurrency(ctx, rl.storeKey(key, KindConcurrency))
		if err != nil {
			return nil, err
		}
		snap.Concurrency = rl.utilization(key, KindConcurrency, *limits.MaxConcurrent, margin, current)
		metrics.ConcurrencyInUse.WithLabelValues(key.Provider, key.Model).Set(float64(current))
	}
	return snap, nil
}

func (rl *RateLimiter) utilization(key Key, kind string, limit int64, margin float64, used int64) *LimitUtilization {
	eff := effectiveLimit(limit, margin)
	u := &LimitUtilization{
		Limit:       limit,
		Effective:   eff,
		Used:        used,
		Utilization: float64(used) / float64(eff),
	}
	metrics.LimitUtilization.WithLabelValues(key.Provider, key.Model, kind).Set(u.Utilization)
	return u
}

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

// Package store holds the accounting primitives shared across worker
// processes: rolling request/token windows, fixed-period quota counters and
// concurrency slots. The redis backend enforces limits globally; the local
// backend scopes them to one process (a documented degraded mode) while
// still persisting quota state to disk.
package store

import (
	"context"
	"time"
)

// UsageEntry records the token cost of one completed call.
type UsageEntry struct {
	Timestamp        time.Time `json:"timestamp"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	// Estimated marks entries built from the pre-call estimate because the
	// response carried no usage metadata.
	Estimated bool `json:"estimated,omitempty"`
}

func (e UsageEntry) TotalTokens() int64 {
	return e.PromptTokens + e.CompletionTokens
}

// WindowResult is the outcome of an atomic check-and-append on a rolling
// request window.
type WindowResult struct {
	Allowed bool
	// Current is the number of entries inside the window after the
	// operation.
	Current int64
	// Member identifies the appended entry so a later failed check can
	// release it.
	Member string
	// RetryIn is the time until the oldest entry leaves the window. Only
	// meaningful when Allowed is false.
	RetryIn time.Duration
}

// QuotaState is the persisted fixed-period counter for one deployment.
type QuotaState struct {
	PeriodStart    string `json:"period_start"`
	TokensUsed     int64  `json:"tokens_used_this_period"`
	LastReset      int64  `json:"last_reset"`
	LifetimeTokens int64  `json:"lifetime_tokens"`
}

// Store is the cross-process accounting backend. Every operation is atomic
// with respect to its key; callers serialize multi-step sequences with the
// limiter's per-key locks.
type Store interface {
	// AcquireRequest prunes entries older than window and appends one
	// request entry when the pruned count is below limit.
	AcquireRequest(ctx context.Context, key string, window time.Duration, limit int64) (*WindowResult, error)
	// ReleaseRequest removes a previously appended request entry so a call
	// whose later checks failed leaves no trace in the window.
	ReleaseRequest(ctx context.Context, key string, member string) error
	CountRequests(ctx context.Context, key string, window time.Duration) (int64, error)

	// TokenWindow returns the token total inside the rolling window and the
	// time until the oldest entry expires.
	TokenWindow(ctx context.Context, key string, window time.Duration) (used int64, retryIn time.Duration, err error)
	AddTokens(ctx context.Context, key string, window time.Duration, tokens int64) error

	// Quota returns the counter for the given period, resetting it first if
	// the stored period no longer matches.
	Quota(ctx context.Context, key string, period string) (*QuotaState, error)
	AddQuotaUsage(ctx context.Context, key string, period string, tokens int64) (*QuotaState, error)

	// IncrConcurrency takes a slot when fewer than max are in use.
	IncrConcurrency(ctx context.Context, key string, max int64) (ok bool, current int64, err error)
	DecrConcurrency(ctx context.Context, key string) (int64, error)
	Concurrency(ctx context.Context, key string) (int64, error)

	Close() error
}

// PeriodStart formats the calendar-month boundary containing t, e.g.
// "2026-08-01". Quota periods are UTC months.
func PeriodStart(t time.Time) string {
	return t.UTC().Format("2006-01") + "-01"
}

// NextPeriod returns the first instant of the month after t.
func NextPeriod(t time.Time) time.Time {
	year, month, _ := t.UTC().Date()
	return time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
}

// UntilNextPeriod returns the time remaining until the quota period containing
// t rolls over.
func UntilNextPeriod(t time.Time) time.Duration {
	return NextPeriod(t).Sub(t.UTC())
}

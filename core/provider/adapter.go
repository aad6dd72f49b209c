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

// Package provider defines the per-provider strategy objects: token
// estimation, usage extraction and rate-limit-error classification. Adapters
// carry no limiter state; everything they compute is derived from caller
// supplied data, so the enforcement engine stays provider-agnostic.
package provider

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/windlass-io/llmlimiter/core/config"
	"github.com/windlass-io/llmlimiter/core/store"
)

// Response is the usage-metadata view of a provider response. Callers map
// their SDK's response type onto it; the subsystem never sees prompt or
// completion content.
type Response struct {
	PromptTokens     int64
	CompletionTokens int64
	// HasUsage is false when the provider omitted usage metadata; the
	// pre-call estimate is used instead.
	HasUsage bool
}

// RateLimitInfo classifies a provider failure.
type RateLimitInfo struct {
	// Transient means short-lived throttling: retry with backoff.
	Transient bool
	// QuotaExhausted means a fixed-period allocation ran out: hard stop
	// until the period resets.
	QuotaExhausted bool
	// RetryAfter carries the provider-supplied wait, when one was given.
	RetryAfter *time.Duration
}

// APIError is the normalized shape of a provider HTTP failure. Callers wrap
// their SDK errors into it so adapters can classify by status and headers
// instead of guessing from one error string shape.
type APIError struct {
	StatusCode int
	Message    string
	Headers    map[string]string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider api error: status=%d message=%s", e.StatusCode, e.Message)
}

// Adapter is the per-provider strategy contract. Implementations must be
// safe for concurrent use.
type Adapter interface {
	Kind() string

	// EstimateTokens returns a model-aware estimate of the prompt's input
	// tokens. Overestimation is safe; the estimate must never fall far
	// below actual usage. Falls back to a character/word heuristic when no
	// tokenizer is available for the model.
	EstimateTokens(prompt string, modelOrDeployment string) int64

	// ExtractUsage pulls actual token counts from a successful response.
	// When usage metadata is absent it returns the pre-call estimate,
	// flagged as estimated.
	ExtractUsage(resp *Response, estimated int64) store.UsageEntry

	// ExtractRateLimitInfo classifies a failure. Returns nil when the error
	// is not rate-limit-related and should propagate unchanged.
	ExtractRateLimitInfo(err error) *RateLimitInfo

	// ModelLimits returns built-in default limits for a model, or nil when
	// configuration must be supplied explicitly.
	ModelLimits(modelOrDeployment string) *config.RateLimitConfig
}

// parseRetryAfter reads a Retry-After style header: integer seconds first,
// then a Go duration string.
func parseRetryAfter(headers map[string]string) *time.Duration {
	if headers == nil {
		return nil
	}
	for _, name := range []string{"Retry-After", "retry-after", "X-RateLimit-Reset-After"} {
		raw, ok := headers[name]
		if !ok || raw == "" {
			continue
		}
		if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs >= 0 {
			d := time.Duration(secs) * time.Second
			return &d
		}
		if d, err := time.ParseDuration(raw); err == nil && d >= 0 {
			return &d
		}
	}
	return nil
}

func containsAny(haystack string, needles []string) bool {
	lowered := strings.ToLower(haystack)
	for _, needle := range needles {
		if strings.Contains(lowered, needle) {
			return true
		}
	}
	return false
}

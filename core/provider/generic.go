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

package provider

import (
	"math"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/pkoukk/tiktoken-go"

	"github.com/windlass-io/llmlimiter/core/config"
	"github.com/windlass-io/llmlimiter/core/store"
	"github.com/windlass-io/llmlimiter/logging"
)

const (
	KindGeneric = config.AdapterGeneric

	// Heuristic fallback constants: roughly 1 token per 4 characters and
	// 1.3 tokens per word for latin-script text. The estimator takes the
	// larger of the two and rounds up, since overestimation is the safe
	// direction.
	heuristicCharsPerToken = 4.0
	heuristicTokensPerWord = 1.3
)

// quota-exhausted and transient throttling markers, checked against
// lower-cased provider error messages.
var (
	quotaMarkers     = []string{"quota", "billing", "credit balance", "monthly limit"}
	transientMarkers = []string{"rate limit", "too many requests", "429", "throttl", "overloaded"}
)

type tokenCounter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// GenericAdapter assumes rolling RPM/TPM windows only: no quota, no
// concurrency cap, no RPS. It is the default for providers without special
// limiting semantics.
type GenericAdapter struct {
	mu       sync.Mutex
	encoders map[string]tokenCounter
	// encoderFor builds a counter for a model; tests replace it to avoid
	// fetching tokenizer data.
	encoderFor func(model string) (tokenCounter, error)
	defaults   map[string]*config.RateLimitConfig
}

func NewGenericAdapter() *GenericAdapter {
	return &GenericAdapter{
		encoders:   make(map[string]tokenCounter),
		encoderFor: newTiktokenCounter,
		defaults:   genericModelDefaults,
	}
}

func newTiktokenCounter(model string) (tokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, errors.Wrapf(err, "no tokenizer for model %s", model)
	}
	return &tiktokenCounter{enc: enc}, nil
}

// genericModelDefaults are conservative built-in limits for widely deployed
// models, used when the configuration carries no entry for the model.
var genericModelDefaults = map[string]*config.RateLimitConfig{
	"gpt-3.5-turbo": {
		RequestsPerMinute: config.Limit(3500),
		TokensPerMinute:   config.Limit(90000),
	},
	"gpt-4": {
		RequestsPerMinute: config.Limit(500),
		TokensPerMinute:   config.Limit(10000),
	},
	"gpt-4o": {
		RequestsPerMinute: config.Limit(500),
		TokensPerMinute:   config.Limit(30000),
	},
}

func (a *GenericAdapter) Kind() string {
	return KindGeneric
}

func (a *GenericAdapter) EstimateTokens(prompt string, model string) int64 {
	if prompt == "" {
		return 0
	}
	counter, err := a.cachedEncoder(model)
	if err != nil {
		logging.Warn("tokenizer unavailable, falling back to heuristic estimate",
			"model", model, "error", err.Error())
		return HeuristicTokens(prompt)
	}
	count := counter.Count(prompt)
	if count < 1 {
		count = 1
	}
	return int64(count)
}

func (a *GenericAdapter) cachedEncoder(model string) (tokenCounter, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if counter, ok := a.encoders[model]; ok {
		return counter, nil
	}
	counter, err := a.encoderFor(model)
	if err != nil {
		return nil, err
	}
	a.encoders[model] = counter
	return counter, nil
}

func (a *GenericAdapter) ExtractUsage(resp *Response, estimated int64) store.UsageEntry {
	if resp == nil || !resp.HasUsage {
		logging.Debug("response carried no usage metadata, recording estimate")
		return store.UsageEntry{PromptTokens: estimated, Estimated: true}
	}
	return store.UsageEntry{
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
	}
}

func (a *GenericAdapter) ExtractRateLimitInfo(err error) *RateLimitInfo {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429 && containsAny(apiErr.Message, quotaMarkers):
			return &RateLimitInfo{QuotaExhausted: true, RetryAfter: parseRetryAfter(apiErr.Headers)}
		case apiErr.StatusCode == 429:
			return &RateLimitInfo{Transient: true, RetryAfter: parseRetryAfter(apiErr.Headers)}
		case apiErr.StatusCode == 403 && containsAny(apiErr.Message, quotaMarkers):
			return &RateLimitInfo{QuotaExhausted: true}
		default:
			return nil
		}
	}

	msg := err.Error()
	if containsAny(msg, quotaMarkers) && containsAny(msg, []string{"exceeded", "exhausted", "insufficient"}) {
		return &RateLimitInfo{QuotaExhausted: true}
	}
	if containsAny(msg, transientMarkers) {
		return &RateLimitInfo{Transient: true}
	}
	return nil
}

func (a *GenericAdapter) ModelLimits(model string) *config.RateLimitConfig {
	if limits, ok := a.defaults[model]; ok {
		return limits.Clone()
	}
	return nil
}

// HeuristicTokens estimates without a tokenizer: max of the character and
// word heuristics, rounded up.
func HeuristicTokens(prompt string) int64 {
	if prompt == "" {
		return 0
	}
	byChars := int64(math.Ceil(float64(len(prompt)) / heuristicCharsPerToken))
	byWords := int64(math.Ceil(float64(len(strings.Fields(prompt))) * heuristicTokensPerWord))
	if byWords > byChars {
		return byWords
	}
	return byChars
}

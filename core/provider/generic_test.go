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

package provider

import (
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedCounter struct {
	perCall int
	calls   int
}

func (c *fixedCounter) Count(string) int {
	c.calls++
	return c.perCall
}

func newTestAdapter(counter tokenCounter, encoderErr error) *GenericAdapter {
	a := NewGenericAdapter()
	a.encoderFor = func(string) (tokenCounter, error) {
		if encoderErr != nil {
			return nil, encoderErr
		}
		return counter, nil
	}
	return a
}

func TestEstimateTokensWithTokenizer(t *testing.T) {
	counter := &fixedCounter{perCall: 42}
	a := newTestAdapter(counter, nil)

	assert.Equal(t, int64(42), a.EstimateTokens("hello world", "gpt-4"))
	assert.Equal(t, int64(42), a.EstimateTokens("hello again", "gpt-4"))
	assert.Equal(t, 2, counter.calls, "encoder is built once and cached")

	assert.Equal(t, int64(0), a.EstimateTokens("", "gpt-4"))
}

func TestEstimateTokensHeuristicFallback(t *testing.T) {
	a := newTestAdapter(nil, errors.New("no such model"))

	prompt := "the quick brown fox jumps over the lazy dog"
	got := a.EstimateTokens(prompt, "mystery-model")
	assert.Equal(t, HeuristicTokens(prompt), got)
	assert.Greater(t, got, int64(0))
}

func TestHeuristicTokens(t *testing.T) {
	// 43 characters, 9 words: chars/4 = 10.75 -> 11, words*1.3 = 11.7 -> 12.
	prompt := "the quick brown fox jumps over the lazy dog"
	assert.Equal(t, int64(12), HeuristicTokens(prompt))

	// Long unbroken text leans on the character estimate.
	assert.Equal(t, int64(25), HeuristicTokens(strings.Repeat("x", 100)))

	assert.Equal(t, int64(0), HeuristicTokens(""))
	assert.Equal(t, int64(3), HeuristicTokens("hi there"), "word estimate rounds up")
}

func TestExtractUsage(t *testing.T) {
	a := NewGenericAdapter()

	t.Run("with usage metadata", func(t *testing.T) {
		entry := a.ExtractUsage(&Response{PromptTokens: 10, CompletionTokens: 20, HasUsage: true}, 99)
		assert.Equal(t, int64(10), entry.PromptTokens)
		assert.Equal(t, int64(20), entry.CompletionTokens)
		assert.Equal(t, int64(30), entry.TotalTokens())
		assert.False(t, entry.Estimated)
	})

	t.Run("without usage metadata", func(t *testing.T) {
		entry := a.ExtractUsage(&Response{HasUsage: false}, 99)
		assert.Equal(t, int64(99), entry.PromptTokens)
		assert.True(t, entry.Estimated)
	})

	t.Run("nil response", func(t *testing.T) {
		entry := a.ExtractUsage(nil, 7)
		assert.Equal(t, int64(7), entry.TotalTokens())
		assert.True(t, entry.Estimated)
	})
}

func TestExtractRateLimitInfo(t *testing.T) {
	a := NewGenericAdapter()

	tests := []struct {
		name           string
		err            error
		wantNil        bool
		wantTransient  bool
		wantQuota      bool
		wantRetryAfter *time.Duration
	}{
		{
			name:    "nil error",
			err:     nil,
			wantNil: true,
		},
		{
			name:          "429 with retry-after header",
			err:           &APIError{StatusCode: 429, Message: "Too Many Requests", Headers: map[string]string{"Retry-After": "30"}},
			wantTransient: true,
			wantRetryAfter: func() *time.Duration {
				d := 30 * time.Second
				return &d
			}(),
		},
		{
			name:      "429 mentioning quota",
			err:       &APIError{StatusCode: 429, Message: "You exceeded your current quota"},
			wantQuota: true,
		},
		{
			name:      "403 billing hard stop",
			err:       &APIError{StatusCode: 403, Message: "Billing hard limit reached"},
			wantQuota: true,
		},
		{
			name:    "500 is not rate limiting",
			err:     &APIError{StatusCode: 500, Message: "internal error"},
			wantNil: true,
		},
		{
			name:          "plain error mentioning rate limit",
			err:           errors.New("rate limit reached for requests"),
			wantTransient: true,
		},
		{
			name:      "plain error mentioning exhausted quota",
			err:       errors.New("monthly quota exhausted for deployment"),
			wantQuota: true,
		},
		{
			name:    "unrelated error",
			err:     errors.New("connection reset by peer"),
			wantNil: true,
		},
		{
			name:          "wrapped api error",
			err:           errors.Wrap(&APIError{StatusCode: 429, Message: "slow down"}, "calling openai"),
			wantTransient: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := a.ExtractRateLimitInfo(tt.err)
			if tt.wantNil {
				assert.Nil(t, info)
				return
			}
			require.NotNil(t, info)
			assert.Equal(t, tt.wantTransient, info.Transient)
			assert.Equal(t, tt.wantQuota, info.QuotaExhausted)
			if tt.wantRetryAfter != nil {
				require.NotNil(t, info.RetryAfter)
				assert.Equal(t, *tt.wantRetryAfter, *info.RetryAfter)
			}
		})
	}
}

func TestModelLimits(t *testing.T) {
	a := NewGenericAdapter()

	limits := a.ModelLimits("gpt-4")
	require.NotNil(t, limits)
	assert.Equal(t, int64(500), *limits.RequestsPerMinute)

	// Returned limits are a copy; mutating them must not poison the table.
	*limits.RequestsPerMinute = 1
	fresh := a.ModelLimits("gpt-4")
	assert.Equal(t, int64(500), *fresh.RequestsPerMinute)

	assert.Nil(t, a.ModelLimits("unknown-model"))
}

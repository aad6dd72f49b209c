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
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// QuotaExhaustedError is the hard stop: the fixed-period token allocation
// cannot admit the request until the period resets. Waiting it out inside the
// limiter would stall callers for days, so it surfaces immediately.
type QuotaExhaustedError struct {
	Provider  string
	Model     string
	Limit     int64
	Used      int64
	Requested int64
	// RetryAfter is the time until the quota period rolls over.
	RetryAfter time.Duration
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("monthly token quota exhausted for %s/%s: used=%d requested=%d limit=%d retry_after=%s",
		e.Provider, e.Model, e.Used, e.Requested, e.Limit, e.RetryAfter)
}

// IsQuotaExhausted reports whether err (or anything it wraps) is a quota
// hard stop.
func IsQuotaExhausted(err error) bool {
	var target *QuotaExhaustedError
	return errors.As(err, &target)
}

// RetryExhaustedError reports that Acquire used up its configured attempt
// budget while a limit stayed saturated. Everything taken by earlier checks
// has been released; the caller may resubmit later or treat it as overload.
type RetryExhaustedError struct {
	Provider string
	Model    string
	// LimitKind is the limit that was still blocking on the final attempt.
	LimitKind string
	Attempts  uint32
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("no %s capacity for %s/%s after %d attempts",
		e.LimitKind, e.Provider, e.Model, e.Attempts)
}

// IsRetryExhausted reports whether err (or anything it wraps) is an
// exhausted attempt budget.
func IsRetryExhausted(err error) bool {
	var target *RetryExhaustedError
	return errors.As(err, &target)
}

// ConfigurationError marks invalid or unresolvable configuration. It is
// raised at startup or on first use of a (provider, model) pair, never from
// steady-state traffic.
type ConfigurationError struct {
	Detail string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Detail
}

func configurationErrorf(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Detail: fmt.Sprintf(format, args...)}
}

// IsConfiguration reports whether err (or anything it wraps) is a
// configuration error.
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

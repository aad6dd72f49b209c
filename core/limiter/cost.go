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
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/windlass-io/llmlimiter/core/config"
)

// Key identifies one limited (provider, model-or-deployment) pair. Limits,
// windows and quota are all scoped to the pair, never to the provider alone.
type Key struct {
	Provider string
	Model    string
}

func (k Key) String() string {
	return k.Provider + "/" + k.Model
}

// EstimatedCost is the receipt Acquire hands back. It pins the resources the
// admission took (window entries, a concurrency slot) and the limits in
// effect at admission time, so RecordUsage settles against the same rules the
// request was admitted under even if configuration reloads mid-flight.
type EstimatedCost struct {
	ID  string
	Key Key
	// EstimatedTokens is the pre-call estimate the admission was charged
	// with. RecordUsage replaces it with actual counts.
	EstimatedTokens int64
	AcquiredAt      time.Time
	// Waited is how long Acquire blocked before admission.
	Waited time.Duration

	limits          *config.RateLimitConfig
	concurrencySlot bool
	// requestMembers maps store key to the window member the admission
	// appended, so a failed later check can remove it.
	requestMembers map[string]string
	settled        int32
}

func newCost(key Key, estimated int64, limits *config.RateLimitConfig) *EstimatedCost {
	return &EstimatedCost{
		ID:              uuid.New().String(),
		Key:             key,
		EstimatedTokens: estimated,
		limits:          limits,
		requestMembers:  make(map[string]string, 2),
	}
}

// settle marks the cost as recorded. Returns false when it already was, which
// makes RecordUsage idempotent.
func (c *EstimatedCost) settle() bool {
	return atomic.CompareAndSwapInt32(&c.settled, 0, 1)
}

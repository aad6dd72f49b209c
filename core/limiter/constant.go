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

import "time"

const (
	// KeyFormat is llmlimiter:{provider}:{hash(provider,model)}:{kind}. The
	// hash keeps deployment names with separators from colliding in the
	// shared store.
	KeyFormat = "llmlimiter:%s:%s:%s"

	KindRequestsPerMinute = "rpm"
	KindRequestsPerSecond = "rps"
	KindTokensPerMinute   = "tpm"
	KindQuota             = "quota"
	KindConcurrency       = "concurrency"

	WindowMinute = time.Minute
	WindowSecond = time.Second

	// DefaultConcurrencyPollInterval bounds how often a caller blocked on a
	// concurrency slot re-checks. Slot releases happen on other workers, so
	// there is no cross-process wakeup to subscribe to.
	DefaultConcurrencyPollInterval = 100 * time.Millisecond
)

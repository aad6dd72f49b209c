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
	"sync"

	"github.com/windlass-io/llmlimiter/core/config"
)

const KindDeployment = config.AdapterDeployment

// DeploymentAdapter serves providers that expose named deployments with
// per-deployment limits: requests-per-second, monthly token quotas and
// concurrency caps on top of the generic RPM/TPM semantics. Two deployments
// of the same underlying model carry independent limits, so configuration is
// keyed by deployment name, never by model name.
type DeploymentAdapter struct {
	*GenericAdapter

	mu sync.RWMutex
	// aliases maps a deployment's local name to the model name the
	// tokenizer understands.
	aliases map[string]string
}

// NewDeploymentAdapter builds the adapter, reading modelAlias entries from
// the provider's deployment configuration.
func NewDeploymentAdapter(cfg *config.ProviderConfig) *DeploymentAdapter {
	aliases := make(map[string]string)
	if cfg != nil {
		for deployment, limits := range cfg.Models {
			if limits != nil && limits.ModelAlias != "" {
				aliases[deployment] = limits.ModelAlias
			}
		}
	}
	return &DeploymentAdapter{
		GenericAdapter: NewGenericAdapter(),
		aliases:        aliases,
	}
}

func (a *DeploymentAdapter) Kind() string {
	return KindDeployment
}

// TokenizerModel translates a deployment name into the tokenizer's model
// name. Unmapped deployments pass through unchanged.
func (a *DeploymentAdapter) TokenizerModel(deployment string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if model, ok := a.aliases[deployment]; ok {
		return model
	}
	return deployment
}

func (a *DeploymentAdapter) EstimateTokens(prompt string, deployment string) int64 {
	return a.GenericAdapter.EstimateTokens(prompt, a.TokenizerModel(deployment))
}

// ModelLimits always returns nil: deployment limits are installation
// specific, so the caller must configure them explicitly.
func (a *DeploymentAdapter) ModelLimits(string) *config.RateLimitConfig {
	return nil
}

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

package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/windlass-io/llmlimiter/core/config"
	"github.com/windlass-io/llmlimiter/core/coordinator"
	"github.com/windlass-io/llmlimiter/core/limiter"
	"github.com/windlass-io/llmlimiter/core/provider"
)

func main() {
	cfg := &config.Config{
		Providers: map[string]*config.ProviderConfig{
			"openai": {
				Models: map[string]*config.RateLimitConfig{
					"gpt-4": {
						RequestsPerMinute: config.Limit(5),
						TokensPerMinute:   config.Limit(10000),
					},
					// Any gpt-3.5 variant shares one bundle.
					"gpt-3\\.5.*": {
						RequestsPerMinute: config.Limit(50),
						TokensPerMinute:   config.Limit(90000),
					},
				},
			},
			"azure": {
				Adapter: config.AdapterDeployment,
				Models: map[string]*config.RateLimitConfig{
					"prod-chat": {
						RequestsPerSecond: config.Limit(10),
						MonthlyTokenQuota: config.Limit(500000),
						MaxConcurrent:     config.Limit(8),
						ModelAlias:        "gpt-4",
					},
				},
			},
		},
		Backoff: &config.Backoff{Strategy: "fibonacci"},
		Store:   &config.Store{Backend: config.BackendLocal},
	}

	manager, err := config.NewManager(cfg)
	if err != nil {
		panic(err)
	}
	c, err := coordinator.New(manager)
	if err != nil {
		panic(err)
	}
	defer c.Close()

	ctx := context.Background()
	prompts := []string{
		"Summarize the attached incident report in three bullet points.",
		"Translate 'rate limiting is a shared responsibility' into French.",
		"List five failure modes of distributed token buckets.",
	}

	for i, prompt := range prompts {
		cost, err := c.BeforeCall(ctx, "openai", "gpt-4", prompt)
		if err != nil {
			if limiter.IsQuotaExhausted(err) {
				fmt.Println("quota exhausted:", err)
				return
			}
			panic(err)
		}

		// Stand-in for the real provider call.
		outcome := coordinator.Outcome{
			Response: &provider.Response{
				PromptTokens:     cost.EstimatedTokens,
				CompletionTokens: int64(40 * (i + 1)),
				HasUsage:         true,
			},
		}

		advice, err := c.AfterCall(ctx, cost, outcome)
		if err != nil {
			panic(err)
		}
		if advice != nil && advice.ShouldRetry {
			fmt.Println("provider throttled, retry in", advice.Wait)
			continue
		}
		fmt.Printf("call %d admitted after %s, estimated %d tokens\n",
			i+1, cost.Waited, cost.EstimatedTokens)
	}

	snap, err := c.State(ctx, "openai", "gpt-4")
	if err != nil {
		panic(err)
	}
	pretty, _ := json.MarshalIndent(snap, "", "  ")
	fmt.Println(string(pretty))
}

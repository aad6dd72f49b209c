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

package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/windlass-io/llmlimiter/logging"
)

const DefaultHostSampleInterval = 10 * time.Second

// StartHostCollector samples host CPU and memory on interval until ctx is
// cancelled. Backoff waits stack up under host pressure, so operators
// correlate limiter stalls with these gauges.
func StartHostCollector(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHostSampleInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sampleHost()
			}
		}
	}()
}

func sampleHost() {
	if percents, err := cpu.Percent(0, false); err != nil {
		logging.Warn("failed to sample host cpu", "error", err.Error())
	} else if len(percents) > 0 {
		hostCPUPercent.Set(percents[0])
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		logging.Warn("failed to sample host memory", "error", err.Error())
	} else {
		hostMemoryPercent.Set(vm.UsedPercent)
	}
}

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

// Package backoff provides the retry-delay strategies used when a rolling
// window is saturated or a provider reports transient throttling. Strategies
// are pure: the same attempt and hint always produce the same delay, except
// for explicitly randomized jitter.
package backoff

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	StrategyFibonacci   = "fibonacci"
	StrategyExponential = "exponential"
	StrategyLinear      = "linear"

	DefaultFibonacciMax   = 70 * time.Second
	DefaultExponentialMax = 60 * time.Second
	DefaultBaseDelay      = time.Second
	DefaultLinearDelay    = 5 * time.Second

	// exponentialJitterRatio bounds the random spread around the computed
	// delay to ±20%.
	exponentialJitterRatio = 0.2
)

// Strategy maps an attempt number and an optional provider-supplied
// retry-after hint to a delay. A non-nil hint always takes precedence over
// the computed value.
type Strategy interface {
	Name() string
	Delay(attempt uint32, hint *time.Duration) time.Duration
}

// New builds a strategy by name. An empty name selects Fibonacci, the
// default for rolling-window providers.
func New(name string, base, max time.Duration) (Strategy, error) {
	switch name {
	case StrategyFibonacci, "":
		return NewFibonacci(max), nil
	case StrategyExponential:
		return NewExponential(base, max), nil
	case StrategyLinear:
		if base <= 0 {
			base = DefaultLinearDelay
		}
		return &Linear{Interval: base}, nil
	default:
		return nil, errors.Errorf("unknown backoff strategy: %s", name)
	}
}

// ================================= Fibonacci =================================

// Fibonacci delays follow 1,1,2,3,5,8,... seconds scaled by the base unit,
// capped at Max.
type Fibonacci struct {
	Unit time.Duration
	Max  time.Duration
}

func NewFibonacci(max time.Duration) *Fibonacci {
	if max <= 0 {
		max = DefaultFibonacciMax
	}
	return &Fibonacci{Unit: time.Second, Max: max}
}

func (f *Fibonacci) Name() string {
	return StrategyFibonacci
}

func (f *Fibonacci) Delay(attempt uint32, hint *time.Duration) time.Duration {
	if hint != nil && *hint > 0 {
		return *hint
	}
	a, b := int64(1), int64(1)
	for i := uint32(0); i < attempt; i++ {
		a, b = b, a+b
		if time.Duration(a)*f.Unit >= f.Max {
			return f.Max
		}
	}
	delay := time.Duration(a) * f.Unit
	if delay > f.Max {
		return f.Max
	}
	return delay
}

// ================================= Exponential ===============================

// Exponential delays follow base * 2^attempt with ±20% jitter, capped at Max.
type Exponential struct {
	Base time.Duration
	Max  time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewExponential(base, max time.Duration) *Exponential {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultExponentialMax
	}
	return &Exponential{
		Base: base,
		Max:  max,
		rnd:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithRand replaces the jitter source. Tests use it for deterministic delays.
func (e *Exponential) WithRand(rnd *rand.Rand) *Exponential {
	e.mu.Lock()
	e.rnd = rnd
	e.mu.Unlock()
	return e
}

func (e *Exponential) Name() string {
	return StrategyExponential
}

func (e *Exponential) Delay(attempt uint32, hint *time.Duration) time.Duration {
	if hint != nil && *hint > 0 {
		return *hint
	}
	delay := e.Base
	for i := uint32(0); i < attempt; i++ {
		delay *= 2
		if delay >= e.Max {
			delay = e.Max
			break
		}
	}
	jitter := e.jitter(delay)
	delay += jitter
	if delay > e.Max {
		delay = e.Max
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func (e *Exponential) jitter(delay time.Duration) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	spread := float64(delay) * exponentialJitterRatio
	return time.Duration((e.rnd.Float64()*2 - 1) * spread)
}

// ================================= Linear ====================================

// Linear is a constant-delay fallback used when no provider-specific
// knowledge exists.
type Linear struct {
	Interval time.Duration
}

func (l *Linear) Name() string {
	return StrategyLinear
}

func (l *Linear) Delay(attempt uint32, hint *time.Duration) time.Duration {
	if hint != nil && *hint > 0 {
		return *hint
	}
	return l.Interval
}

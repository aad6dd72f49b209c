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
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/windlass-io/llmlimiter/core/config"
)

// Constructor builds an adapter of one kind for a named provider.
type Constructor func(providerName string, cfg *config.ProviderConfig) (Adapter, error)

// Registry maps adapter kind names to constructors. New provider kinds are
// registered without touching the limiter or coordinator.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// NewDefaultRegistry returns a registry with the built-in adapter kinds.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(KindGeneric, func(_ string, _ *config.ProviderConfig) (Adapter, error) {
		return NewGenericAdapter(), nil
	})
	_ = r.Register(KindDeployment, func(_ string, cfg *config.ProviderConfig) (Adapter, error) {
		return NewDeploymentAdapter(cfg), nil
	})
	return r
}

func (r *Registry) Register(kind string, ctor Constructor) error {
	if kind == "" {
		return errors.New("adapter kind cannot be empty")
	}
	if ctor == nil {
		return errors.New("adapter constructor cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.constructors[kind]; exists {
		return errors.Errorf("adapter kind %s is already registered", kind)
	}
	r.constructors[kind] = ctor
	return nil
}

// Build constructs an adapter of the given kind. Unknown kinds are a
// configuration error surfaced at startup, not at call time.
func (r *Registry) Build(kind string, providerName string, cfg *config.ProviderConfig) (Adapter, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("no adapter registered for kind %q (provider %s), known kinds: %v",
			kind, providerName, r.Kinds())
	}
	return ctor(providerName, cfg)
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.constructors))
	for kind := range r.constructors {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlass-io/llmlimiter/core/config"
)

func TestDefaultRegistry(t *testing.T) {
	r := NewDefaultRegistry()
	assert.Equal(t, []string{KindDeployment, KindGeneric}, r.Kinds())

	generic, err := r.Build(KindGeneric, "openai", nil)
	require.NoError(t, err)
	assert.Equal(t, KindGeneric, generic.Kind())

	deployment, err := r.Build(KindDeployment, "azure", &config.ProviderConfig{})
	require.NoError(t, err)
	assert.Equal(t, KindDeployment, deployment.Kind())
}

func TestRegistryUnknownKind(t *testing.T) {
	r := NewDefaultRegistry()
	_, err := r.Build("grpc", "someprovider", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no adapter registered")
	assert.Contains(t, err.Error(), KindGeneric, "error names the known kinds")
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	ctor := func(string, *config.ProviderConfig) (Adapter, error) {
		return NewGenericAdapter(), nil
	}

	require.NoError(t, r.Register("custom", ctor))
	assert.Error(t, r.Register("custom", ctor), "duplicate registration is rejected")
	assert.Error(t, r.Register("", ctor))
	assert.Error(t, r.Register("other", nil))
}

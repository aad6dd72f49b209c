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

package config

import (
	"reflect"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/windlass-io/llmlimiter/logging"
)

// Manager guards the active configuration and optionally hot-reloads it when
// the source file changes. Readers always see a complete, validated config.
type Manager struct {
	mu   sync.RWMutex
	cfg  *Config
	path string

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// NewManager wraps an already-built configuration.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg}, nil
}

// LoadManager reads the configuration from a YAML file. Watch may be called
// afterwards to follow updates to the same file.
func LoadManager(path string) (*Manager, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg, path: path}, nil
}

func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// SetConfig swaps the active configuration. Returns false when the new
// configuration equals the current one and the swap was skipped.
func (m *Manager) SetConfig(cfg *Config) (bool, error) {
	if cfg == nil {
		return false, errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if reflect.DeepEqual(m.cfg, cfg) {
		logging.Info("loaded config equals the active config, ignoring update")
		return false, nil
	}
	m.cfg = cfg
	return true, nil
}

// Watch follows the source file and reloads limits on change. Invalid or
// unreadable updates are logged and skipped; the previous config stays
// active.
func (m *Manager) Watch() error {
	if m.path == "" {
		return errors.New("manager was not loaded from a file")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create config watcher")
	}
	if err := watcher.Add(m.path); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "failed to watch %s", m.path)
	}
	m.watcher = watcher
	m.done = make(chan struct{})
	go m.watchLoop()
	return nil
}

func (m *Manager) watchLoop() {
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m.reload()
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			logging.Error(err, "config watcher error", "path", m.path)
		case <-m.done:
			return
		}
	}
}

func (m *Manager) reload() {
	cfg, err := LoadFile(m.path)
	if err != nil {
		logging.Error(err, "failed to reload config, keeping previous", "path", m.path)
		return
	}
	updated, err := m.SetConfig(cfg)
	if err != nil {
		logging.Error(err, "failed to apply reloaded config", "path", m.path)
		return
	}
	if updated {
		logging.Info("rate limit configuration reloaded", "path", m.path)
	}
}

// Close stops the watcher, if any.
func (m *Manager) Close() error {
	var err error
	m.once.Do(func() {
		if m.done != nil {
			close(m.done)
		}
		if m.watcher != nil {
			err = multierr.Append(err, m.watcher.Close())
		}
	})
	return err
}

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

package store

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/windlass-io/llmlimiter/logging"
	"github.com/windlass-io/llmlimiter/util"
)

const (
	// DefaultQuotaDirName is appended to the user's home directory when no
	// quota directory is configured and LLMLIMITER_QUOTA_DIR is unset.
	DefaultQuotaDirName = ".llmlimiter/quota"

	quotaFileSuffix = ".json"
	quotaTempSuffix = ".tmp"
)

type requestEntry struct {
	at     time.Time
	member string
}

type tokenEntry struct {
	at     time.Time
	tokens int64
}

// LocalStore keeps all limit state in process memory. Quota counters are
// additionally persisted to disk (one JSON file per key, written atomically)
// so fixed-period accounting survives restarts.
type LocalStore struct {
	mu          sync.Mutex
	requests    map[string][]requestEntry
	tokens      map[string][]tokenEntry
	quota       map[string]*QuotaState
	concurrency map[string]int64

	quotaDir string
	now      func() time.Time
}

type LocalOption func(*LocalStore)

// WithTimeProvider replaces the clock, for tests.
func WithTimeProvider(now func() time.Time) LocalOption {
	return func(s *LocalStore) { s.now = now }
}

// WithQuotaDir sets the quota persistence directory. An empty string keeps
// quota state memory-only.
func WithQuotaDir(dir string) LocalOption {
	return func(s *LocalStore) { s.quotaDir = dir }
}

func NewLocalStore(opts ...LocalOption) *LocalStore {
	s := &LocalStore{
		requests:    make(map[string][]requestEntry),
		tokens:      make(map[string][]tokenEntry),
		quota:       make(map[string]*QuotaState),
		concurrency: make(map[string]int64),
		quotaDir:    ResolveQuotaDir(""),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolveQuotaDir picks the quota directory: explicit configuration, then
// LLMLIMITER_QUOTA_DIR, then ~/.llmlimiter/quota.
func ResolveQuotaDir(configured string) string {
	if configured != "" {
		return configured
	}
	if env := os.Getenv("LLMLIMITER_QUOTA_DIR"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		logging.Warn("cannot resolve home directory, quota persistence disabled", "error", err.Error())
		return ""
	}
	return filepath.Join(home, DefaultQuotaDirName)
}

func (s *LocalStore) AcquireRequest(ctx context.Context, key string, window time.Duration, limit int64) (*WindowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entries := pruneRequests(s.requests[key], now, window)

	if int64(len(entries)) >= limit {
		result := &WindowResult{Allowed: false, Current: int64(len(entries)), RetryIn: window}
		if len(entries) > 0 {
			result.RetryIn = window - now.Sub(entries[0].at)
		}
		s.requests[key] = entries
		return result, nil
	}

	member := uuid.NewString()
	entries = append(entries, requestEntry{at: now, member: member})
	s.requests[key] = entries
	return &WindowResult{Allowed: true, Current: int64(len(entries)), Member: member}, nil
}

func (s *LocalStore) ReleaseRequest(ctx context.Context, key string, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.requests[key]
	for i, e := range entries {
		if e.member == member {
			s.requests[key] = append(entries[:i], entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *LocalStore) CountRequests(ctx context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := pruneRequests(s.requests[key], s.now(), window)
	s.requests[key] = entries
	return int64(len(entries)), nil
}

func (s *LocalStore) TokenWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entries := pruneTokens(s.tokens[key], now, window)
	s.tokens[key] = entries

	var used int64
	for _, e := range entries {
		used += e.tokens
	}
	var retryIn time.Duration
	if len(entries) > 0 {
		retryIn = window - now.Sub(entries[0].at)
	}
	return used, retryIn, nil
}

func (s *LocalStore) AddTokens(ctx context.Context, key string, window time.Duration, tokens int64) error {
	if tokens <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[key] = append(pruneTokens(s.tokens[key], s.now(), window), tokenEntry{at: s.now(), tokens: tokens})
	return nil
}

func (s *LocalStore) Quota(ctx context.Context, key string, period string) (*QuotaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quotaLocked(key, period)
}

func (s *LocalStore) AddQuotaUsage(ctx context.Context, key string, period string, tokens int64) (*QuotaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.quotaLocked(key, period)
	if err != nil {
		return nil, err
	}
	state.TokensUsed += tokens
	state.LifetimeTokens += tokens
	if err := s.saveQuota(key, state); err != nil {
		return nil, err
	}
	snapshot := *state
	return &snapshot, nil
}

// quotaLocked loads (from memory, then disk) and rolls over the counter when
// the stored period no longer matches.
func (s *LocalStore) quotaLocked(key string, period string) (*QuotaState, error) {
	state, ok := s.quota[key]
	if !ok {
		loaded, err := s.loadQuota(key)
		if err != nil {
			return nil, err
		}
		if loaded == nil {
			loaded = &QuotaState{PeriodStart: period, LastReset: s.now().Unix()}
		}
		state = loaded
		s.quota[key] = state
	}

	if state.PeriodStart != period {
		state.PeriodStart = period
		state.TokensUsed = 0
		state.LastReset = s.now().Unix()
		if err := s.saveQuota(key, state); err != nil {
			return nil, err
		}
		logging.Info("quota period rolled over", "key", key, "period", period)
	}
	return state, nil
}

func (s *LocalStore) IncrConcurrency(ctx context.Context, key string, max int64) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.concurrency[key]
	if current >= max {
		return false, current, nil
	}
	current++
	s.concurrency[key] = current
	return true, current, nil
}

func (s *LocalStore) DecrConcurrency(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.concurrency[key]
	if current <= 0 {
		logging.Warn("concurrency counter already at zero on release", "key", key)
		s.concurrency[key] = 0
		return 0, nil
	}
	current--
	s.concurrency[key] = current
	return current, nil
}

func (s *LocalStore) Concurrency(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.concurrency[key], nil
}

func (s *LocalStore) Close() error {
	return nil
}

// ================================= quota persistence =========================

func (s *LocalStore) quotaPath(key string) string {
	return filepath.Join(s.quotaDir, util.GenerateHash(key)+quotaFileSuffix)
}

func (s *LocalStore) loadQuota(key string) (*QuotaState, error) {
	if s.quotaDir == "" {
		return nil, nil
	}
	raw, err := ioutil.ReadFile(s.quotaPath(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read quota state for %s", key)
	}
	state := &QuotaState{}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, errors.Wrapf(err, "corrupt quota state for %s", key)
	}
	return state, nil
}

// saveQuota writes the record to a temporary file and renames it into place
// so a crash mid-write never leaves a corrupt record.
func (s *LocalStore) saveQuota(key string, state *QuotaState) error {
	if s.quotaDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.quotaDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create quota directory %s", s.quotaDir)
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return errors.Wrapf(err, "failed to encode quota state for %s", key)
	}
	path := s.quotaPath(key)
	tmp := path + quotaTempSuffix
	if err := ioutil.WriteFile(tmp, raw, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write quota state for %s", key)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "failed to replace quota state for %s", key)
	}
	return nil
}

func pruneRequests(entries []requestEntry, now time.Time, window time.Duration) []requestEntry {
	idx := 0
	for idx < len(entries) && now.Sub(entries[idx].at) >= window {
		idx++
	}
	return entries[idx:]
}

func pruneTokens(entries []tokenEntry, now time.Time, window time.Duration) []tokenEntry {
	idx := 0
	for idx < len(entries) && now.Sub(entries[idx].at) >= window {
		idx++
	}
	return entries[idx:]
}

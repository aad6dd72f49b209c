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
	"fmt"
	"strconv"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/windlass-io/llmlimiter/core/config"
	"github.com/windlass-io/llmlimiter/logging"
	"github.com/windlass-io/llmlimiter/util"
)

const (
	DefaultRedisServiceName  = "127.0.0.1"
	DefaultRedisServicePort  = int32(6379)
	DefaultRedisTimeout      = int32(1000)
	DefaultRedisPoolSize     = int32(10)
	DefaultRedisMinIdleConns = int32(5)
	DefaultRedisMaxRetries   = int32(3)

	// concurrencyTTL bounds how long a crashed worker's leaked slots linger:
	// the counter expires after this long with no slot traffic on the key.
	// It must sit well above the longest plausible provider call, or an
	// in-flight holder would lose its slot mid-call on a quiet key.
	concurrencyTTL = 30 * time.Minute
)

// RedisStore enforces limits globally across worker processes. All
// read-modify-write sequences run as Lua scripts.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

type RedisOption func(*RedisStore)

// WithRedisTimeProvider replaces the clock used for window scores, for tests.
func WithRedisTimeProvider(now func() time.Time) RedisOption {
	return func(s *RedisStore) { s.now = now }
}

// NewRedisStore connects to redis, applying defaults for any zero field, and
// verifies the connection before returning.
func NewRedisStore(cfg *config.Redis, opts ...RedisOption) (*RedisStore, error) {
	if cfg == nil {
		cfg = &config.Redis{}
	}

	serviceName := cfg.ServiceName
	servicePort := cfg.ServicePort
	dialTimeout := time.Duration(cfg.DialTimeout) * time.Millisecond
	readTimeout := time.Duration(cfg.ReadTimeout) * time.Millisecond
	writeTimeout := time.Duration(cfg.WriteTimeout) * time.Millisecond
	poolTimeout := time.Duration(cfg.PoolTimeout) * time.Millisecond
	poolSize := cfg.PoolSize
	minIdleConns := cfg.MinIdleConns
	maxRetries := cfg.MaxRetries

	if len(serviceName) == 0 {
		serviceName = DefaultRedisServiceName
	}
	if servicePort == 0 {
		servicePort = DefaultRedisServicePort
	}
	if dialTimeout == 0 {
		dialTimeout = time.Duration(DefaultRedisTimeout) * time.Millisecond
	}
	if readTimeout == 0 {
		readTimeout = time.Duration(DefaultRedisTimeout) * time.Millisecond
	}
	if writeTimeout == 0 {
		writeTimeout = time.Duration(DefaultRedisTimeout) * time.Millisecond
	}
	if poolTimeout == 0 {
		poolTimeout = time.Duration(DefaultRedisTimeout) * time.Millisecond
	}
	if poolSize == 0 {
		poolSize = DefaultRedisPoolSize
	}
	if minIdleConns == 0 {
		minIdleConns = DefaultRedisMinIdleConns
	}
	if maxRetries == 0 {
		maxRetries = DefaultRedisMaxRetries
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{fmt.Sprintf("%s:%d", serviceName, servicePort)},

		Username: cfg.Username,
		Password: cfg.Password,

		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		PoolTimeout:  poolTimeout,

		PoolSize:     int(poolSize),
		MinIdleConns: int(minIdleConns),
		MaxRetries:   int(maxRetries),
	})

	if _, err := client.Ping(context.TODO()).Result(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "failed to connect to redis")
	}

	s := &RedisStore{client: client, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *RedisStore) eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return s.client.Eval(ctx, script, keys, args...).Result()
}

func (s *RedisStore) AcquireRequest(ctx context.Context, key string, window time.Duration, limit int64) (*WindowResult, error) {
	now := s.now()
	nowMillis := util.ToMillis(now)
	member := fmt.Sprintf("%d-%s", nowMillis, uuid.NewString())

	response, err := s.eval(ctx, acquireRequestScript, []string{key},
		nowMillis-window.Milliseconds(), limit, nowMillis, member, window.Milliseconds())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to acquire request slot for %s", key)
	}
	result := parseRedisResponse(response)
	if len(result) != 3 {
		return nil, errors.Errorf("unexpected redis response for %s: %v", key, response)
	}

	if result[0] == 1 {
		return &WindowResult{Allowed: true, Current: result[1], Member: member}, nil
	}
	wr := &WindowResult{Allowed: false, Current: result[1], RetryIn: window}
	if oldest := result[2]; oldest > 0 {
		wr.RetryIn = window - time.Duration(nowMillis-oldest)*time.Millisecond
	}
	return wr, nil
}

func (s *RedisStore) ReleaseRequest(ctx context.Context, key string, member string) error {
	if err := s.client.ZRem(ctx, key, member).Err(); err != nil {
		return errors.Wrapf(err, "failed to release request slot for %s", key)
	}
	return nil
}

func (s *RedisStore) CountRequests(ctx context.Context, key string, window time.Duration) (int64, error) {
	nowMillis := util.ToMillis(s.now())
	response, err := s.eval(ctx, countRequestsScript, []string{key}, nowMillis-window.Milliseconds())
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count requests for %s", key)
	}
	count, ok := response.(int64)
	if !ok {
		return 0, errors.Errorf("unexpected redis response for %s: %v", key, response)
	}
	return count, nil
}

func (s *RedisStore) TokenWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	nowMillis := util.ToMillis(s.now())
	response, err := s.eval(ctx, tokenWindowScript, []string{key}, nowMillis-window.Milliseconds())
	if err != nil {
		return 0, 0, errors.Wrapf(err, "failed to read token window for %s", key)
	}
	result := parseRedisResponse(response)
	if len(result) != 2 {
		return 0, 0, errors.Errorf("unexpected redis response for %s: %v", key, response)
	}
	var retryIn time.Duration
	if oldest := result[1]; oldest > 0 {
		retryIn = window - time.Duration(nowMillis-oldest)*time.Millisecond
	}
	return result[0], retryIn, nil
}

func (s *RedisStore) AddTokens(ctx context.Context, key string, window time.Duration, tokens int64) error {
	if tokens <= 0 {
		return nil
	}
	nowMillis := util.ToMillis(s.now())
	member := fmt.Sprintf("%s:%d", uuid.NewString(), tokens)
	if _, err := s.eval(ctx, addTokensScript, []string{key}, nowMillis, member, window.Milliseconds()); err != nil {
		return errors.Wrapf(err, "failed to record tokens for %s", key)
	}
	return nil
}

func (s *RedisStore) Quota(ctx context.Context, key string, period string) (*QuotaState, error) {
	response, err := s.eval(ctx, quotaScript, []string{key}, period, s.now().Unix())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read quota for %s", key)
	}
	return quotaFromResponse(key, period, response)
}

func (s *RedisStore) AddQuotaUsage(ctx context.Context, key string, period string, tokens int64) (*QuotaState, error) {
	response, err := s.eval(ctx, addQuotaScript, []string{key}, period, s.now().Unix(), tokens)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to record quota usage for %s", key)
	}
	return quotaFromResponse(key, period, response)
}

func (s *RedisStore) IncrConcurrency(ctx context.Context, key string, max int64) (bool, int64, error) {
	response, err := s.eval(ctx, incrConcurrencyScript, []string{key}, max, concurrencyTTL.Milliseconds())
	if err != nil {
		return false, 0, errors.Wrapf(err, "failed to take concurrency slot for %s", key)
	}
	result := parseRedisResponse(response)
	if len(result) != 2 {
		return false, 0, errors.Errorf("unexpected redis response for %s: %v", key, response)
	}
	return result[0] == 1, result[1], nil
}

func (s *RedisStore) DecrConcurrency(ctx context.Context, key string) (int64, error) {
	response, err := s.eval(ctx, decrConcurrencyScript, []string{key}, concurrencyTTL.Milliseconds())
	if err != nil {
		return 0, errors.Wrapf(err, "failed to release concurrency slot for %s", key)
	}
	current, ok := response.(int64)
	if !ok {
		return 0, errors.Errorf("unexpected redis response for %s: %v", key, response)
	}
	return current, nil
}

func (s *RedisStore) Concurrency(ctx context.Context, key string) (int64, error) {
	raw, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read concurrency for %s", key)
	}
	current, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "corrupt concurrency counter for %s", key)
	}
	return current, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func quotaFromResponse(key, period string, response interface{}) (*QuotaState, error) {
	result := parseRedisResponse(response)
	if len(result) != 3 {
		return nil, errors.Errorf("unexpected redis quota response for %s: %v", key, response)
	}
	return &QuotaState{
		PeriodStart:    period,
		TokensUsed:     result[0],
		LifetimeTokens: result[1],
		LastReset:      result[2],
	}, nil
}

func parseRedisResponse(response interface{}) []int64 {
	if response == nil {
		return nil
	}

	resultSlice, ok := response.([]interface{})
	if !ok {
		return nil
	}

	result := make([]int64, len(resultSlice))
	for i, v := range resultSlice {
		switch val := v.(type) {
		case int64:
			result[i] = val
		case string:
			num, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				logging.Error(err, "failed to parse redis response element", "index", i, "value", val)
				return nil
			}
			result[i] = num
		case int:
			result[i] = int64(val)
		case float64:
			result[i] = int64(val)
		case nil:
			result[i] = 0
		default:
			logging.Error(nil, "unexpected redis response element type", "index", i, "type", fmt.Sprintf("%T", v))
			return nil
		}
	}
	return result
}

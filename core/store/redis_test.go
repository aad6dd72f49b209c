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

package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlass-io/llmlimiter/util"
)

func newMockedRedisStore() (*RedisStore, redismock.ClientMock, *fakeClock) {
	client, mock := redismock.NewClientMock()
	clock := newFakeClock()
	return &RedisStore{client: client, now: clock.Now}, mock, clock
}

// argvPlaceholders pads ExpectEval with ignored values: redismock compares
// argument counts before it consults the custom matcher, so each expectation
// must carry as many ARGV slots as the store actually sends.
func argvPlaceholders(n int) []interface{} {
	args := make([]interface{}, n)
	for i := range args {
		args[i] = "argv-ignored-by-custom-matcher"
	}
	return args
}

// scriptOnly matches an EVAL by its script alone. Window members carry random
// UUIDs, so argument-level equality cannot be expected.
func scriptOnly(script string) func(expected, actual []interface{}) error {
	return func(_, actual []interface{}) error {
		if len(actual) < 2 {
			return fmt.Errorf("eval call too short: %v", actual)
		}
		if got, ok := actual[1].(string); !ok || got != script {
			return fmt.Errorf("wrong script routed to redis: %v", actual[1])
		}
		return nil
	}
}

func TestRedisAcquireRequest(t *testing.T) {
	s, mock, clock := newMockedRedisStore()
	ctx := context.Background()
	window := time.Minute
	nowMillis := util.ToMillis(clock.Now())

	t.Run("allowed", func(t *testing.T) {
		mock.CustomMatch(scriptOnly(acquireRequestScript)).
			ExpectEval(acquireRequestScript, []string{"k"}, argvPlaceholders(5)...).
			SetVal([]interface{}{int64(1), int64(2), int64(0)})

		res, err := s.AcquireRequest(ctx, "k", window, 3)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, int64(2), res.Current)
		assert.True(t, strings.HasPrefix(res.Member, strconv.FormatInt(nowMillis, 10)+"-"),
			"member %q must carry the score for later release", res.Member)
		assert.Zero(t, res.RetryIn)
	})

	t.Run("denied with oldest entry", func(t *testing.T) {
		// Scores come back from Lua as bulk strings.
		oldest := strconv.FormatInt(nowMillis-3000, 10)
		mock.CustomMatch(scriptOnly(acquireRequestScript)).
			ExpectEval(acquireRequestScript, []string{"k"}, argvPlaceholders(5)...).
			SetVal([]interface{}{int64(0), int64(3), oldest})

		res, err := s.AcquireRequest(ctx, "k", window, 3)
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Equal(t, int64(3), res.Current)
		assert.Empty(t, res.Member)
		assert.Equal(t, 57*time.Second, res.RetryIn, "oldest entry is 3s old")
	})

	t.Run("denied without an oldest entry", func(t *testing.T) {
		mock.CustomMatch(scriptOnly(acquireRequestScript)).
			ExpectEval(acquireRequestScript, []string{"k"}, argvPlaceholders(5)...).
			SetVal([]interface{}{int64(0), int64(5), int64(0)})

		res, err := s.AcquireRequest(ctx, "k", window, 3)
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Equal(t, window, res.RetryIn, "full window when no score is known")
	})

	t.Run("malformed response", func(t *testing.T) {
		mock.CustomMatch(scriptOnly(acquireRequestScript)).
			ExpectEval(acquireRequestScript, []string{"k"}, argvPlaceholders(5)...).
			SetVal([]interface{}{int64(1)})

		_, err := s.AcquireRequest(ctx, "k", window, 3)
		assert.Error(t, err)
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisReleaseRequest(t *testing.T) {
	s, mock, _ := newMockedRedisStore()
	ctx := context.Background()

	mock.ExpectZRem("k", "1755943200000-abc").SetVal(1)
	assert.NoError(t, s.ReleaseRequest(ctx, "k", "1755943200000-abc"))

	mock.ExpectZRem("k", "gone").SetErr(errors.New("connection reset"))
	assert.Error(t, s.ReleaseRequest(ctx, "k", "gone"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisCountRequests(t *testing.T) {
	s, mock, _ := newMockedRedisStore()
	ctx := context.Background()

	mock.CustomMatch(scriptOnly(countRequestsScript)).
		ExpectEval(countRequestsScript, []string{"k"}, argvPlaceholders(1)...).
		SetVal(int64(5))
	count, err := s.CountRequests(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	mock.CustomMatch(scriptOnly(countRequestsScript)).
		ExpectEval(countRequestsScript, []string{"k"}, argvPlaceholders(1)...).
		SetVal("not-a-count")
	_, err = s.CountRequests(ctx, "k", time.Minute)
	assert.Error(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisTokenWindow(t *testing.T) {
	s, mock, clock := newMockedRedisStore()
	ctx := context.Background()
	window := time.Minute
	nowMillis := util.ToMillis(clock.Now())

	mock.CustomMatch(scriptOnly(tokenWindowScript)).
		ExpectEval(tokenWindowScript, []string{"k"}, argvPlaceholders(1)...).
		SetVal([]interface{}{int64(150), int64(nowMillis - 20000)})
	used, retryIn, err := s.TokenWindow(ctx, "k", window)
	require.NoError(t, err)
	assert.Equal(t, int64(150), used)
	assert.Equal(t, 40*time.Second, retryIn, "oldest tokens are 20s old")

	// An empty window reports zero usage and no wait.
	mock.CustomMatch(scriptOnly(tokenWindowScript)).
		ExpectEval(tokenWindowScript, []string{"k"}, argvPlaceholders(1)...).
		SetVal([]interface{}{int64(0), int64(0)})
	used, retryIn, err = s.TokenWindow(ctx, "k", window)
	require.NoError(t, err)
	assert.Zero(t, used)
	assert.Zero(t, retryIn)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisAddTokens(t *testing.T) {
	s, mock, _ := newMockedRedisStore()
	ctx := context.Background()

	mock.CustomMatch(func(_, actual []interface{}) error {
		if err := scriptOnly(addTokensScript)(nil, actual); err != nil {
			return err
		}
		member, ok := actual[len(actual)-2].(string)
		if !ok || !strings.HasSuffix(member, ":120") {
			return fmt.Errorf("member %v must encode the token count", actual[len(actual)-2])
		}
		return nil
	}).ExpectEval(addTokensScript, []string{"k"}, argvPlaceholders(3)...).SetVal(int64(1))
	require.NoError(t, s.AddTokens(ctx, "k", time.Minute, 120))

	// Non-positive amounts never reach redis.
	require.NoError(t, s.AddTokens(ctx, "k", time.Minute, 0))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisQuotaRollover(t *testing.T) {
	s, mock, clock := newMockedRedisStore()
	ctx := context.Background()
	period := PeriodStart(clock.Now())
	nowUnix := clock.Now().Unix()

	// First read initializes the hash; HGET replies are bulk strings.
	mock.CustomMatch(scriptOnly(quotaScript)).
		ExpectEval(quotaScript, []string{"dep"}, argvPlaceholders(2)...).
		SetVal([]interface{}{"0", "0", strconv.FormatInt(nowUnix, 10)})
	state, err := s.Quota(ctx, "dep", period)
	require.NoError(t, err)
	assert.Equal(t, period, state.PeriodStart)
	assert.Zero(t, state.TokensUsed)
	assert.Zero(t, state.LifetimeTokens)

	mock.CustomMatch(scriptOnly(addQuotaScript)).
		ExpectEval(addQuotaScript, []string{"dep"}, argvPlaceholders(3)...).
		SetVal([]interface{}{int64(750), int64(750), strconv.FormatInt(nowUnix, 10)})
	state, err = s.AddQuotaUsage(ctx, "dep", period, 750)
	require.NoError(t, err)
	assert.Equal(t, int64(750), state.TokensUsed)
	assert.Equal(t, int64(750), state.LifetimeTokens)

	// Next calendar period: the script resets tokens_used and keeps lifetime.
	clock.Advance(31 * 24 * time.Hour)
	newPeriod := PeriodStart(clock.Now())
	require.NotEqual(t, period, newPeriod)
	mock.CustomMatch(scriptOnly(quotaScript)).
		ExpectEval(quotaScript, []string{"dep"}, argvPlaceholders(2)...).
		SetVal([]interface{}{"0", "750", strconv.FormatInt(clock.Now().Unix(), 10)})
	state, err = s.Quota(ctx, "dep", newPeriod)
	require.NoError(t, err)
	assert.Equal(t, newPeriod, state.PeriodStart)
	assert.Zero(t, state.TokensUsed)
	assert.Equal(t, int64(750), state.LifetimeTokens)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisConcurrency(t *testing.T) {
	s, mock, _ := newMockedRedisStore()
	ctx := context.Background()

	var gotTTL interface{}
	mock.CustomMatch(func(_, actual []interface{}) error {
		if err := scriptOnly(incrConcurrencyScript)(nil, actual); err != nil {
			return err
		}
		gotTTL = actual[len(actual)-1]
		return nil
	}).ExpectEval(incrConcurrencyScript, []string{"k"}, argvPlaceholders(2)...).
		SetVal([]interface{}{int64(1), int64(1)})
	ok, current, err := s.IncrConcurrency(ctx, "k", 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), current)
	assert.Equal(t, concurrencyTTL.Milliseconds(), gotTTL)

	mock.CustomMatch(scriptOnly(incrConcurrencyScript)).
		ExpectEval(incrConcurrencyScript, []string{"k"}, argvPlaceholders(2)...).
		SetVal([]interface{}{int64(0), int64(3)})
	ok, current, err = s.IncrConcurrency(ctx, "k", 3)
	require.NoError(t, err)
	assert.False(t, ok, "saturated counter rejects the slot")
	assert.Equal(t, int64(3), current)

	mock.CustomMatch(scriptOnly(decrConcurrencyScript)).
		ExpectEval(decrConcurrencyScript, []string{"k"}, argvPlaceholders(1)...).
		SetVal(int64(2))
	current, err = s.DecrConcurrency(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), current)

	mock.ExpectGet("k").SetVal("4")
	current, err = s.Concurrency(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(4), current)

	mock.ExpectGet("k").RedisNil()
	current, err = s.Concurrency(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, current, "a missing counter means no slots held")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConcurrencySlotTTLOutlivesSlowCalls(t *testing.T) {
	// The expiry only exists to reap slots leaked by crashed workers. A
	// holder whose provider call runs long must never lose its slot to it.
	assert.GreaterOrEqual(t, concurrencyTTL, 30*time.Minute)
}

func TestParseRedisResponse(t *testing.T) {
	tests := []struct {
		name     string
		response interface{}
		want     []int64
	}{
		{"int64 elements", []interface{}{int64(1), int64(2)}, []int64{1, 2}},
		{"mixed numeric types", []interface{}{int64(1), "42", 7, float64(3)}, []int64{1, 42, 7, 3}},
		{"nil element is zero", []interface{}{nil, int64(2)}, []int64{0, 2}},
		{"nil response", nil, nil},
		{"non-slice response", "scalar", nil},
		{"unparseable string", []interface{}{"not-a-number"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseRedisResponse(tt.response))
		})
	}
}

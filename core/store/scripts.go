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

// Lua scripts keep each read-modify-write atomic on the redis side, so
// concurrent workers in different processes never interleave a check with an
// append.
const (
	// acquireRequestScript: KEYS[1] window zset.
	// ARGV: windowStartMillis, limit, nowMillis, member, ttlMillis.
	// Returns {allowed, currentCount, oldestScoreMillis}.
	acquireRequestScript = `
	redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, ARGV[1])
	local count = redis.call('ZCARD', KEYS[1])
	if count < tonumber(ARGV[2]) then
		redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
		redis.call('PEXPIRE', KEYS[1], ARGV[5])
		return {1, count + 1, 0}
	end
	local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
	if oldest[2] then
		return {0, count, oldest[2]}
	end
	return {0, count, 0}
	`

	// countRequestsScript: KEYS[1] window zset. ARGV: windowStartMillis.
	countRequestsScript = `
	redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, ARGV[1])
	return redis.call('ZCARD', KEYS[1])
	`

	// tokenWindowScript: KEYS[1] token zset with members "uuid:tokens".
	// ARGV: windowStartMillis. Returns {tokenSum, oldestScoreMillis}.
	tokenWindowScript = `
	redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, ARGV[1])
	local entries = redis.call('ZRANGE', KEYS[1], 0, -1, 'WITHSCORES')
	local sum = 0
	local oldest = 0
	for i = 1, #entries, 2 do
		local sep = string.find(entries[i], ':')
		if sep then
			sum = sum + (tonumber(string.sub(entries[i], sep + 1)) or 0)
		end
		if oldest == 0 then
			oldest = tonumber(entries[i + 1])
		end
	end
	return {sum, oldest}
	`

	// addTokensScript: KEYS[1] token zset.
	// ARGV: nowMillis, member, ttlMillis.
	addTokensScript = `
	redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
	return 1
	`

	// quotaScript: KEYS[1] quota hash.
	// ARGV: period, nowUnix. Resets the counter when the stored period does
	// not match. Returns {tokensUsed, lifetimeTokens, lastReset}.
	quotaScript = `
	local period = redis.call('HGET', KEYS[1], 'period_start')
	if not period or period ~= ARGV[1] then
		redis.call('HSET', KEYS[1], 'period_start', ARGV[1], 'tokens_used', 0, 'last_reset', ARGV[2])
		redis.call('HSETNX', KEYS[1], 'lifetime_tokens', 0)
	end
	return {redis.call('HGET', KEYS[1], 'tokens_used'), redis.call('HGET', KEYS[1], 'lifetime_tokens'), redis.call('HGET', KEYS[1], 'last_reset')}
	`

	// addQuotaScript: KEYS[1] quota hash.
	// ARGV: period, nowUnix, tokens. Rolls the period over first when needed.
	addQuotaScript = `
	local period = redis.call('HGET', KEYS[1], 'period_start')
	if not period or period ~= ARGV[1] then
		redis.call('HSET', KEYS[1], 'period_start', ARGV[1], 'tokens_used', 0, 'last_reset', ARGV[2])
		redis.call('HSETNX', KEYS[1], 'lifetime_tokens', 0)
	end
	local used = redis.call('HINCRBY', KEYS[1], 'tokens_used', ARGV[3])
	local lifetime = redis.call('HINCRBY', KEYS[1], 'lifetime_tokens', ARGV[3])
	return {used, lifetime, redis.call('HGET', KEYS[1], 'last_reset')}
	`

	// incrConcurrencyScript: KEYS[1] counter. ARGV: max, ttlMillis.
	// Returns {acquired, current}.
	incrConcurrencyScript = `
	local current = tonumber(redis.call('GET', KEYS[1]) or '0')
	if current >= tonumber(ARGV[1]) then
		return {0, current}
	end
	current = redis.call('INCR', KEYS[1])
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return {1, current}
	`

	// decrConcurrencyScript: KEYS[1] counter. ARGV: ttlMillis.
	// Floors at zero so a double release can never drive the counter
	// negative.
	decrConcurrencyScript = `
	local current = tonumber(redis.call('GET', KEYS[1]) or '0')
	if current <= 0 then
		redis.call('SET', KEYS[1], 0, 'PX', ARGV[1])
		return 0
	end
	current = redis.call('DECR', KEYS[1])
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	return current
	`
)

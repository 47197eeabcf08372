package redis

import (
	"github.com/redis/go-redis/v9"
)

// Every state change of a job is a single script so a job is always in exactly
// one of the ready, delayed and reserved sets.

// popScript moves the lowest scored ready job to the reserved set and counts the attempt.
//
// KEYS: ready, reserved, jobs, attempts
// ARGV: now (unix ms)
// returns {id} when the body is gone, {id, body, attempts} otherwise, nil when empty
var popScript = redis.NewScript(`
local res = redis.call('ZPOPMIN', KEYS[1])
if #res == 0 then
	return false
end

local id = res[1]
local body = redis.call('HGET', KEYS[3], id)
if not body then
	redis.call('HDEL', KEYS[4], id)
	return {id}
end

redis.call('ZADD', KEYS[2], ARGV[1], id)
local attempts = redis.call('HINCRBY', KEYS[4], id, 1)

return {id, body, attempts}
`)

// releaseScript moves a reserved job back to the delayed or the ready set.
//
// KEYS: reserved, jobs, ready, delayed, seq
// ARGV: id, body, available at (unix ms, 0 - ready now), priority
// returns 0 when the job is not reserved
var releaseScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end

redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])

local at = tonumber(ARGV[3])
if at > 0 then
	redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
else
	local seq = redis.call('INCR', KEYS[5])
	redis.call('ZADD', KEYS[3], string.format('%.0f', tonumber(ARGV[4]) * 1e12 + seq), ARGV[1])
end

return 1
`)

// removeScript acknowledges a reserved job and drops its body.
//
// KEYS: reserved, jobs, attempts
// ARGV: id
// returns 0 when the job is not reserved
var removeScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end

redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])

return 1
`)

// promoteScript moves due delayed jobs and reservations older than the
// visibility timeout to the ready set.
//
// KEYS: delayed, reserved, ready, jobs, seq
// ARGV: now (unix ms), batch, reservation deadline (unix ms, 0 - never reclaim), default priority
// returns {promoted, reclaimed}
var promoteScript = redis.NewScript(`
local function ready(id)
	local priority = tonumber(ARGV[4])
	local body = redis.call('HGET', KEYS[4], id)
	if body then
		local ok, jb = pcall(cjson.decode, body)
		if ok and type(jb) == 'table' and type(jb['options']) == 'table' then
			local p = tonumber(jb['options']['priority'])
			if p and p ~= 0 then
				priority = p
			end
		end
	end

	local seq = redis.call('INCR', KEYS[5])
	redis.call('ZADD', KEYS[3], string.format('%.0f', priority * 1e12 + seq), id)
end

local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for i = 1, #due do
	redis.call('ZREM', KEYS[1], due[i])
	ready(due[i])
end

local reclaimed = 0
if tonumber(ARGV[3]) > 0 then
	local stale = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[3], 'LIMIT', 0, ARGV[2])
	for i = 1, #stale do
		redis.call('ZREM', KEYS[2], stale[i])
		ready(stale[i])
	end
	reclaimed = #stale
end

return {#due, reclaimed}
`)

package presence

import "github.com/redis/go-redis/v9"

// KEYS: conns, active, index
// ARGV: connID, nowMs, ttlMs, meta, uid, cutoffMs
var startScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[6])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('SET', KEYS[2], ARGV[4], 'PX', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[5])
return redis.call('ZCARD', KEYS[1])
`)

// KEYS: conns, active, index
// ARGV: connID, nowMs, ttlMs, cutoffMs, uid
var heartbeatScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) < tonumber(ARGV[4]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[5])
return 1
`)

// KEYS: conns, active, index
// ARGV: connID, cutoffMs, ttlMs, uid
//
// Returns {becameOffline, meta}. A user only goes offline here if this call
// removed a connection or the liveness marker still existed; otherwise the
// expiry already reported the transition.
var stopScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[2])
local meta = redis.call('GET', KEYS[2])
if not meta then
  meta = ''
end
if redis.call('ZCARD', KEYS[1]) == 0 then
  redis.call('DEL', KEYS[1], KEYS[2])
  redis.call('ZREM', KEYS[3], ARGV[4])
  if removed == 1 or meta ~= '' then
    return {1, meta}
  end
  return {0, ''}
end
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return {0, meta}
`)

// KEYS: index, conns
// ARGV: uid, cutoffMs
var claimScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) >= tonumber(ARGV[2]) then
  return 0
end
if redis.call('ZCOUNT', KEYS[2], ARGV[2], '+inf') > 0 then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
return 1
`)

// forgetExpiredScript drops uid from the expiry index once its liveness marker
// is gone, whatever the index score says.
// KEYS: index, active
// ARGV: uid
var forgetExpiredScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
return redis.call('ZREM', KEYS[1], ARGV[1])
`)

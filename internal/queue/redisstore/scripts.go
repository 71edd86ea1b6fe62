package redisstore

import "github.com/redis/go-redis/v9"

// Lua helpers shared by several scripts.
//
// lease_state classifies a job relative to a lease holder:
// NOT_FOUND, TERMINAL, PENDING, EXPIRED or ACTIVE.
// settle consumes one attempt and requeues, fails or cancels the job.
const luaHelpers = `
local function lease_state(job_key, leased_key, id, owner, now_ms)
  local status = redis.call('HGET', job_key, 'status')
  if not status then return 'NOT_FOUND' end
  if status == 'Succeeded' or status == 'Failed' or status == 'Cancelled' then return 'TERMINAL' end
  if status ~= 'Leased' then return 'PENDING' end
  local exp = redis.call('ZSCORE', leased_key, id)
  if redis.call('HGET', job_key, 'lease_owner') ~= owner then return 'EXPIRED' end
  if (not exp) or tonumber(exp) <= tonumber(now_ms) then return 'EXPIRED' end
  return 'ACTIVE'
end

local function settle(job_key, leased_key, pending_key, finished_key, id, reason, now_ns)
  local attempts = tonumber(redis.call('HGET', job_key, 'attempts')) + 1
  local max = tonumber(redis.call('HGET', job_key, 'max_attempts'))
  if attempts > max then attempts = max end
  local status = 'Pending'
  if redis.call('HGET', job_key, 'cancel_requested') == '1' then
    status = 'Cancelled'
  elseif attempts >= max then
    status = 'Failed'
  end
  redis.call('HSET', job_key, 'attempts', attempts, 'error', reason, 'status', status,
    'lease_owner', '', 'lease_expires_at', '', 'updated_at', now_ns)
  redis.call('ZREM', leased_key, id)
  if status == 'Pending' then
    redis.call('RPUSH', pending_key, id)
  else
    redis.call('HSET', job_key, 'finished_at', now_ns)
    redis.call('HINCRBY', finished_key, status, 1)
  end
  return status
end
`

// KEYS: job, pending, queues. ARGV: queue, id, field/value pairs...
var pushScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 'DUPLICATE' end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('RPUSH', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[1])
return 'OK'
`)

// KEYS: job, finished, queues. ARGV: queue, status, field/value pairs...
var buryScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 'DUPLICATE' end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('HINCRBY', KEYS[2], ARGV[2], 1)
redis.call('SADD', KEYS[3], ARGV[1])
return 'OK'
`)

// KEYS: pending, leased. ARGV: job prefix, owner, expiry ms, expiry ns, now ns.
// Returns the leased job hash as a flat array, or nil when empty.
var popScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then return false end
local job_key = ARGV[1] .. id
redis.call('HSET', job_key, 'status', 'Leased', 'lease_owner', ARGV[2],
  'lease_expires_at', ARGV[4], 'updated_at', ARGV[5])
redis.call('ZADD', KEYS[2], ARGV[3], id)
return redis.call('HGETALL', job_key)
`)

// KEYS: job, leased. ARGV: id, owner, now ms, expiry ms, expiry ns, now ns
var extendScript = redis.NewScript(luaHelpers + `
local state = lease_state(KEYS[1], KEYS[2], ARGV[1], ARGV[2], ARGV[3])
if state == 'NOT_FOUND' then return state end
if state ~= 'ACTIVE' then return 'EXPIRED' end
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
redis.call('HSET', KEYS[1], 'lease_expires_at', ARGV[5], 'updated_at', ARGV[6])
return 'OK'
`)

// KEYS: job, leased, finished.
// ARGV: id, owner, now ms, now ns, status, result, error, consume attempt flag
var finishScript = redis.NewScript(luaHelpers + `
local state = lease_state(KEYS[1], KEYS[2], ARGV[1], ARGV[2], ARGV[3])
if state == 'TERMINAL' then return 'OK' end
if state ~= 'ACTIVE' then return state end
if ARGV[8] == '1' then
  local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts'))
  local max = tonumber(redis.call('HGET', KEYS[1], 'max_attempts'))
  if attempts < max then redis.call('HSET', KEYS[1], 'attempts', attempts + 1) end
end
redis.call('HSET', KEYS[1], 'status', ARGV[5], 'result', ARGV[6], 'error', ARGV[7],
  'updated_at', ARGV[4], 'finished_at', ARGV[4], 'lease_owner', '', 'lease_expires_at', '')
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HINCRBY', KEYS[3], ARGV[5], 1)
return 'OK'
`)

// KEYS: job, leased, pending, finished. ARGV: id, owner, now ms, now ns, reason
var requeueScript = redis.NewScript(luaHelpers + `
local state = lease_state(KEYS[1], KEYS[2], ARGV[1], ARGV[2], ARGV[3])
if state == 'NOT_FOUND' or state == 'EXPIRED' then return state end
if state ~= 'ACTIVE' then return 'NOT_LEASED' end
return settle(KEYS[1], KEYS[2], KEYS[3], KEYS[4], ARGV[1], ARGV[5], ARGV[4])
`)

// KEYS: leased, pending, finished. ARGV: job prefix, now ms, now ns, reason
var reapScript = redis.NewScript(luaHelpers + `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
for _, id in ipairs(ids) do
  settle(ARGV[1] .. id, KEYS[1], KEYS[2], KEYS[3], id, ARGV[4], ARGV[3])
end
return ids
`)

// KEYS: job, pending, finished. ARGV: id, now ns
var cancelScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return 'NOT_FOUND' end
if status == 'Pending' then
  redis.call('LREM', KEYS[2], 1, ARGV[1])
  redis.call('HSET', KEYS[1], 'status', 'Cancelled', 'updated_at', ARGV[2], 'finished_at', ARGV[2])
  redis.call('HINCRBY', KEYS[3], 'Cancelled', 1)
  return 'OK'
end
if status == 'Leased' then
  redis.call('HSET', KEYS[1], 'cancel_requested', '1')
  return 'LEASED'
end
return 'TERMINAL'
`)

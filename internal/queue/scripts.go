package queue

import "github.com/valkey-io/valkey-go"

// Waiting scores combine priority and enqueue sequence so ZPOPMIN yields
// the lowest priority number first and FIFO within a priority. The scale
// keeps scores exactly representable through Lua number formatting.
const priorityScale = 1000000000

// KEYS: job, waiting, delayed, seq
// ARGV: id, queue, type, payload, priority, max_attempts, backoff_type,
//
//	backoff_ms, now_ms, run_at_ms
var enqueueScript = valkey.NewLuaScript(`
local seq = redis.call('INCR', KEYS[4])
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'queue', ARGV[2], 'type', ARGV[3], 'payload', ARGV[4],
  'priority', ARGV[5], 'attempts', 0, 'max_attempts', ARGV[6],
  'backoff_type', ARGV[7], 'backoff_ms', ARGV[8], 'created_at', ARGV[9], 'seq', seq)
if tonumber(ARGV[10]) > tonumber(ARGV[9]) then
  redis.call('ZADD', KEYS[3], ARGV[10], ARGV[1])
else
  redis.call('ZADD', KEYS[2], tonumber(ARGV[5]) * 1000000000 + seq, ARGV[1])
end
return seq
`)

// KEYS: waiting, delayed, active
// ARGV: now_ms, lease_ms, job_key_prefix
//
// Promotes due delayed jobs and expired leases back to waiting, then leases
// the head of waiting. Returns false when nothing is ready.
var claimScript = valkey.NewLuaScript(`
local now = tonumber(ARGV[1])
local function requeue(id)
  local jk = ARGV[3] .. id
  if redis.call('EXISTS', jk) == 1 then
    local f = redis.call('HMGET', jk, 'priority', 'seq')
    redis.call('ZADD', KEYS[1], tonumber(f[1]) * 1000000000 + tonumber(f[2]), id)
  end
end
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  requeue(id)
end
local stalled = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now, 'LIMIT', 0, 100)
for _, id in ipairs(stalled) do
  redis.call('ZREM', KEYS[3], id)
  redis.call('HSET', ARGV[3] .. id, 'error', 'lease expired')
  requeue(id)
end
while true do
  local popped = redis.call('ZPOPMIN', KEYS[1])
  if #popped == 0 then
    return false
  end
  local id = popped[1]
  local jk = ARGV[3] .. id
  if redis.call('EXISTS', jk) == 1 then
    local attempts = redis.call('HINCRBY', jk, 'attempts', 1)
    redis.call('ZADD', KEYS[3], now + tonumber(ARGV[2]), id)
    local f = redis.call('HMGET', jk, 'type', 'payload', 'max_attempts', 'backoff_type', 'backoff_ms', 'priority')
    return {id, f[1], f[2], tostring(attempts), f[3], f[4], f[5], f[6]}
  end
end
`)

// The lease scripts below act only for the current holder: the job must
// still be in active and its attempts counter must equal the attempt the
// caller claimed. A worker whose lease expired and was claimed again by
// someone else gets 0 back and touches nothing.

// KEYS: active, job
// ARGV: id, lease_deadline_ms, attempt
var extendScript = valkey.NewLuaScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) and redis.call('HGET', KEYS[2], 'attempts') == ARGV[3] then
  redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
  return 1
end
return 0
`)

// KEYS: active, job
// ARGV: id, attempt
var ackScript = valkey.NewLuaScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) or redis.call('HGET', KEYS[2], 'attempts') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`)

// KEYS: active, delayed, job
// ARGV: id, run_at_ms, error, attempt
var retryScript = valkey.NewLuaScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) or redis.call('HGET', KEYS[3], 'attempts') ~= ARGV[4] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[3], 'error', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// KEYS: active, failed, job
// ARGV: id, now_ms, error, attempt
var failScript = valkey.NewLuaScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) or redis.call('HGET', KEYS[3], 'attempts') ~= ARGV[4] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[3], 'error', ARGV[3], 'failed_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// KEYS: waiting, delayed, job
// ARGV: id
//
// Only jobs that are not currently leased can be removed.
var removeScript = valkey.NewLuaScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1]) + redis.call('ZREM', KEYS[2], ARGV[1])
if removed > 0 then
  redis.call('DEL', KEYS[3])
end
return removed
`)

package queue

import "github.com/redis/go-redis/v9"

// Job hashes, ready lists and tag sets are addressed from inside the scripts via the
// key prefix, so every script assumes a single, unsharded Redis.

// KEYS: dedup, delayed, active, completed, failed
// ARGV: id, prefix, now, stalledGraceMs, runAt, priority, field/value pairs...
var enqueueScript = redis.NewScript(`
local prefix = ARGV[2]
local now = tonumber(ARGV[3])
local grace = tonumber(ARGV[4])
local runAt = tonumber(ARGV[5])

if KEYS[1] ~= '' then
  local existing = redis.call('GET', KEYS[1])
  if existing then
    local oldKey = prefix .. 'job:' .. existing
    local state = redis.call('HGET', oldKey, 'state')
    if state == 'waiting' or state == 'delayed' then
      return {0, existing}
    end
    if state == 'active' then
      local lock = tonumber(redis.call('ZSCORE', KEYS[3], existing))
      if lock and lock + grace > now then
        return {0, existing}
      end
    end
    local prio = redis.call('HGET', oldKey, 'priority')
    if prio then redis.call('LREM', prefix .. 'ready:' .. prio, 0, existing) end
    redis.call('ZREM', KEYS[2], existing)
    redis.call('ZREM', KEYS[3], existing)
    redis.call('ZREM', KEYS[4], existing)
    redis.call('ZREM', KEYS[5], existing)
    local oldTag = redis.call('HGET', oldKey, 'tag')
    if oldTag and oldTag ~= '' then redis.call('SREM', prefix .. 'tag:' .. oldTag, existing) end
    redis.call('DEL', oldKey)
  end
end

local id = ARGV[1]
local jobKey = prefix .. 'job:' .. id
redis.call('HMSET', jobKey, unpack(ARGV, 7))
if runAt > now then
  redis.call('HSET', jobKey, 'state', 'delayed')
  redis.call('ZADD', KEYS[2], runAt, id)
else
  redis.call('HSET', jobKey, 'state', 'waiting')
  redis.call('RPUSH', prefix .. 'ready:' .. ARGV[6], id)
end
if KEYS[1] ~= '' then redis.call('SET', KEYS[1], id) end
local tag = redis.call('HGET', jobKey, 'tag')
if tag and tag ~= '' then redis.call('SADD', prefix .. 'tag:' .. tag, id) end
return {1, id}
`)

// KEYS: ready lists in priority order..., active
// ARGV: lockUntil, now, prefix
var dequeueScript = redis.NewScript(`
local active = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  while job do
    local jobKey = ARGV[3] .. 'job:' .. job
    if redis.call('EXISTS', jobKey) == 1 then
      redis.call('ZADD', active, ARGV[1], job)
      redis.call('HINCRBY', jobKey, 'attempts', 1)
      redis.call('HMSET', jobKey, 'state', 'active', 'lock_until', ARGV[1], 'updated_at', ARGV[2])
      return job
    end
    job = redis.call('LPOP', KEYS[i])
  end
end
return nil
`)

// KEYS: active, job hash
// ARGV: id, lockUntil
var extendScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then return 0 end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[2], 'lock_until', ARGV[2])
return 1
`)

// releaseKeys drops the dedup key (only when it still points at this job) and tag membership.
const releaseKeys = `
local function release(prefix, jobKey, id)
  local dk = redis.call('HGET', jobKey, 'dedup_key')
  if dk and dk ~= '' then
    local dedup = prefix .. 'dedup:' .. dk
    if redis.call('GET', dedup) == id then redis.call('DEL', dedup) end
  end
  local tag = redis.call('HGET', jobKey, 'tag')
  if tag and tag ~= '' then redis.call('SREM', prefix .. 'tag:' .. tag, id) end
end
`

// KEYS: active, completed
// ARGV: id, prefix, now
var ackScript = redis.NewScript(releaseKeys + `
local id = ARGV[1]
local jobKey = ARGV[2] .. 'job:' .. id
if redis.call('HGET', jobKey, 'state') ~= 'active' then return 0 end
redis.call('ZREM', KEYS[1], id)
redis.call('HMSET', jobKey, 'state', 'completed', 'progress', '100', 'finished_at', ARGV[3], 'updated_at', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[3], id)
release(ARGV[2], jobKey, id)
return 1
`)

// KEYS: active, delayed, failed
// ARGV: id, prefix, now, lastError, retryAt (0 = terminal)
var failScript = redis.NewScript(releaseKeys + `
local id = ARGV[1]
local jobKey = ARGV[2] .. 'job:' .. id
if redis.call('HGET', jobKey, 'state') ~= 'active' then return 0 end
redis.call('ZREM', KEYS[1], id)
local retryAt = tonumber(ARGV[5])
if retryAt > 0 then
  redis.call('HMSET', jobKey, 'state', 'delayed', 'last_error', ARGV[4], 'updated_at', ARGV[3])
  redis.call('ZADD', KEYS[2], retryAt, id)
  return 1
end
redis.call('HMSET', jobKey, 'state', 'failed', 'last_error', ARGV[4], 'finished_at', ARGV[3], 'updated_at', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[3], id)
release(ARGV[2], jobKey, id)
return 2
`)

// KEYS: delayed
// ARGV: now, limit, prefix
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local jobKey = ARGV[3] .. 'job:' .. id
  local prio = redis.call('HGET', jobKey, 'priority')
  if prio then
    redis.call('HSET', jobKey, 'state', 'waiting')
    redis.call('RPUSH', ARGV[3] .. 'ready:' .. prio, id)
  end
end
return #ids
`)

// KEYS: active
// ARGV: now, limit, prefix
var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local jobKey = ARGV[3] .. 'job:' .. id
  local prio = redis.call('HGET', jobKey, 'priority')
  if prio then
    redis.call('HSET', jobKey, 'state', 'waiting')
    redis.call('RPUSH', ARGV[3] .. 'ready:' .. prio, id)
  end
end
return ids
`)

// KEYS: tag set, delayed
// ARGV: prefix
var cancelScript = redis.NewScript(releaseKeys + `
local prefix = ARGV[1]
local removed = {}
for _, id in ipairs(redis.call('SMEMBERS', KEYS[1])) do
  local jobKey = prefix .. 'job:' .. id
  local state = redis.call('HGET', jobKey, 'state')
  if state == 'waiting' or state == 'delayed' then
    local prio = redis.call('HGET', jobKey, 'priority')
    if prio then redis.call('LREM', prefix .. 'ready:' .. prio, 0, id) end
    redis.call('ZREM', KEYS[2], id)
    release(prefix, jobKey, id)
    redis.call('DEL', jobKey)
    table.insert(removed, id)
  elseif not state then
    redis.call('SREM', KEYS[1], id)
  end
end
return removed
`)

// KEYS: completed or failed set
// ARGV: cutoff (0 = no age limit), keep count (0 = no count limit), prefix
var cleanScript = redis.NewScript(`
local doomed = {}
local cutoff = tonumber(ARGV[1])
local keep = tonumber(ARGV[2])
if cutoff > 0 then
  for _, id in ipairs(redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])) do
    doomed[id] = true
  end
end
if keep > 0 then
  for _, id in ipairs(redis.call('ZRANGE', KEYS[1], 0, -(keep + 1))) do
    doomed[id] = true
  end
end
local n = 0
for id in pairs(doomed) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('DEL', ARGV[3] .. 'job:' .. id)
  n = n + 1
end
return n
`)

package queue

import "github.com/redis/go-redis/v9"

// enqueueScript stores a job and pushes it to the wait list unless the id
// already exists.
// KEYS: job hash, wait list. ARGV: id, then field/value pairs.
var enqueueScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV, 2))
redis.call("LPUSH", KEYS[2], ARGV[1])
return 1
`)

// promoteScript moves due delayed jobs to the wait list.
// KEYS: delayed zset, wait list. ARGV: now ms, limit, job prefix.
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
  redis.call("ZREM", KEYS[1], id)
  redis.call("HSET", ARGV[3] .. id, "state", "waiting")
  redis.call("LPUSH", KEYS[2], id)
end
return #due
`)

// extendLockScript refreshes a lock still owned by the token.
// KEYS: lock. ARGV: token, ttl ms.
var extendLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// trimFinished is shared by completeScript and failScript: it drops the
// oldest finished jobs beyond keep.
const trimFinished = `
local function trim(set, keep, prefix)
  if keep < 0 then
    return
  end
  local excess = redis.call("ZCARD", set) - keep
  if excess > 0 then
    local old = redis.call("ZRANGE", set, 0, excess - 1)
    for _, oid in ipairs(old) do
      redis.call("DEL", prefix .. oid)
    end
    redis.call("ZREMRANGEBYRANK", set, 0, excess - 1)
  end
end
`

// completeScript marks a job completed if the caller still owns its lock.
// KEYS: job hash, active list, completed zset, lock.
// ARGV: id, token, now ms, keep, job prefix.
var completeScript = redis.NewScript(trimFinished + `
if redis.call("GET", KEYS[4]) ~= ARGV[2] then
  return -1
end
redis.call("LREM", KEYS[2], -1, ARGV[1])
redis.call("DEL", KEYS[4])
redis.call("HSET", KEYS[1], "state", "completed", "finished_at", ARGV[3])
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
trim(KEYS[3], tonumber(ARGV[4]), ARGV[5])
return 1
`)

// failScript schedules a retry or records a terminal failure if the caller
// still owns the lock. Returns 1 for a retry and 2 for a terminal failure.
// KEYS: job hash, active list, delayed zset, failed zset, lock.
// ARGV: id, token, now ms, reason, retry flag, due ms, keep, job prefix.
var failScript = redis.NewScript(trimFinished + `
if redis.call("GET", KEYS[5]) ~= ARGV[2] then
  return -1
end
redis.call("LREM", KEYS[2], -1, ARGV[1])
redis.call("DEL", KEYS[5])
redis.call("HSET", KEYS[1], "failed_reason", ARGV[4])
if ARGV[5] == "1" then
  redis.call("HSET", KEYS[1], "state", "delayed")
  redis.call("ZADD", KEYS[3], ARGV[6], ARGV[1])
  return 1
end
redis.call("HSET", KEYS[1], "state", "failed", "finished_at", ARGV[3])
redis.call("ZADD", KEYS[4], ARGV[3], ARGV[1])
trim(KEYS[4], tonumber(ARGV[7]), ARGV[8])
return 2
`)

// stalledScript requeues active jobs that were suspects on the previous pass
// and still have no lock, then marks every active job as a suspect.
// KEYS: stalled set, active list, wait list. ARGV: job prefix.
var stalledScript = redis.NewScript(`
local moved = {}
local suspects = redis.call("SMEMBERS", KEYS[1])
for _, id in ipairs(suspects) do
  if redis.call("EXISTS", ARGV[1] .. id .. ":lock") == 0 then
    if redis.call("LREM", KEYS[2], 1, id) > 0 then
      redis.call("HSET", ARGV[1] .. id, "state", "waiting")
      redis.call("RPUSH", KEYS[3], id)
      table.insert(moved, id)
    end
  end
end
redis.call("DEL", KEYS[1])
local active = redis.call("LRANGE", KEYS[2], 0, -1)
for _, id in ipairs(active) do
  redis.call("SADD", KEYS[1], id)
end
return moved
`)

// retryScript moves a failed job back to the wait list with fresh attempts.
// KEYS: job hash, failed zset, wait list. ARGV: id.
var retryScript = redis.NewScript(`
if redis.call("ZREM", KEYS[2], ARGV[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], "state", "waiting", "attempts_made", "0", "failed_reason", "")
redis.call("HDEL", KEYS[1], "finished_at")
redis.call("LPUSH", KEYS[3], ARGV[1])
return 1
`)

// cleanScript removes finished jobs older than the cutoff.
// KEYS: finished zset. ARGV: cutoff ms, limit, job prefix.
var cleanScript = redis.NewScript(`
local old = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, id in ipairs(old) do
  redis.call("DEL", ARGV[3] .. id)
  redis.call("ZREM", KEYS[1], id)
end
return #old
`)

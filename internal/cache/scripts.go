package cache

import "github.com/redis/go-redis/v9"

// KEYS: queue, queue metadata, queue index
// ARGV: message, current time (ms), guid, queue name
var insertScript = redis.NewScript(`
local existing = redis.call("HGET", KEYS[2], ARGV[3])
if existing then
  return tonumber(existing)
end

local messageId = redis.call("HINCRBY", KEYS[2], "counter", 1)
redis.call("ZADD", KEYS[1], "NX", messageId, ARGV[1])
redis.call("HSET", KEYS[2], ARGV[3], messageId)
redis.call("ZADD", KEYS[3], "NX", ARGV[2], ARGV[4])
return messageId
`)

// KEYS: queue, queue metadata, queue index
// ARGV: guid, queue name
var removeScript = redis.NewScript(`
local removed = 0
local messageId = redis.call("HGET", KEYS[2], ARGV[1])
if messageId then
  removed = redis.call("ZREMRANGEBYSCORE", KEYS[1], messageId, messageId)
  redis.call("HDEL", KEYS[2], ARGV[1])
end

if redis.call("ZCARD", KEYS[1]) == 0 then
  redis.call("DEL", KEYS[2])
  redis.call("ZREM", KEYS[3], ARGV[2])
end
return removed
`)

// KEYS: persist lock
// ARGV: token
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// KEYS: persist lock
// ARGV: token, ttl ms
var extendLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

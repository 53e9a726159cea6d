package queue

import "github.com/redis/go-redis/v9"

// requeueFn はリース失効やバックプレッシャーで戻されたジョブを再投入します。
// 試行回数が上限を超えた場合は failed にして false を返します。
const requeueFn = `
local function requeue(id, jk, now, maxAttempts, backoff, backoffMax, pendingPrefix, delayedKey, reason, failReason, retention)
	local attempts = redis.call("HINCRBY", jk, "attempts", 1)
	redis.call("HDEL", jk, "worker", "lease_until")
	if attempts > maxAttempts then
		redis.call("HSET", jk, "state", "failed", "reason", failReason)
		if retention > 0 then
			redis.call("PEXPIRE", jk, retention)
		end
		return false, attempts
	end
	local delay = 0
	if backoff > 0 then
		delay = math.floor(backoff * (2 ^ (attempts - 1)))
		if backoffMax > 0 and delay > backoffMax then
			delay = backoffMax
		end
	end
	if delay > 0 then
		redis.call("HSET", jk, "state", "delayed", "reason", reason)
		redis.call("ZADD", delayedKey, now + delay, id)
	else
		local fields = redis.call("HMGET", jk, "priority", "seq")
		redis.call("HSET", jk, "state", "pending", "reason", reason)
		redis.call("ZADD", pendingPrefix .. fields[1], fields[2], id)
	end
	return true, attempts
end
`

var (
	// KEYS: job, seq, pending:<p>
	// ARGV: jobID, priority, now
	enqueueScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
local seq = redis.call("INCR", KEYS[2])
redis.call("HSET", KEYS[1], "priority", ARGV[2], "seq", seq, "attempts", 0, "state", "pending", "enqueued_at", ARGV[3])
redis.call("ZADD", KEYS[3], seq, ARGV[1])
return 1
`)

	// KEYS: delayed, leases, pending:9 .. pending:0
	// ARGV: now, leaseUntil, workerID, jobPrefix, pendingPrefix
	leaseScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", now)
for _, id in ipairs(due) do
	redis.call("ZREM", KEYS[1], id)
	local jk = ARGV[4] .. id
	local fields = redis.call("HMGET", jk, "priority", "seq", "state")
	if fields[1] and fields[3] == "delayed" then
		redis.call("HSET", jk, "state", "pending")
		redis.call("ZADD", ARGV[5] .. fields[1], fields[2], id)
	end
end
for i = 3, #KEYS do
	local head = redis.call("ZRANGE", KEYS[i], 0, 0)
	if #head > 0 then
		local id = head[1]
		local jk = ARGV[4] .. id
		redis.call("ZREM", KEYS[i], id)
		redis.call("HSET", jk, "state", "leased", "worker", ARGV[3], "lease_until", ARGV[2])
		redis.call("ZADD", KEYS[2], ARGV[2], id)
		local fields = redis.call("HMGET", jk, "attempts", "priority")
		return {id, fields[1], fields[2]}
	end
end
return false
`)

	// KEYS: job, leases
	// ARGV: jobID, workerID, now, leaseUntil
	extendScript = redis.NewScript(`
local st = redis.call("HMGET", KEYS[1], "state", "worker", "lease_until")
if not st[1] then
	return -1
end
if (st[1] ~= "leased" and st[1] ~= "processing") or st[2] ~= ARGV[2] then
	return 0
end
if tonumber(st[3]) <= tonumber(ARGV[3]) then
	return 0
end
redis.call("HSET", KEYS[1], "lease_until", ARGV[4])
redis.call("ZADD", KEYS[2], ARGV[4], ARGV[1])
return 1
`)

	// KEYS: job
	// ARGV: workerID, now
	processingScript = redis.NewScript(`
local st = redis.call("HMGET", KEYS[1], "state", "worker", "lease_until")
if not st[1] then
	return -1
end
if st[2] ~= ARGV[1] or (st[1] ~= "leased" and st[1] ~= "processing") then
	return 0
end
if tonumber(st[3]) <= tonumber(ARGV[2]) then
	return 0
end
redis.call("HSET", KEYS[1], "state", "processing")
return 1
`)

	// KEYS: job, leases, delayed
	// ARGV: jobID, pendingPrefix, state, reason, retention
	finishScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
local p = redis.call("HGET", KEYS[1], "priority")
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("ZREM", ARGV[2] .. p, ARGV[1])
redis.call("HDEL", KEYS[1], "worker", "lease_until")
redis.call("HSET", KEYS[1], "state", ARGV[3], "reason", ARGV[4])
if tonumber(ARGV[5]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[5])
end
return 1
`)

	// KEYS: job, leases, delayed
	// ARGV: jobID, workerID, now, maxAttempts, backoff, backoffMax, pendingPrefix, reason, retention
	retryScript = redis.NewScript(requeueFn + `
local st = redis.call("HMGET", KEYS[1], "state", "worker")
if not st[1] then
	return {-1, 0}
end
if (st[1] ~= "leased" and st[1] ~= "processing") or st[2] ~= ARGV[2] then
	return {0, 0}
end
redis.call("ZREM", KEYS[2], ARGV[1])
local ok, attempts = requeue(ARGV[1], KEYS[1], tonumber(ARGV[3]), tonumber(ARGV[4]), tonumber(ARGV[5]),
	tonumber(ARGV[6]), ARGV[7], KEYS[3], ARGV[8], ARGV[8], tonumber(ARGV[9]))
if ok then
	return {1, attempts}
end
return {2, attempts}
`)

	// KEYS: leases, delayed
	// ARGV: now, maxAttempts, backoff, backoffMax, jobPrefix, pendingPrefix, limit, retention
	// 先頭要素は走査したリースの件数です。
	sweepScript = redis.NewScript(requeueFn + `
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[7]))
local out = {tostring(#expired)}
for _, id in ipairs(expired) do
	redis.call("ZREM", KEYS[1], id)
	local jk = ARGV[5] .. id
	local st = redis.call("HGET", jk, "state")
	if st == "leased" or st == "processing" then
		local ok = requeue(id, jk, tonumber(ARGV[1]), tonumber(ARGV[2]), tonumber(ARGV[3]),
			tonumber(ARGV[4]), ARGV[6], KEYS[2], "lease_expired", "lease_exhausted", tonumber(ARGV[8]))
		if ok then
			table.insert(out, "r:" .. id)
		else
			table.insert(out, "x:" .. id)
		end
	end
end
return out
`)

	// KEYS: job, delayed
	// ARGV: jobID, pendingPrefix, retention
	cancelScript = redis.NewScript(`
local st = redis.call("HMGET", KEYS[1], "state", "priority")
if not st[1] then
	return -1
end
if st[1] ~= "pending" and st[1] ~= "delayed" then
	return 0
end
redis.call("ZREM", ARGV[2] .. st[2], ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[1], "state", "canceled", "reason", "canceled")
if tonumber(ARGV[3]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return 1
`)
)

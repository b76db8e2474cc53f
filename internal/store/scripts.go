package store

import "github.com/redis/go-redis/v9"

// Outcome is the result code of a store operation. Scripts return these
// values; any effect is all-or-nothing.
type Outcome int64

const (
	OutcomeOK            Outcome = 1
	OutcomeNoop          Outcome = 0
	OutcomeNotFound      Outcome = -1
	OutcomeWrongState    Outcome = -2
	OutcomeFull          Outcome = -3
	OutcomeNotMember     Outcome = -4
	OutcomeNotOwner      Outcome = -5
	OutcomeEnded         Outcome = -6
	OutcomeDuplicate     Outcome = -7
	OutcomeArchiveExists Outcome = -8
	OutcomeConcurrent    Outcome = -9
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNoop:
		return "noop"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeWrongState:
		return "wrong_state"
	case OutcomeFull:
		return "full"
	case OutcomeNotMember:
		return "not_member"
	case OutcomeNotOwner:
		return "not_owner"
	case OutcomeEnded:
		return "ended"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeArchiveExists:
		return "archive_exists"
	case OutcomeConcurrent:
		return "concurrent"
	}
	return "unknown"
}

// KEYS: session, players, player, leaderboard
// ARGV: user, now (ms), max players
var joinScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('HGET', KEYS[1], 'state') ~= 'CREATED' then
	return -2
end
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
	return 0
end
if redis.call('SCARD', KEYS[2]) >= tonumber(ARGV[3]) then
	return -3
end

redis.call('SADD', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], 'score', 0, 'solved_count', 0, 'joined_at', ARGV[2])
redis.call('ZADD', KEYS[4], 'NX', 0, ARGV[1])

local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[3], ttl)
	redis.call('PEXPIRE', KEYS[4], ttl)
end
return 1
`)

// KEYS: session, players
// ARGV: user
var leaveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('SREM', KEYS[2], ARGV[1]) == 0 then
	return -4
end
return 1
`)

// finishScript moves a RUNNING session to ENDED. With an empty ARGV[2] it is
// the passive expiry check and only fires once the logical end has passed;
// ended_at is then the logical end. Otherwise ARGV[2] must be the owner and
// the session ends now.
//
// KEYS: session
// ARGV: now (ms), owner or empty
var finishScript = redis.NewScript(`
local m = redis.call('HMGET', KEYS[1], 'state', 'owner', 'end_at')
if not m[1] then
	return -1
end
if ARGV[2] ~= '' and m[2] ~= ARGV[2] then
	return -5
end
if m[1] ~= 'RUNNING' then
	return -2
end

local ended = ARGV[1]
if ARGV[2] == '' then
	if tonumber(ARGV[1]) < tonumber(m[3]) then
		return 0
	end
	ended = m[3]
end

redis.call('HSET', KEYS[1], 'state', 'ENDED', 'ended_at', ended)
return 1
`)

// submitScript credits one problem to one player. The leaderboard score
// carries a fraction of the remaining time so that, among equal totals, the
// player who reached it first ranks higher. The awarded points are also kept
// in the player's unranked field until they are moved into the ranking windows.
//
// KEYS: session, players, player, solved, leaderboard
// ARGV: user, problem, points, now (ms)
var submitScript = redis.NewScript(`
local m = redis.call('HMGET', KEYS[1], 'state', 'end_at', 'duration_ms')
if not m[1] then
	return {-1}
end
if m[1] ~= 'RUNNING' then
	return {-2}
end

local now = tonumber(ARGV[4])
local end_at = tonumber(m[2])
if now >= end_at then
	redis.call('HSET', KEYS[1], 'state', 'ENDED', 'ended_at', m[2])
	return {-6}
end

if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 0 then
	return {-4}
end
if redis.call('SISMEMBER', KEYS[4], ARGV[2]) == 1 then
	return {-7}
end

local score = redis.call('HINCRBY', KEYS[3], 'score', ARGV[3])
local solved = redis.call('HINCRBY', KEYS[3], 'solved_count', 1)
redis.call('HINCRBY', KEYS[3], 'unranked', ARGV[3])
redis.call('SADD', KEYS[4], ARGV[2])

local tiebreak = (end_at - now) / (tonumber(m[3]) + 1)
redis.call('ZADD', KEYS[5], string.format('%.9f', score + tiebreak), ARGV[1])

local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[3], ttl)
	redis.call('PEXPIRE', KEYS[4], ttl)
	redis.call('PEXPIRE', KEYS[5], ttl)
end
return {1, score, solved}
`)

// KEYS: live window, archive
// ARGV: retention (ms), 0 keeps the archive forever
var rolloverScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return {-8, 0}
end
local n = redis.call('ZCARD', KEYS[1])
if n == 0 then
	return {0, 0}
end
redis.call('RENAME', KEYS[1], KEYS[2])
if tonumber(ARGV[1]) > 0 then
	redis.call('PEXPIRE', KEYS[2], ARGV[1])
end
return {1, n}
`)

// markRankedScript sets the ranked flag of an existing session once.
//
// KEYS: session
var markRankedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
return redis.call('HSETNX', KEYS[1], 'ranked', 1)
`)

// takeUnrankedScript reads and zeroes a player's unranked points.
//
// KEYS: player
var takeUnrankedScript = redis.NewScript(`
local n = tonumber(redis.call('HGET', KEYS[1], 'unranked') or '0')
if n == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'unranked', 0)
return n
`)

// returnUnrankedScript gives back points that could not reach the ranking
// windows. A player hash that expired in between is not recreated.
//
// KEYS: player
// ARGV: points
var returnUnrankedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HINCRBY', KEYS[1], 'unranked', ARGV[1])
return 1
`)

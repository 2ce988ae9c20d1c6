package storage

import (
	"context"
	"strings"
	"time"

	pkgerr "github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Key layout:
//   presence:u:<userID> -> "<gatewayID>|<connID>"   (forward)
//   presence:c:<connID> -> "<userID>"               (reverse)
// Both keys carry the same TTL as a safety net against missed disconnects.
// Every transition runs as a Lua script so the pair moves together.

const (
	userKeyPrefix = "presence:u:"
	connKeyPrefix = "presence:c:"
)

// KEYS[1] = forward key, KEYS[2] = new reverse key
// ARGV[1] = value "<gw>|<conn>", ARGV[2] = new connID, ARGV[3] = userID,
// ARGV[4] = reverse key prefix, ARGV[5] = ttl seconds
// Returns the previous forward value ("" if none). Deletes the superseded
// reverse key in the same step.
const luaSetPresence = `
local prev = redis.call('GET', KEYS[1])
if prev then
  local sep = string.find(prev, '|', 1, true)
  local oldConn = string.sub(prev, sep + 1)
  if oldConn ~= ARGV[2] then
    redis.call('DEL', ARGV[4] .. oldConn)
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', tonumber(ARGV[5]))
redis.call('SET', KEYS[2], ARGV[3], 'EX', tonumber(ARGV[5]))
if prev then
  return prev
end
return ''
`

// KEYS[1] = reverse key
// ARGV[1] = forward key prefix, ARGV[2] = connID
// Deletes the reverse entry and, only when the forward entry still points at
// this connection, the forward entry too. Returns the owning userID ("" if
// the connection was not indexed).
const luaRemoveByConn = `
local user = redis.call('GET', KEYS[1])
if not user then
  return ''
end
redis.call('DEL', KEYS[1])
local uKey = ARGV[1] .. user
local cur = redis.call('GET', uKey)
if cur then
  local sep = string.find(cur, '|', 1, true)
  if string.sub(cur, sep + 1) == ARGV[2] then
    redis.call('DEL', uKey)
  end
end
return user
`

// KEYS[1] = forward key, KEYS[2] = reverse key
// ARGV[1] = connID, ARGV[2] = ttl seconds
const luaRefresh = `
local cur = redis.call('GET', KEYS[1])
if not cur then
  return 0
end
local sep = string.find(cur, '|', 1, true)
if string.sub(cur, sep + 1) ~= ARGV[1] then
  return 0
end
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
redis.call('EXPIRE', KEYS[2], tonumber(ARGV[2]))
return 1
`

type RedisDirectory struct {
	rdb *redis.Client
	ttl time.Duration

	luaSet     *redis.Script
	luaRemove  *redis.Script
	luaRefresh *redis.Script
}

func NewRedisDirectory(rdb *redis.Client, ttl time.Duration) *RedisDirectory {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisDirectory{
		rdb:        rdb,
		ttl:        ttl,
		luaSet:     redis.NewScript(luaSetPresence),
		luaRemove:  redis.NewScript(luaRemoveByConn),
		luaRefresh: redis.NewScript(luaRefresh),
	}
}

func encodeEntry(e Entry) string { return e.GatewayID + "|" + e.ConnID }

func decodeEntry(s string) (Entry, bool) {
	sep := strings.IndexByte(s, '|')
	if sep < 0 {
		return Entry{}, false
	}
	return Entry{GatewayID: s[:sep], ConnID: s[sep+1:]}, true
}

func (d *RedisDirectory) SetPresence(ctx context.Context, userID string, e Entry) (Entry, bool, error) {
	keys := []string{userKeyPrefix + userID, connKeyPrefix + e.ConnID}
	res, err := d.luaSet.Run(ctx, d.rdb, keys,
		encodeEntry(e), e.ConnID, userID, connKeyPrefix, int(d.ttl.Seconds())).Text()
	if err != nil {
		return Entry{}, false, pkgerr.Wrap(err, "presence: set")
	}
	if res == "" {
		return Entry{}, false, nil
	}
	prev, ok := decodeEntry(res)
	if !ok || prev.ConnID == e.ConnID {
		return Entry{}, false, nil
	}
	return prev, true, nil
}

func (d *RedisDirectory) GetConnection(ctx context.Context, userID string) (Entry, bool, error) {
	val, err := d.rdb.Get(ctx, userKeyPrefix+userID).Result()
	if pkgerr.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, pkgerr.Wrap(err, "presence: get")
	}
	e, ok := decodeEntry(val)
	return e, ok, nil
}

func (d *RedisDirectory) RemoveByConnection(ctx context.Context, connID string) (string, bool, error) {
	res, err := d.luaRemove.Run(ctx, d.rdb, []string{connKeyPrefix + connID},
		userKeyPrefix, connID).Text()
	if err != nil {
		return "", false, pkgerr.Wrap(err, "presence: remove")
	}
	if res == "" {
		return "", false, nil
	}
	return res, true, nil
}

func (d *RedisDirectory) Refresh(ctx context.Context, userID, connID string) error {
	keys := []string{userKeyPrefix + userID, connKeyPrefix + connID}
	if err := d.luaRefresh.Run(ctx, d.rdb, keys, connID, int(d.ttl.Seconds())).Err(); err != nil {
		return pkgerr.Wrap(err, "presence: refresh")
	}
	return nil
}

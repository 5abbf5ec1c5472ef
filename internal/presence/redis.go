package presence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore mirrors connection counts into Redis so every instance
// can answer who is online across the cluster.
//
// Keys:
//   - <prefix>:online      set of online user ids
//   - <prefix>:names       hash user id -> display name
//   - <prefix>:conns       hash user id -> open connection count
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed presence mirror.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "presence"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) onlineKey() string { return fmt.Sprintf("%s:online", s.prefix) }
func (s *RedisStore) namesKey() string  { return fmt.Sprintf("%s:names", s.prefix) }
func (s *RedisStore) connsKey() string  { return fmt.Sprintf("%s:conns", s.prefix) }

// KEYS: conns, online, names. ARGV: user id, display name.
var connectScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
return n
`)

// KEYS: conns, online, names. ARGV: user id. Returns the connections left.
var disconnectScript = redis.NewScript(`
local n = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
if n > 1 then
	return redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 0
`)

func (s *RedisStore) keys() []string {
	return []string{s.connsKey(), s.onlineKey(), s.namesKey()}
}

// Connected records one more open connection for the user.
// It reports whether this was the user's first connection cluster-wide.
func (s *RedisStore) Connected(ctx context.Context, u User) (bool, error) {
	n, err := connectScript.Run(ctx, s.client, s.keys(), u.UserID, u.UserName).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to mark user online: %w", err)
	}
	return n == 1, nil
}

// Disconnected records a closed connection.
// It reports whether the user has no connections left cluster-wide.
// The count never drops below zero.
func (s *RedisStore) Disconnected(ctx context.Context, userID string) (bool, error) {
	n, err := disconnectScript.Run(ctx, s.client, s.keys(), userID).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to mark user offline: %w", err)
	}
	return n == 0, nil
}

// Online lists every online user, sorted by name.
func (s *RedisStore) Online(ctx context.Context) ([]User, error) {
	ids, err := s.client.SMembers(ctx, s.onlineKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list online users: %w", err)
	}
	if len(ids) == 0 {
		return []User{}, nil
	}

	names, err := s.client.HMGet(ctx, s.namesKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load user names: %w", err)
	}

	users := make([]User, 0, len(ids))
	for i, id := range ids {
		u := User{UserID: id}
		if name, ok := names[i].(string); ok {
			u.UserName = name
		}
		users = append(users, u)
	}
	SortByName(users)
	return users, nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

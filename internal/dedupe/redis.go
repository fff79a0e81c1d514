package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript sets the key when absent and otherwise returns the stored id.
// KEYS[1] = dedupe key
// ARGV[1] = event id
// ARGV[2] = ttl in milliseconds
var claimScript = redis.NewScript(`
local ok = redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2])
if ok then
    return {1, ARGV[1]}
end
return {0, redis.call("GET", KEYS[1])}
`)

// releaseScript deletes the key only while it still holds the event id.
// KEYS[1] = dedupe key
// ARGV[1] = event id
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore shares claims across orchestrator processes.
type RedisStore struct {
	client redis.Scripter
	prefix string
	ttl    time.Duration
}

func NewRedisStore(addr, password string, db int, ttl time.Duration) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreWithClient(rdb, ttl)
}

func NewRedisStoreWithClient(client redis.Scripter, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: "finagent:dedupe:", ttl: ttl}
}

func (s *RedisStore) Claim(ctx context.Context, key, eventID string) (string, bool, error) {
	res, err := claimScript.Run(ctx, s.client, []string{s.prefix + key}, eventID, s.ttl.Milliseconds()).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis dedupe claim: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return "", false, fmt.Errorf("redis dedupe claim: unexpected reply %v", res)
	}
	claimed, _ := results[0].(int64)
	original, _ := results[1].(string)
	return original, claimed != 1, nil
}

func (s *RedisStore) Release(ctx context.Context, key, eventID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.prefix + key}, eventID).Err(); err != nil {
		return fmt.Errorf("redis dedupe release: %w", err)
	}
	return nil
}

// Close releases the client when it owns one.
func (s *RedisStore) Close() error {
	if c, ok := s.client.(*redis.Client); ok {
		return c.Close()
	}
	return nil
}

var _ Store = (*RedisStore)(nil)

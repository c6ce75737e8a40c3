package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is an optional Store implementation shared across repository
// processes, grounded on the same go-redis client construction and
// GET/SET/TTL idiom used for login-attempt throttling elsewhere in this
// codebase's lineage. It is never the default — the concurrency model
// scopes caches as process-local — but satisfies the same Store interface
// so a deployment running several repository processes against one
// namespace can opt into a shared negative-cache/shard-count view.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps an already-connected go-redis client. keyPrefix namespaces
// every key this cache writes, so one Redis instance can be shared safely
// across unrelated caches.
func NewRedis(client *redis.Client, keyPrefix string) *Redis {
	return &Redis{client: client, prefix: keyPrefix}
}

type redisEntry struct {
	Value    json.RawMessage `json:"value"`
	Negative bool            `json:"negative"`
	Version  int64           `json:"version"`
}

func (r *Redis) fullKey(key string) string {
	return r.prefix + key
}

func (r *Redis) Get(ctx context.Context, key string) (Entry, bool) {
	raw, err := r.client.Get(ctx, r.fullKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// Unavailability here is the caller's problem to classify; a
			// cache is best-effort, so we degrade to a miss rather than
			// surfacing the error.
			return Entry{}, false
		}
		return Entry{}, false
	}

	var re redisEntry
	if err := json.Unmarshal(raw, &re); err != nil {
		return Entry{}, false
	}

	return Entry{Value: re.Value, Negative: re.Negative, Version: re.Version}, true
}

func (r *Redis) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) {
	valueJSON, err := json.Marshal(entry.Value)
	if err != nil {
		return
	}
	re := redisEntry{Value: valueJSON, Negative: entry.Negative, Version: entry.Version}
	payload, err := json.Marshal(re)
	if err != nil {
		return
	}
	if ttl <= 0 {
		ttl = 0 // go-redis treats 0 as "no expiry"
	}
	r.client.Set(ctx, r.fullKey(key), payload, ttl)
}

func (r *Redis) Delete(ctx context.Context, key string) {
	r.client.Del(ctx, r.fullKey(key))
}

func (r *Redis) DeletePrefix(ctx context.Context, prefix string) {
	pattern := r.fullKey(prefix) + "*"
	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		r.client.Del(ctx, iter.Val())
	}
}

// Ping verifies connectivity, matching NewRedisClient's eager health check.
func Ping(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}
	return nil
}

package utils

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultCacheTTL = time.Hour

// CacheGetJSON decodes the value cached under key into out. It reports false
// on a miss, when Redis is not configured, or when the entry no longer decodes.
func CacheGetJSON(ctx context.Context, key string, out interface{}) bool {
	rc := GetRedis()
	if rc == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	b, err := rc.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logWarn("cache get failed", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(b, out); err != nil {
		logWarn("cache entry dropped", "key", key, "error", err)
		_ = rc.Del(ctx, key).Err()
		return false
	}
	return true
}

// CacheSetJSON stores v as JSON for ttl, one hour when ttl is not positive.
func CacheSetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) {
	rc := GetRedis()
	if rc == nil {
		return
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	b, err := json.Marshal(v)
	if err != nil {
		logWarn("cache value not encodable", "key", key, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := rc.Set(ctx, key, b, ttl).Err(); err != nil {
		logWarn("cache set failed", "key", key, "error", err)
	}
}

// CacheDelete removes keys.
func CacheDelete(ctx context.Context, keys ...string) {
	rc := GetRedis()
	if rc == nil || len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := rc.Del(ctx, keys...).Err(); err != nil {
		logWarn("cache delete failed", "keys", keys, "error", err)
	}
}

// CacheDeletePrefix unlinks every key starting with prefix and returns how
// many were removed.
func CacheDeletePrefix(ctx context.Context, prefix string) int {
	rc := GetRedis()
	if rc == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, 3*redisOpTimeout)
	defer cancel()

	var batch []string
	removed := 0
	flush := func() {
		if len(batch) == 0 {
			return
		}
		n, err := rc.Unlink(ctx, batch...).Result()
		if err != nil {
			logWarn("cache prefix delete failed", "prefix", prefix, "error", err)
		}
		removed += int(n)
		batch = batch[:0]
	}

	iter := rc.Scan(ctx, 0, prefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			flush()
		}
	}
	flush()
	if err := iter.Err(); err != nil {
		logWarn("cache scan failed", "prefix", prefix, "error", err)
	}
	return removed
}

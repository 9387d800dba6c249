package utils

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cppla/surveyreward/config"
)

const redisOpTimeout = 2 * time.Second

// takeScript is GETDEL for servers older than 6.2.
var takeScript = redis.NewScript(`local v=redis.call('GET', KEYS[1]); if v then redis.call('DEL', KEYS[1]); end; return v`)

var (
	redisClient atomic.Pointer[redis.Client]
	redisOnce   sync.Once
)

// GetRedis returns the shared client, or nil when RedisHost is empty. Every
// caller has an in-process or fail-open path for the nil case.
func GetRedis() *redis.Client {
	redisOnce.Do(func() {
		cfg := config.Get()
		if cfg.RedisHost == "" {
			return
		}
		rc := redis.NewClient(&redis.Options{
			Addr:         net.JoinHostPort(cfg.RedisHost, strconv.Itoa(cfg.RedisPort)),
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  3 * time.Second,
			ReadTimeout:  redisOpTimeout,
			WriteTimeout: redisOpTimeout,
		})
		ctx, cancel := redisCtx()
		defer cancel()
		if err := rc.Ping(ctx).Err(); err != nil {
			logWarn("redis ping failed", "addr", rc.Options().Addr, "error", err)
		}
		redisClient.Store(rc)
	})
	return redisClient.Load()
}

// UseRedis replaces the shared client, skipping the configured one, and
// returns a function restoring the previous client.
func UseRedis(rc *redis.Client) (restore func()) {
	redisOnce.Do(func() {})
	prev := redisClient.Swap(rc)
	return func() { redisClient.Store(prev) }
}

// CloseRedis closes the shared client if one was opened.
func CloseRedis() {
	if rc := redisClient.Load(); rc != nil {
		_ = rc.Close()
	}
}

func redisCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), redisOpTimeout)
}

// takeKey reads and deletes key in one step. A missing key yields redis.Nil.
func takeKey(ctx context.Context, rc *redis.Client, key string) (string, error) {
	v, err := rc.GetDel(ctx, key).Result()
	if err == nil || errors.Is(err, redis.Nil) {
		return v, err
	}
	res, err := takeScript.Run(ctx, rc, []string{key}).Result()
	if err != nil {
		return "", err
	}
	s, ok := res.(string)
	if !ok {
		return "", redis.Nil
	}
	return s, nil
}

// logWarn writes to the global logger once it is initialised.
func logWarn(msg string, kv ...interface{}) {
	if Sugar != nil {
		Sugar.Warnw(msg, kv...)
	}
}

package utils

import (
	"sync"
	"time"
)

// Nonce kinds.
const (
	NonceOAuthState = "oauth:state"
	NonceWallet     = "wallet:nonce"
)

const defaultNonceTTL = 10 * time.Minute

var (
	nonceStore   = map[string]time.Time{}
	nonceStoreMu sync.Mutex
)

func nonceKey(kind, value string) string {
	return kind + ":" + value
}

// SaveNonce stores a single-use value of the given kind until ttl elapses.
// Redis is used when configured so any instance can consume it.
func SaveNonce(kind, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = defaultNonceTTL
	}
	key := nonceKey(kind, value)
	if rc := GetRedis(); rc != nil {
		ctx, cancel := redisCtx()
		defer cancel()
		err := rc.Set(ctx, key, "1", ttl).Err()
		if err == nil {
			return
		}
		logWarn("nonce save failed, keeping it in memory", "kind", kind, "error", err)
	}

	nonceStoreMu.Lock()
	defer nonceStoreMu.Unlock()
	now := time.Now()
	for k, exp := range nonceStore {
		if now.After(exp) {
			delete(nonceStore, k)
		}
	}
	nonceStore[key] = now.Add(ttl)
}

// ConsumeNonce reports whether value was issued and not yet used or expired,
// and removes it.
func ConsumeNonce(kind, value string) bool {
	if value == "" {
		return false
	}
	key := nonceKey(kind, value)
	if rc := GetRedis(); rc != nil {
		ctx, cancel := redisCtx()
		defer cancel()
		if v, err := takeKey(ctx, rc, key); err == nil {
			return v != ""
		}
		// fall through: the nonce may have been saved in memory after a redis error
	}

	nonceStoreMu.Lock()
	exp, ok := nonceStore[key]
	if ok {
		delete(nonceStore, key)
	}
	nonceStoreMu.Unlock()
	return ok && time.Now().Before(exp)
}

package utils

import (
	"sync"
	"time"
)

const revokedKeyPrefix = "jwt:revoked:"

// revoked holds token IDs until their natural expiry when Redis is not configured.
var (
	revoked   = map[string]time.Time{}
	revokedMu sync.Mutex
)

// RevokeToken blocks the token with the given jti until expiresAt.
func RevokeToken(id string, expiresAt time.Time) {
	ttl := time.Until(expiresAt)
	if id == "" || ttl <= 0 {
		return
	}
	if rc := GetRedis(); rc != nil {
		ctx, cancel := redisCtx()
		defer cancel()
		if err := rc.Set(ctx, revokedKeyPrefix+id, 1, ttl).Err(); err != nil {
			logWarn("token revocation not stored", "jti", id, "error", err)
		}
		return
	}

	now := time.Now()
	revokedMu.Lock()
	for k, exp := range revoked {
		if now.After(exp) {
			delete(revoked, k)
		}
	}
	revoked[id] = expiresAt
	revokedMu.Unlock()
}

// IsTokenRevoked reports whether the jti was revoked. Redis errors fail open.
func IsTokenRevoked(id string) bool {
	if rc := GetRedis(); rc != nil {
		ctx, cancel := redisCtx()
		defer cancel()
		n, err := rc.Exists(ctx, revokedKeyPrefix+id).Result()
		if err != nil {
			logWarn("token revocation lookup failed", "jti", id, "error", err)
			return false
		}
		return n > 0
	}

	revokedMu.Lock()
	defer revokedMu.Unlock()
	exp, ok := revoked[id]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(revoked, id)
		return false
	}
	return true
}

package utils

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	emailCodeKeyPrefix     = "verify:email:"
	emailCooldownKeyPrefix = "cooldown:email:"
)

type codeEntry struct {
	code      string
	expiresAt time.Time
}

var (
	codeStore   = map[string]codeEntry{}
	codeStoreMu sync.Mutex
)

// GenerateVerificationCode returns n random decimal digits.
func GenerateVerificationCode(n int) (string, error) {
	if n <= 0 {
		n = 6
	}
	digits := make([]byte, n)
	for i := range digits {
		v, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + v.Int64())
	}
	return string(digits), nil
}

func emailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SaveEmailCode stores the verification code for email, replacing any earlier one.
func SaveEmailCode(email, code string, ttl time.Duration) {
	key := emailCodeKeyPrefix + emailKey(email)
	if rc := GetRedis(); rc != nil {
		ctx, cancel := redisCtx()
		defer cancel()
		err := rc.Set(ctx, key, code, ttl).Err()
		if err == nil {
			return
		}
		logWarn("email code save failed, keeping it in memory", "error", err)
	}

	codeStoreMu.Lock()
	defer codeStoreMu.Unlock()
	sweepCodes(time.Now())
	codeStore[key] = codeEntry{code: code, expiresAt: time.Now().Add(ttl)}
}

// VerifyEmailCode reports whether code matches the one saved for email. The
// saved code is consumed by any attempt, right or wrong, so a code cannot be
// guessed across requests.
func VerifyEmailCode(email, code string) bool {
	if code == "" {
		return false
	}
	key := emailCodeKeyPrefix + emailKey(email)
	if rc := GetRedis(); rc != nil {
		ctx, cancel := redisCtx()
		defer cancel()
		v, err := takeKey(ctx, rc, key)
		if err == nil {
			return codesEqual(v, code)
		}
		if !errors.Is(err, redis.Nil) {
			logWarn("email code lookup failed", "error", err)
		}
	}

	codeStoreMu.Lock()
	entry, ok := codeStore[key]
	delete(codeStore, key)
	codeStoreMu.Unlock()
	return ok && time.Now().Before(entry.expiresAt) && codesEqual(entry.code, code)
}

// EmailCooldownTrySet starts a send cooldown for email and reports false if
// one is already running.
func EmailCooldownTrySet(email string, cooldown time.Duration) bool {
	key := emailCooldownKeyPrefix + emailKey(email)
	if rc := GetRedis(); rc != nil {
		ctx, cancel := redisCtx()
		defer cancel()
		ok, err := rc.SetNX(ctx, key, "1", cooldown).Result()
		if err == nil {
			return ok
		}
		logWarn("email cooldown check failed, using memory", "error", err)
	}

	codeStoreMu.Lock()
	defer codeStoreMu.Unlock()
	now := time.Now()
	if entry, ok := codeStore[key]; ok && now.Before(entry.expiresAt) {
		return false
	}
	codeStore[key] = codeEntry{code: "1", expiresAt: now.Add(cooldown)}
	return true
}

func codesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// sweepCodes drops expired entries; callers hold codeStoreMu.
func sweepCodes(now time.Time) {
	for k, e := range codeStore {
		if now.After(e.expiresAt) {
			delete(codeStore, k)
		}
	}
}

package utils

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cppla/surveyreward/config"
)

const registrationLimitTimeout = 500 * time.Millisecond

// registrationKey is the per-IP counter for the current UTC day.
func registrationKey(ip string, now time.Time) string {
	return "reg:daily:" + now.UTC().Format("20060102") + ":" + ip
}

// RegistrationDailyLimitCheck allows up to RegisterMaxPerIPPerDay successful
// registrations per IP and day. It fails open without Redis.
func RegistrationDailyLimitCheck(ip string) bool {
	limit := config.Get().RegisterMaxPerIPPerDay
	rc := GetRedis()
	if limit <= 0 || rc == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), registrationLimitTimeout)
	defer cancel()

	n, err := rc.Get(ctx, registrationKey(ip, time.Now())).Int()
	switch {
	case errors.Is(err, redis.Nil):
		return true
	case err != nil:
		logWarn("registration limit lookup failed", "ip", ip, "error", err)
		return true
	}
	return n < limit
}

// RegistrationDailyIncrement counts a successful registration. The counter
// expires at the next UTC midnight.
func RegistrationDailyIncrement(ip string) {
	rc := GetRedis()
	if rc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), registrationLimitTimeout)
	defer cancel()

	now := time.Now()
	key := registrationKey(ip, now)
	midnight := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	_, err := rc.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, key)
		p.ExpireAt(ctx, key, midnight)
		return nil
	})
	if err != nil {
		logWarn("registration counter not updated", "ip", ip, "error", err)
	}
}

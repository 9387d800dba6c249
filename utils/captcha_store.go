package utils

import (
	"errors"
	"time"

	"github.com/mojocn/base64Captcha"
	"github.com/redis/go-redis/v9"
)

const captchaKeyPrefix = "captcha:"

// redisCaptchaStore keeps captcha answers in Redis so any instance can check
// them. Answers are consumed by the first Verify.
type redisCaptchaStore struct {
	rc  *redis.Client
	ttl time.Duration
}

// NewRedisCaptchaStore returns a captcha store on rc whose answers expire after ttl.
func NewRedisCaptchaStore(rc *redis.Client, ttl time.Duration) base64Captcha.Store {
	if ttl <= 0 {
		ttl = captchaTTL
	}
	return &redisCaptchaStore{rc: rc, ttl: ttl}
}

func (s *redisCaptchaStore) Set(id string, value string) error {
	ctx, cancel := redisCtx()
	defer cancel()
	return s.rc.Set(ctx, captchaKeyPrefix+id, value, s.ttl).Err()
}

func (s *redisCaptchaStore) Get(id string, clear bool) string {
	ctx, cancel := redisCtx()
	defer cancel()

	key := captchaKeyPrefix + id
	var (
		v   string
		err error
	)
	if clear {
		v, err = takeKey(ctx, s.rc, key)
	} else {
		v, err = s.rc.Get(ctx, key).Result()
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		logWarn("captcha lookup failed", "id", id, "error", err)
	}
	return v
}

func (s *redisCaptchaStore) Verify(id, answer string, clear bool) bool {
	v := s.Get(id, clear)
	return v != "" && v == answer
}

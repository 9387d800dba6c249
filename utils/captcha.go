package utils

import (
	"sync"
	"time"

	"github.com/mojocn/base64Captcha"
)

const captchaTTL = 10 * time.Minute

var (
	captchaStore     base64Captcha.Store
	captchaStoreOnce sync.Once
)

// activeCaptchaStore uses Redis when configured so any instance can verify
// an answer, and the library's in-memory store otherwise.
func activeCaptchaStore() base64Captcha.Store {
	captchaStoreOnce.Do(func() {
		if rc := GetRedis(); rc != nil {
			captchaStore = NewRedisCaptchaStore(rc, captchaTTL)
			return
		}
		captchaStore = base64Captcha.NewMemoryStore(base64Captcha.GCLimitNumber, captchaTTL)
	})
	return captchaStore
}

// GenerateCaptcha creates a five digit captcha and returns its id and a PNG data URI.
func GenerateCaptcha() (string, string, error) {
	driver := base64Captcha.NewDriverDigit(40, 120, 5, 0.7, 80)
	c := base64Captcha.NewCaptcha(driver, activeCaptchaStore())
	id, b64, _, err := c.Generate()
	return id, b64, err
}

// VerifyCaptcha checks an answer and consumes the captcha either way.
func VerifyCaptcha(id, answer string) bool {
	if id == "" || answer == "" {
		return false
	}
	return activeCaptchaStore().Verify(id, answer, true)
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestRateLimitRejectsAfterBurst(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ping", RateLimit(4), func(ctx *gin.Context) { ctx.Status(http.StatusNoContent) })

	get := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = ip + ":4000"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	// a limit of 4 a minute allows a burst of 2
	for i := 0; i < 2; i++ {
		if w := get("10.0.0.1"); w.Code != http.StatusNoContent {
			t.Fatalf("Request %d should pass, got %d", i+1, w.Code)
		}
	}
	w := get("10.0.0.1")
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") != "60" {
		t.Fatalf("Should reject the third request with Retry-After, got %d %q", w.Code, w.Header().Get("Retry-After"))
	}
	if w := get("10.0.0.2"); w.Code != http.StatusNoContent {
		t.Fatalf("Should keep a separate bucket per IP, got %d", w.Code)
	}
}

func TestLimiterSweepsIdleVisitorsPeriodically(t *testing.T) {
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := newIPLimiter(60)
	l.now = func() time.Time { return clock }

	l.allow("10.0.0.1")
	l.allow("10.0.0.2")
	if len(l.visitors) != 2 {
		t.Fatalf("Should track 2 visitors, got %d", len(l.visitors))
	}

	// idle long enough, but the last sweep is too recent to run another
	clock = clock.Add(limiterIdleTTL + time.Second)
	l.lastSweep = clock.Add(-limiterSweepEvery / 2)
	l.allow("10.0.0.3")
	if len(l.visitors) != 3 {
		t.Fatalf("Should not sweep before limiterSweepEvery, got %d visitors", len(l.visitors))
	}

	clock = clock.Add(limiterSweepEvery)
	l.allow("10.0.0.3")
	if len(l.visitors) != 1 {
		t.Fatalf("Should drop the idle visitors, got %d", len(l.visitors))
	}
	if _, ok := l.visitors["10.0.0.3"]; !ok {
		t.Fatal("Should keep the active visitor")
	}
}

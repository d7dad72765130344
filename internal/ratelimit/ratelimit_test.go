package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

// fakeClock is advanced by hand.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(perMinute, burst int) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(Config{RequestsPerMinute: perMinute, BurstSize: burst, IdleTTL: time.Minute})
	l.now = clock.now
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	limiter, clock := newTestLimiter(60, 5)
	key := "test-ip"

	// Should allow burst size requests immediately
	for i := 0; i < 5; i++ {
		if !limiter.Allow(key) {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}

	if limiter.Allow(key) {
		t.Error("Request after burst should be denied")
	}

	// 1 second = 1 token at 60/min
	clock.advance(time.Second)

	if !limiter.Allow(key) {
		t.Error("Request after waiting should be allowed")
	}
	if limiter.Allow(key) {
		t.Error("Only one token should have been refilled")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter, _ := newTestLimiter(60, 3)

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	if limiter.Allow("client-a") {
		t.Error("Client A should be rate limited")
	}
	if !limiter.Allow("client-b") {
		t.Error("Client B should not be affected by client A")
	}
}

func TestLimiterRefillCapsAtBurst(t *testing.T) {
	limiter, clock := newTestLimiter(60, 2)

	limiter.Allow("k")
	clock.advance(time.Hour)

	allowed := 0
	for i := 0; i < 5; i++ {
		if limiter.Allow("k") {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("Expected burst of 2 after long idle, got %d", allowed)
	}
}

func TestLimiterPrune(t *testing.T) {
	limiter, clock := newTestLimiter(60, 2)

	limiter.Allow("old")
	clock.advance(90 * time.Second)
	limiter.Allow("fresh")

	limiter.prune()
	if n := limiter.Len(); n != 1 {
		t.Errorf("Expected 1 tracked client after prune, got %d", n)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	l := New(Config{})
	if l.cfg != DefaultConfig() {
		t.Errorf("Expected defaults, got %+v", l.cfg)
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newTestLimiter(60, 1)

	r := gin.New()
	r.GET("/stream", limiter.Middleware(), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream", nil))
	if w.Code != http.StatusOK {
		t.Errorf("First request should pass, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Second request should be limited, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}
}

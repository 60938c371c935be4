package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type stubLimiter struct {
	decision Decision
	err      error
	calls    int
}

func (s *stubLimiter) Allow(ctx context.Context, addr string) (Decision, error) {
	s.calls++
	return s.decision, s.err
}

func (s *stubLimiter) Reset(ctx context.Context) error {
	return nil
}

type countingMetrics struct {
	throttled map[string]int
}

func (m *countingMetrics) JobSubmitted(string) {}
func (m *countingMetrics) JobCompleted(string) {}
func (m *countingMetrics) RateLimited(scope string) {
	if m.throttled == nil {
		m.throttled = map[string]int{}
	}
	m.throttled[scope]++
}
func (m *countingMetrics) ObserveCompressDuration(string, float64) {}

func limitedRouter(limiter Limiter, m *countingMetrics) *gin.Engine {
	router := gin.New()
	router.POST("/api/compress",
		Middleware(limiter, "compress", m, log.New(io.Discard, "", 0)),
		func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) },
	)
	return router
}

func doRequest(router *gin.Engine, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/compress", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareEnforcesQuota(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limiter := NewEnforcing(Quota{Limit: 2, Window: time.Minute}, "test", "compress", NewMemoryCounter())
	limiter.now = fixedClock(time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC))
	m := &countingMetrics{}
	router := limitedRouter(limiter, m)

	for i := 0; i < 2; i++ {
		if rec := doRequest(router, "203.0.113.7:51000"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: unexpected status %d", i+1, rec.Code)
		}
	}

	rec := doRequest(router, "203.0.113.7:51000")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload["ok"] != false || payload["error"] != "rate_limited" {
		t.Fatalf("unexpected envelope: %v", payload)
	}
	if m.throttled["compress"] != 1 {
		t.Fatalf("unexpected throttle count: %v", m.throttled)
	}

	// 別アドレスからのリクエストは巻き込まれない
	if rec := doRequest(router, "198.51.100.9:51000"); rec.Code != http.StatusOK {
		t.Fatalf("a different address must pass, got %d", rec.Code)
	}
}

func TestMiddlewareFailsOpenOnCounterError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limiter := &stubLimiter{err: errors.New("redis is down")}
	m := &countingMetrics{}
	router := limitedRouter(limiter, m)

	rec := doRequest(router, "203.0.113.7:51000")
	if rec.Code != http.StatusOK {
		t.Fatalf("counter failures must not reject requests, got %d", rec.Code)
	}
	if limiter.calls != 1 {
		t.Fatalf("unexpected limiter calls: %d", limiter.calls)
	}
	if len(m.throttled) != 0 {
		t.Fatalf("no throttle must be recorded, got %v", m.throttled)
	}
}

func TestMiddlewareOmitsRetryAfterWithoutHint(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limiter := &stubLimiter{decision: Decision{}}
	router := limitedRouter(limiter, &countingMetrics{})

	rec := doRequest(router, "203.0.113.7:51000")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "" {
		t.Fatal("Retry-After must be omitted when no hint is available")
	}
}

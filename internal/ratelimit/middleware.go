package ratelimit

import (
	"log"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/pdf-press/internal/metrics"
)

// Middleware はハンドラーの前段で頻度制限を適用するミドルウェアを返します。
// 拒否されたリクエストはジョブを一切作らずに 429 で終わります。
// カウンタバックエンドの障害時は警告を残してリクエストを通します。
func Middleware(limiter Limiter, scope string, m metrics.Metrics, logger *log.Logger) gin.HandlerFunc {
	if m == nil {
		m = metrics.Noop{}
	}
	if logger == nil {
		logger = log.Default()
	}

	return func(c *gin.Context) {
		decision, err := limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			logger.Printf("rate limiter unavailable scope=%s addr=%s: %v", scope, c.ClientIP(), err)
			c.Next()
			return
		}

		if !decision.Allowed {
			m.RateLimited(scope)
			if decision.RetryAfter > 0 {
				seconds := int64(math.Ceil(decision.RetryAfter.Seconds()))
				c.Header("Retry-After", strconv.FormatInt(seconds, 10))
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"ok":     false,
				"error":  "rate_limited",
				"detail": "Too many requests. Please try again later.",
			})
			return
		}

		c.Next()
	}
}

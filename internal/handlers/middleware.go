package handlers

import (
	"net/http"
	"strconv"
	"time"

	"tonix/internal/limiter"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"
)

// Recorder receives transport-level measurements.
type Recorder interface {
	Rejected(op string, code int)
	RateLimited()
	ObserveRequest(method, path string, status int, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) Rejected(string, int) {}

func (nopRecorder) RateLimited() {}

func (nopRecorder) ObserveRequest(string, string, int, time.Duration) {}

// Instrument reports every request to rec, labelled by route template.
func Instrument(rec Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		rec.ObserveRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

// SecurityHeaders sets headers that apply to every response.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Next()
	}
}

// CacheHints lets shared caches serve read responses briefly.
func CacheHints() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "s-maxage=15, stale-while-revalidate=60")
		c.Next()
	}
}

// RateLimit admits requests through l, keyed by client IP. Denied requests
// are answered with 429 and never reach later handlers.
func RateLimit(l *limiter.Limiter, rec Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := l.Check(c.ClientIP())
		if d.Allowed {
			c.Next()
			return
		}
		rec.RateLimited()
		retry := d.RetryAfterSeconds()
		logger.Infof("Rate limited %s on %s (retry in %ds)", c.ClientIP(), c.FullPath(), retry)
		c.Header("Retry-After", strconv.Itoa(retry))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"ok":         false,
			"error":      "too many requests",
			"retryAfter": retry,
		})
	}
}

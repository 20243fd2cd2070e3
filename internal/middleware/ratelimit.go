package middleware

import (
  "fmt"
  "net/http"
  "strconv"
  "time"
  "github.com/gin-gonic/gin"
  goredis "github.com/redis/go-redis/v9"
  "github.com/bricktally/bricktally-backend/internal/pkg/logger"
  "github.com/bricktally/bricktally-backend/internal/requestdata"
)

// RateLimitMiddleware puts a fixed-window cap on batch-apply calls per user.
// Without redis it degrades to a pass-through so local development does not
// need a redis instance.
type RateLimitMiddleware struct {
  log    *logger.Logger
  rdb    *goredis.Client
  limit  int
  window time.Duration
}

func NewRateLimitMiddleware(log *logger.Logger, rdb *goredis.Client, limit int, window time.Duration) *RateLimitMiddleware {
  middlewareLog := log.With("middleware", "RateLimitMiddleware")
  if limit <= 0 {
    limit = 60
  }
  if window <= 0 {
    window = time.Minute
  }
  return &RateLimitMiddleware{log: middlewareLog, rdb: rdb, limit: limit, window: window}
}

func (rl *RateLimitMiddleware) Limit() gin.HandlerFunc {
  return func(c *gin.Context) {
    if rl.rdb == nil {
      c.Next()
      return
    }
    rd := requestdata.GetRequestData(c.Request.Context())
    if rd == nil {
      c.Next()
      return
    }

    now := time.Now()
    windowStart := now.Truncate(rl.window)
    key := fmt.Sprintf("ratelimit:sync:%s:%d", rd.UserID, windowStart.Unix())

    count, err := rl.rdb.Incr(c.Request.Context(), key).Result()
    if err != nil {
      // Rate limiting is protective, not load-bearing; let the request through.
      rl.log.Warn("Rate limit INCR failed", "error", err)
      c.Next()
      return
    }
    if count == 1 {
      if err := rl.rdb.Expire(c.Request.Context(), key, rl.window).Err(); err != nil {
        rl.log.Warn("Rate limit EXPIRE failed", "error", err)
      }
    }
    if count > int64(rl.limit) {
      retryAfter := int(windowStart.Add(rl.window).Sub(now).Seconds()) + 1
      c.Header("Retry-After", strconv.Itoa(retryAfter))
      c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
      return
    }
    c.Next()
  }
}

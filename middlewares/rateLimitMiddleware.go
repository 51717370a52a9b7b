package middlewares

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/multipack_backend/config"
	"github.com/mmdatafocus/multipack_backend/utils"
	"github.com/redis/go-redis/v9"
)

// WindowCounter increments key and returns the count within the current window.
type WindowCounter func(ctx context.Context, key string, window time.Duration) (int64, error)

// RedisWindowCounter counts with INCR, setting the expiry only when the window opens.
func RedisWindowCounter(client func() *redis.Client) WindowCounter {
	return func(ctx context.Context, key string, window time.Duration) (int64, error) {
		rdb := client()
		if rdb == nil {
			return 0, fmt.Errorf("redis is not connected")
		}
		var incr *redis.IntCmd
		_, err := rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(ctx, key)
			pipe.ExpireNX(ctx, key, window)
			return nil
		})
		if err != nil {
			return 0, err
		}
		return incr.Val(), nil
	}
}

type RateLimiter struct {
	counter WindowCounter
	limit   int64
	window  time.Duration
}

func NewRateLimiter(counter WindowCounter, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		counter: counter,
		limit:   limit,
		window:  window,
	}
}

// RateLimitMiddleware limits requests per shop, or per client IP before a shop is known.
// Counter errors let the request through.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	subject, ok := utils.GetShopFromContext(c.Request.Context())
	if !ok || subject == "" {
		subject = c.ClientIP()
	}
	key := "RateLimit:" + subject

	count, err := rl.counter(c.Request.Context(), key, rl.window)
	if err != nil {
		config.LogError(config.GetLogger(), "middlewares", "RateLimitMiddleware", "count request", subject, err)
		c.Next()
		return
	}
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}
	c.Next()
}

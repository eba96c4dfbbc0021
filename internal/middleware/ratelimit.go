package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// RateLimitMiddleware caps requests per client IP and path over a
// fixed window kept in redis. It runs before auth, so keying is by IP
// only. Redis trouble fails open: losing the limiter must not take
// escrow traffic down with it.
func RateLimitMiddleware(rdb *redis.Client, limit int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := fmt.Sprintf("escrow:rl:%s:%s", c.Path(), c.IP())
		ctx := c.Context()

		pipe := rdb.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, window)
		if _, err := pipe.Exec(ctx); err != nil {
			return c.Next()
		}

		if count := incr.Val(); count > int64(limit) {
			retryAfter := window
			if ttl, err := rdb.TTL(ctx, key).Result(); err == nil && ttl > 0 {
				retryAfter = ttl
			}
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(retryAfter.Seconds())))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "rate limit exceeded",
			})
		}

		return c.Next()
	}
}

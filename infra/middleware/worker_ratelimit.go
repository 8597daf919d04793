package middleware

import (
	"strconv"

	"mailflow/pkg/apperr"
	"mailflow/pkg/ratelimit"

	"github.com/gofiber/fiber/v2"
)

// RateLimit throttles per authenticated subject, falling back to the client IP.
// It must run after JWTAuth. A nil limiter disables it.
func RateLimit(limiter *ratelimit.SlidingWindowLimiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if limiter == nil {
			return c.Next()
		}
		key := Subject(c)
		if key == "" {
			key = "ip:" + c.IP()
		}
		ok, wait := limiter.Allow(c.UserContext(), "api:"+key)
		if !ok {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(wait.Seconds())+1))
			return apperr.RateLimited(wait)
		}
		return c.Next()
	}
}

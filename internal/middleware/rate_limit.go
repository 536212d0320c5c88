package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/noah-isme/gema-grading-engine/internal/utils"
)

// RateLimit limits requests per caller and, when the route has an :id
// parameter, per target resource. Anonymous callers are keyed by IP.
func RateLimit(identifier string, max int, window time.Duration) fiber.Handler {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Second
	}

	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		LimitReached: func(c *fiber.Ctx) error {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(window.Seconds())))
			return utils.SendError(c, fiber.StatusTooManyRequests, "too many requests")
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return rateLimitKey(identifier, c)
		},
	})
}

func rateLimitKey(identifier string, c *fiber.Ctx) string {
	caller := "ip:" + c.IP()
	if userID, ok := c.Locals("user_id").(uint); ok && userID != 0 {
		caller = "user:" + strconv.FormatUint(uint64(userID), 10)
	}
	if resource := c.Params("id"); resource != "" {
		return fmt.Sprintf("%s:%s:%s", identifier, caller, resource)
	}
	return fmt.Sprintf("%s:%s", identifier, caller)
}

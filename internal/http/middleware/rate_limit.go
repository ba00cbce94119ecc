package middleware

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/goster/internal/infra/prometheus"
	"github.com/sifan077/goster/internal/ratelimit"
	"go.uber.org/zap"
)

// RateLimit throttles requests per client and matching rule.
func RateLimit(limiter *ratelimit.Limiter, metrics *prometheus.Metrics, logger *zap.Logger) fiber.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		decision, err := limiter.Check(c.UserContext(), ClientID(c), c.Method(), c.Path())
		if err != nil {
			logger.Error("rate limit store error", zap.Error(err))
			// Fail open: allow request if the store is unavailable
			return c.Next()
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		c.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			metrics.Throttled(decision.Rule.Name())
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(decision.RetryAfterSeconds()))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success":    false,
				"error":      "Too many requests, please try again later",
				"retryAfter": decision.RetryAfterSeconds(),
			})
		}

		return c.Next()
	}
}

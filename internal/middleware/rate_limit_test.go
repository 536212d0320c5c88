package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func TestRateLimitKeysByUserAndResource(t *testing.T) {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if c.Get("X-User") == "2" {
			c.Locals("user_id", uint(2))
		} else {
			c.Locals("user_id", uint(1))
		}
		return c.Next()
	})
	app.Post("/instances/:id/grade", RateLimit("grade", 1, time.Minute), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	call := func(path, user string) int {
		req := httptest.NewRequest(fiber.MethodPost, path, nil)
		if user != "" {
			req.Header.Set("X-User", user)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	require.Equal(t, fiber.StatusOK, call("/instances/1/grade", ""))
	require.Equal(t, fiber.StatusTooManyRequests, call("/instances/1/grade", ""))
	require.Equal(t, fiber.StatusOK, call("/instances/2/grade", ""))
	require.Equal(t, fiber.StatusOK, call("/instances/1/grade", "2"))
}

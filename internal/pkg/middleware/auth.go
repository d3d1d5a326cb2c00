package middleware

import (
	icuser "github.com/finreport/finreport/internal/pkg/usercontext"
	"github.com/gofiber/fiber/v2"
)

// RequireAuth rejects requests that did not pass API key authentication.
func RequireAuth(c *fiber.Ctx) error {
	if !icuser.IsLoggedIn(c) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "API key required",
		})
	}
	return c.Next()
}

// RequireAdmin ensures the caller carries the admin role.
func RequireAdmin(c *fiber.Ctx) error {
	if !icuser.IsLoggedIn(c) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "API key required",
		})
	}
	if !icuser.IsAdmin(c) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":   "forbidden",
			"message": "admin role required",
		})
	}
	return c.Next()
}

package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grading-engine/internal/utils"
)

// Route audiences understood by WithAuth.
const (
	AuthRoleAny     = "any"
	AuthRoleStaff   = "staff"
	AuthRoleStudent = "student"
)

// AuthOptions configures WithAuth.
type AuthOptions struct {
	Role           string
	// AllowAnonymous lets AuthRoleAny routes through without a user.
	AllowAnonymous bool
}

// WithAuth guards a single route. Student routes also admit staff acting
// for a student through EffectiveUserHeader, so a teacher can finish an
// exam on a student's behalf.
func WithAuth(handler fiber.Handler, opts AuthOptions) fiber.Handler {
	audience := normalizeRoleValue(opts.Role)
	if audience == "" {
		audience = AuthRoleAny
	}
	requireUser := !(opts.AllowAnonymous && audience == AuthRoleAny)

	return func(c *fiber.Ctx) error {
		if requireUser && c.Locals("user_id") == nil {
			return utils.Fail(c, fiber.StatusUnauthorized, "authentication required", nil)
		}
		if !admits(audience, c) {
			return utils.Fail(c, fiber.StatusForbidden, "insufficient permissions", nil)
		}
		return handler(c)
	}
}

func admits(audience string, c *fiber.Ctx) bool {
	role := RoleFromLocals(c)
	switch audience {
	case AuthRoleAny:
		return true
	case AuthRoleStaff:
		return IsStaff(role)
	case AuthRoleStudent:
		impersonating, _ := c.Locals("impersonating").(bool)
		return role == RoleStudent || (impersonating && IsStaff(role))
	default:
		return role == audience
	}
}

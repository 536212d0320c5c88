package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grading-engine/internal/utils"
)

// Roles carried in the token's role claim.
const (
	RoleAdmin   = "admin"
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

// IsStaff reports whether role may manage assessments, grade on behalf of
// others and read job logs.
func IsStaff(role string) bool {
	return role == RoleAdmin || role == RoleTeacher
}

// RoleFromLocals returns the normalized role of the caller.
func RoleFromLocals(c *fiber.Ctx) string {
	return normalizeRoleValue(c.Locals("user_role"))
}

// RequireRole rejects callers whose role is not listed. Anonymous callers
// get 401, authenticated ones 403.
func RequireRole(roles ...string) fiber.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		if normalized := normalizeRoleValue(role); normalized != "" {
			allowed[normalized] = struct{}{}
		}
	}

	return func(c *fiber.Ctx) error {
		if _, ok := allowed[RoleFromLocals(c)]; ok {
			return c.Next()
		}
		if c.Locals("user_id") == nil {
			return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
		}
		return utils.SendError(c, fiber.StatusForbidden, "insufficient permissions")
	}
}

// RequireStaff admits admins and teachers.
func RequireStaff() fiber.Handler {
	return RequireRole(RoleAdmin, RoleTeacher)
}

func normalizeRoleValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case fmt.Stringer:
		return strings.ToLower(strings.TrimSpace(v.String()))
	default:
		return strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", value)))
	}
}

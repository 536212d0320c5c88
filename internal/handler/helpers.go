package handler

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-engine/internal/middleware"
	"github.com/noah-isme/gema-grading-engine/internal/service"
	"github.com/noah-isme/gema-grading-engine/internal/utils"
)

func parseUintParam(c *fiber.Ctx, name string) (uint, error) {
	value := strings.TrimSpace(c.Params(name))
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil || parsed == 0 {
		return 0, errors.New("invalid identifier")
	}
	return uint(parsed), nil
}

func localUint(c *fiber.Ctx, key string) uint {
	switch v := c.Locals(key).(type) {
	case uint:
		return v
	case int:
		if v < 0 {
			return 0
		}
		return uint(v)
	case float64:
		if v < 0 {
			return 0
		}
		return uint(v)
	}
	return 0
}

// userIDFromContext returns the effective user of the request.
func userIDFromContext(c *fiber.Ctx) uint {
	return localUint(c, "user_id")
}

// authnUserIDFromContext returns the user who authenticated the request, which
// differs from the effective user when staff act on a student's behalf.
func authnUserIDFromContext(c *fiber.Ctx) *uint {
	id := localUint(c, "authn_user_id")
	if id == 0 {
		id = userIDFromContext(c)
	}
	if id == 0 {
		return nil
	}
	return &id
}

func withRequestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, c)
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}

// sendServiceError maps engine errors onto HTTP statuses. Unknown errors are
// logged and reported as 500 with the fallback message.
func sendServiceError(c *fiber.Ctx, logger zerolog.Logger, err error, fallback string) error {
	switch {
	case errors.Is(err, service.ErrAssessmentNotFound),
		errors.Is(err, service.ErrInstanceNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrNotOpen),
		errors.Is(err, service.ErrAccessDenied),
		errors.Is(err, service.ErrNotInGroup),
		errors.Is(err, service.ErrInstanceNotInAssessment),
		errors.Is(err, service.ErrRealTimeGradingDisabled):
		return utils.SendError(c, fiber.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrGradeRateLimited):
		return utils.SendError(c, fiber.StatusTooManyRequests, err.Error())
	case isValidationError(err):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	default:
		requestLogger(logger, c).Error().Err(err).Str("path", c.Path()).Msg(fallback)
		return utils.SendError(c, fiber.StatusInternalServerError, fallback)
	}
}

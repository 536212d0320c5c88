package handler

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-engine/internal/dto"
	"github.com/noah-isme/gema-grading-engine/internal/middleware"
	"github.com/noah-isme/gema-grading-engine/internal/service"
	"github.com/noah-isme/gema-grading-engine/internal/utils"
)

// InstanceHandler serves the student-facing assessment instance endpoints.
type InstanceHandler struct {
	lifecycle service.LifecycleService
	grading   service.GradingService
	stateLogs service.StateLogService
	validator *validator.Validate
	gradeRate fiber.Handler
	logger    zerolog.Logger
}

// NewInstanceHandler constructs the handler. gradesPerMinute bounds how often
// one user may hit the grade and finish endpoints of a single instance.
func NewInstanceHandler(lifecycle service.LifecycleService, grading service.GradingService, stateLogs service.StateLogService, validator *validator.Validate, gradesPerMinute int, logger zerolog.Logger) *InstanceHandler {
	return &InstanceHandler{
		lifecycle: lifecycle,
		grading:   grading,
		stateLogs: stateLogs,
		validator: validator,
		gradeRate: middleware.RateLimit("grade", gradesPerMinute, time.Minute),
		logger:    logger.With().Str("component", "instance_handler").Logger(),
	}
}

// Register attaches the instance routes to an authenticated router group.
func (h *InstanceHandler) Register(router fiber.Router) {
	student := middleware.AuthOptions{Role: middleware.AuthRoleStudent}
	staff := middleware.AuthOptions{Role: middleware.AuthRoleStaff}

	router.Post("/assessments/:id/instances", middleware.WithAuth(h.create, student))
	router.Post("/assessment-instances/:id/grade", h.gradeRate, middleware.WithAuth(h.grade, student))
	router.Post("/assessment-instances/:id/finish", h.gradeRate, middleware.WithAuth(h.finish, student))
	router.Get("/assessment-instances/:id/log", middleware.WithAuth(h.stateLog, staff))
}

func (h *InstanceHandler) create(c *fiber.Ctx) error {
	assessmentID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.CreateInstanceRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&payload); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
		}
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	params := service.CreateInstanceParams{
		AssessmentID: assessmentID,
		UserID:       userIDFromContext(c),
		Mode:         payload.Mode,
		TimeLimitMin: payload.TimeLimitMin,
	}
	if authn := authnUserIDFromContext(c); authn != nil {
		params.AuthnUserID = *authn
	}

	id, err := h.lifecycle.Create(withRequestContext(c), params)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to create assessment instance")
	}

	return utils.SendSuccess(c, "assessment instance ready", dto.CreateInstanceResponse{AssessmentInstanceID: id})
}

func (h *InstanceHandler) grade(c *fiber.Ctx) error {
	return h.gradeInstance(c, false)
}

func (h *InstanceHandler) finish(c *fiber.Ctx) error {
	return h.gradeInstance(c, true)
}

func (h *InstanceHandler) gradeInstance(c *fiber.Ctx, closeInstance bool) error {
	instanceID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	ctx := withRequestContext(c)
	userID := userIDFromContext(c)
	if err := h.lifecycle.CheckOwner(ctx, instanceID, userID); err != nil {
		return sendServiceError(c, h.logger, err, "failed to grade assessment instance")
	}

	report, err := h.grading.GradeInstance(ctx, service.GradeInstanceParams{
		InstanceID:  instanceID,
		UserID:      &userID,
		AuthnUserID: authnUserIDFromContext(c),
		RequireOpen: true,
		Close:       closeInstance,
	})
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to grade assessment instance")
	}

	response := dto.GradeResponse{
		AssessmentInstanceID: report.InstanceID,
		Closed:               report.Closed,
		VariantsGraded:       report.Graded,
		VariantsSkipped:      report.Skipped,
	}
	for _, failure := range report.Failures {
		response.Failures = append(response.Failures, failure.QID+": "+failure.Err.Error())
	}

	message := "assessment instance graded"
	if closeInstance {
		message = "assessment instance finished"
	}
	return utils.SendSuccess(c, message, response)
}

func (h *InstanceHandler) stateLog(c *fiber.Ctx) error {
	instanceID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var query dto.StateLogListRequest
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query")
	}

	list, err := h.stateLogs.List(withRequestContext(c), instanceID, query)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to list state log")
	}

	return utils.OK(c, list.Items, "state log", list.Pagination)
}

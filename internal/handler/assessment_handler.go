package handler

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-engine/internal/dto"
	"github.com/noah-isme/gema-grading-engine/internal/middleware"
	"github.com/noah-isme/gema-grading-engine/internal/models"
	"github.com/noah-isme/gema-grading-engine/internal/service"
	"github.com/noah-isme/gema-grading-engine/internal/utils"
)

// AssessmentHandler wires the staff endpoints that act on every instance of an
// assessment or override a single instance.
type AssessmentHandler struct {
	lifecycle service.LifecycleService
	grading   service.GradingService
	regrade   service.RegradeService
	scores    service.ScoreService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewAssessmentHandler constructs the handler.
func NewAssessmentHandler(lifecycle service.LifecycleService, grading service.GradingService, regrade service.RegradeService, scores service.ScoreService, validator *validator.Validate, logger zerolog.Logger) *AssessmentHandler {
	return &AssessmentHandler{
		lifecycle: lifecycle,
		grading:   grading,
		regrade:   regrade,
		scores:    scores,
		validator: validator,
		logger:    logger.With().Str("component", "assessment_handler").Logger(),
	}
}

// Register attaches the staff routes to the /assessments group. The group is
// shared with student routes, so every route carries its own role guard.
func (h *AssessmentHandler) Register(router fiber.Router) {
	staff := middleware.RequireStaff()

	router.Post("/:id/grade-all", staff, h.gradeAll)
	router.Post("/:id/regrade-all", staff, h.regradeAll)
	router.Delete("/:id/instances", staff, h.deleteAll)
	router.Post("/:id/instances/:iid/regrade", staff, h.regradeInstance)
	router.Patch("/:id/instances/:iid/points", staff, h.setPoints)
	router.Patch("/:id/instances/:iid/score", staff, h.setScorePerc)
	router.Delete("/:id/instances/:iid", staff, h.deleteInstance)
}

func (h *AssessmentHandler) gradeAll(c *fiber.Ctx) error {
	assessmentID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.GradeAllRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&payload); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
		}
	}

	userID := userIDFromContext(c)
	jobID, err := h.grading.GradeAll(withRequestContext(c), service.GradeAllParams{
		AssessmentID:                  assessmentID,
		UserID:                        &userID,
		AuthnUserID:                   authnUserIDFromContext(c),
		Close:                         payload.Close,
		IgnoreGradeRateLimit:          payload.IgnoreGradeRateLimit,
		IgnoreRealTimeGradingDisabled: payload.IgnoreRealTimeGradingDisabled,
	})
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to start grading job")
	}

	return utils.Accepted(c, "grading job started", dto.JobStartedResponse{JobSequenceID: jobID})
}

func (h *AssessmentHandler) regradeAll(c *fiber.Ctx) error {
	assessmentID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	userID := userIDFromContext(c)
	jobID, err := h.regrade.RegradeAll(withRequestContext(c), assessmentID, &userID, authnUserIDFromContext(c))
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to start regrading job")
	}

	return utils.Accepted(c, "regrading job started", dto.JobStartedResponse{JobSequenceID: jobID})
}

func (h *AssessmentHandler) regradeInstance(c *fiber.Ctx) error {
	assessmentID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	instanceID, err := parseUintParam(c, "iid")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	ctx := withRequestContext(c)
	if err := h.lifecycle.CheckBelongs(ctx, instanceID, assessmentID); err != nil {
		return sendServiceError(c, h.logger, err, "failed to regrade assessment instance")
	}

	result, err := h.regrade.RegradeInstance(ctx, instanceID, authnUserIDFromContext(c))
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to regrade assessment instance")
	}

	message := "no changes"
	if result.Updated {
		message = "assessment instance regraded"
	}
	return utils.SendSuccess(c, message, dto.RegradeResponse{
		Updated:             result.Updated,
		UpdatedQuestionQIDs: result.UpdatedQuestionQIDs,
		OldScorePerc:        result.OldScorePerc,
		NewScorePerc:        result.NewScorePerc,
	})
}

func (h *AssessmentHandler) setPoints(c *fiber.Ctx) error {
	var payload dto.SetPointsRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	return h.editScore(c, *payload.Points, h.scores.SetPoints)
}

func (h *AssessmentHandler) setScorePerc(c *fiber.Ctx) error {
	var payload dto.SetScorePercRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	return h.editScore(c, *payload.ScorePerc, h.scores.SetScorePerc)
}

type scoreEditor func(ctx context.Context, params service.ScoreEditParams) (models.AssessmentInstance, error)

func (h *AssessmentHandler) editScore(c *fiber.Ctx, value float64, edit scoreEditor) error {
	assessmentID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	instanceID, err := parseUintParam(c, "iid")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	instance, err := edit(withRequestContext(c), service.ScoreEditParams{
		AssessmentID: assessmentID,
		InstanceID:   instanceID,
		Value:        value,
		AuthnUserID:  authnUserIDFromContext(c),
	})
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to update score")
	}

	return utils.SendSuccess(c, "score updated", dto.NewInstanceResponse(instance))
}

func (h *AssessmentHandler) deleteInstance(c *fiber.Ctx) error {
	assessmentID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	instanceID, err := parseUintParam(c, "iid")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.lifecycle.Delete(withRequestContext(c), assessmentID, instanceID, authnUserIDFromContext(c)); err != nil {
		return sendServiceError(c, h.logger, err, "failed to delete assessment instance")
	}

	return utils.SendSuccess(c, "assessment instance deleted", nil)
}

func (h *AssessmentHandler) deleteAll(c *fiber.Ctx) error {
	assessmentID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	deleted, err := h.lifecycle.DeleteAll(withRequestContext(c), assessmentID, authnUserIDFromContext(c))
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to delete assessment instances")
	}

	return utils.SendSuccess(c, "assessment instances deleted", dto.DeleteAllResponse{Deleted: deleted})
}

package handler

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-engine/internal/dto"
	"github.com/noah-isme/gema-grading-engine/internal/jobs"
	"github.com/noah-isme/gema-grading-engine/internal/models"
	"github.com/noah-isme/gema-grading-engine/internal/repository"
	"github.com/noah-isme/gema-grading-engine/internal/utils"
)

const jobLogWriteTimeout = 10 * time.Second

// JobSequenceHandler exposes background job sequences and streams their
// output over a websocket while they run.
type JobSequenceHandler struct {
	repo   repository.JobSequenceRepository
	broker *jobs.Broker
	logger zerolog.Logger
}

// NewJobSequenceHandler constructs the handler.
func NewJobSequenceHandler(repo repository.JobSequenceRepository, broker *jobs.Broker, logger zerolog.Logger) *JobSequenceHandler {
	return &JobSequenceHandler{
		repo:   repo,
		broker: broker,
		logger: logger.With().Str("component", "job_sequence_handler").Logger(),
	}
}

// Register binds the job sequence routes under the provided router group.
func (h *JobSequenceHandler) Register(router fiber.Router) {
	upgrade := func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}

	router.Get("/", h.list)
	router.Get("/:id", h.get)
	router.Get("/:id/ws", upgrade, websocket.New(h.stream))
}

func (h *JobSequenceHandler) list(c *fiber.Ctx) error {
	filter := repository.JobSequenceFilter{Limit: 50}
	if raw := c.Query("assessment_id"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid assessment_id")
		}
		assessmentID := uint(parsed)
		filter.AssessmentID = &assessmentID
	}
	switch status := models.JobSequenceStatus(c.Query("status")); status {
	case "":
	case models.JobSequenceStatusRunning, models.JobSequenceStatusSuccess, models.JobSequenceStatusError:
		filter.Status = status
	default:
		return utils.SendError(c, fiber.StatusBadRequest, "invalid status")
	}

	sequences, err := h.repo.List(withRequestContext(c), filter)
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to list job sequences")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to list job sequences")
	}

	items := make([]dto.JobSequenceResponse, 0, len(sequences))
	for _, sequence := range sequences {
		items = append(items, dto.NewJobSequenceResponse(sequence))
	}
	return utils.SendSuccess(c, "job sequences", items)
}

func (h *JobSequenceHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	sequence, err := h.repo.GetByID(withRequestContext(c), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.SendError(c, fiber.StatusNotFound, "job sequence not found")
		}
		requestLogger(h.logger, c).Error().Err(err).Uint("job_sequence_id", id).Msg("failed to load job sequence")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to load job sequence")
	}

	return utils.SendSuccess(c, "job sequence", dto.NewJobSequenceResponse(sequence))
}

// stream sends the persisted output first, then live updates until the
// sequence finishes or the client goes away.
func (h *JobSequenceHandler) stream(conn *websocket.Conn) {
	defer conn.Close()

	id, err := strconv.ParseUint(conn.Params("id"), 10, 64)
	if err != nil || id == 0 {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "invalid identifier"))
		return
	}
	jobID := uint(id)

	// Subscribe before reading the snapshot so no line falls in between.
	updates, unsubscribe := h.broker.Subscribe(jobID)
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), jobLogWriteTimeout)
	sequence, err := h.repo.GetByID(ctx, jobID)
	cancel()
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "job sequence not found"))
		return
	}

	if err := h.write(conn, jobs.Update{
		JobSequenceID: jobID,
		Kind:          jobs.UpdateKindSnapshot,
		Message:       sequence.Output,
		Status:        sequence.Status,
		At:            sequence.HeartbeatAt,
	}); err != nil {
		return
	}
	if sequence.IsFinished() {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(sequence.Status)))
		return
	}

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				unsubscribe()
				return
			}
		}
	}()

	h.logger.Debug().Uint("job_sequence_id", jobID).Msg("job log subscriber connected")
	for update := range updates {
		if err := h.write(conn, update); err != nil {
			return
		}
		if update.Kind == jobs.UpdateKindStatus {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(update.Status)))
			return
		}
	}
}

func (h *JobSequenceHandler) write(conn *websocket.Conn, update jobs.Update) error {
	_ = conn.SetWriteDeadline(time.Now().Add(jobLogWriteTimeout))
	if err := conn.WriteJSON(update); err != nil {
		h.logger.Debug().Err(err).Uint("job_sequence_id", update.JobSequenceID).Msg("job log subscriber went away")
		return err
	}
	return nil
}
